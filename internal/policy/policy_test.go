package policy

import (
	"errors"
	"testing"

	"github.com/pvhip/GymMaster/internal/catalog"
)

var (
	admin   = catalog.User{ID: "1", Role: catalog.RoleAdmin, Status: catalog.UserActive}
	trainer = catalog.User{ID: "2", Role: catalog.RoleTrainer, Status: catalog.UserActive}
	member  = catalog.User{ID: "4", Role: catalog.RoleMember, Status: catalog.UserActive}
	nobody  = catalog.User{ID: "9", Role: "guest"}
)

func TestAllowMatrix(t *testing.T) {
	cases := []struct {
		name   string
		actor  catalog.User
		action Action
		owner  string
		want   bool
	}{
		{"admin cancels anyone", admin, ActionCancel, "4", true},
		{"admin confirms payment", admin, ActionConfirmPayment, "", true},
		{"admin manages any course", admin, ActionManageCourse, "2", true},

		{"trainer manages own course", trainer, ActionManageCourse, "2", true},
		{"trainer manages other course", trainer, ActionManageCourse, "3", false},
		{"trainer views own roster", trainer, ActionViewRoster, "2", true},
		{"trainer views other roster", trainer, ActionViewRoster, "3", false},
		{"trainer tracks own course", trainer, ActionTrackProgress, "2", true},
		{"trainer registers", trainer, ActionRegister, "2", false},
		{"trainer cancels member", trainer, ActionCancel, "4", false},
		{"trainer cancels own id", trainer, ActionCancel, "2", false},
		{"trainer confirms payment", trainer, ActionConfirmPayment, "", false},
		{"trainer views course", trainer, ActionViewCourse, "", true},

		{"member registers self", member, ActionRegister, "4", true},
		{"member registers other", member, ActionRegister, "5", false},
		{"member cancels own", member, ActionCancel, "4", true},
		{"member cancels other", member, ActionCancel, "5", false},
		{"member views own enrollments", member, ActionViewEnrollments, "4", true},
		{"member views other enrollments", member, ActionViewEnrollments, "5", false},
		{"member views course", member, ActionViewCourse, "", true},
		{"member manages course", member, ActionManageCourse, "4", false},
		{"member approves", member, ActionApprove, "4", false},
		{"member streams events", member, ActionStreamEvents, "", false},

		{"empty owner never matches", catalog.User{Role: catalog.RoleMember}, ActionCancel, "", false},
		{"unknown role denied", nobody, ActionViewCourse, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Allow(tc.actor, tc.action, tc.owner); got != tc.want {
				t.Fatalf("Allow=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestAuthorizeWrapsForbidden(t *testing.T) {
	if err := Authorize(admin, ActionCancel, "4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Authorize(trainer, ActionCancel, "4")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
