// Package policy decides which actor may perform which enrollment or course
// action. It is pure: no I/O, no clock, no state.
package policy

import (
	"errors"
	"fmt"

	"github.com/pvhip/GymMaster/internal/catalog"
)

// ErrForbidden is returned when the policy denies an action.
var ErrForbidden = errors.New("forbidden")

// Action names an operation subject to authorization.
type Action string

const (
	// ActionRegister: owner is the user being enrolled.
	ActionRegister Action = "enrollment.register"
	// ActionCancel: owner is the enrollment's user.
	ActionCancel Action = "enrollment.cancel"
	// ActionConfirmPayment records a payment outcome from the gateway.
	ActionConfirmPayment Action = "enrollment.payment"
	// ActionApprove activates a pending enrollment without payment.
	ActionApprove Action = "enrollment.approve"
	// ActionViewEnrollments: owner is the user whose enrollments are listed.
	ActionViewEnrollments Action = "enrollment.view"
	// ActionTrackProgress: owner is the course instructor.
	ActionTrackProgress Action = "enrollment.progress"
	// ActionViewRoster: owner is the course instructor.
	ActionViewRoster Action = "course.roster"
	// ActionManageCourse: owner is the course instructor.
	ActionManageCourse Action = "course.manage"
	ActionViewCourse   Action = "course.view"
	// ActionStreamEvents subscribes to the enrollment event feed.
	ActionStreamEvents Action = "events.stream"
)

// Allow reports whether actor may perform action on a resource owned by
// ownerID. An empty ownerID never matches.
func Allow(actor catalog.User, action Action, ownerID string) bool {
	owns := ownerID != "" && ownerID == actor.ID

	switch actor.Role {
	case catalog.RoleAdmin:
		return true
	case catalog.RoleTrainer:
		switch action {
		case ActionManageCourse, ActionViewRoster, ActionTrackProgress:
			return owns
		case ActionViewCourse:
			return true
		}
		return false
	case catalog.RoleMember:
		switch action {
		case ActionRegister, ActionCancel, ActionViewEnrollments:
			return owns
		case ActionViewCourse:
			return true
		}
		return false
	}
	return false
}

// Authorize is Allow returning ErrForbidden on denial.
func Authorize(actor catalog.User, action Action, ownerID string) error {
	if Allow(actor, action, ownerID) {
		return nil
	}
	return fmt.Errorf("%w: %s %q may not %s", ErrForbidden, actor.Role, actor.ID, action)
}
