package enrollment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/ledger"
	"github.com/pvhip/GymMaster/internal/policy"
	"github.com/pvhip/GymMaster/internal/stream"
)

var (
	admin   = catalog.User{ID: "1", Role: catalog.RoleAdmin, Status: catalog.UserActive}
	trainer = catalog.User{ID: "2", Role: catalog.RoleTrainer, Status: catalog.UserActive}
	other   = catalog.User{ID: "3", Role: catalog.RoleTrainer, Status: catalog.UserActive}
	member  = catalog.User{ID: "4", Role: catalog.RoleMember, Status: catalog.UserActive}
	pending = catalog.User{ID: "5", Role: catalog.RoleMember, Status: catalog.UserPending}
)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Publish(evt stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []stream.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t stream.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// slowLedger widens the window between the service call and the ledger
// write, as a database round trip does.
type slowLedger struct {
	*ledger.InMemory
	delay time.Duration
}

func (l slowLedger) Transition(ctx context.Context, id string, to ledger.Status) (ledger.Enrollment, bool, error) {
	time.Sleep(l.delay)
	return l.InMemory.Transition(ctx, id, to)
}

func (l slowLedger) FailPayment(ctx context.Context, id string) (ledger.Enrollment, bool, error) {
	time.Sleep(l.delay)
	return l.InMemory.FailPayment(ctx, id)
}

type fixture struct {
	svc    *Service
	dir    *catalog.InMemory
	ledger *ledger.InMemory
	events *recorder
}

func newFixture(t *testing.T, courses ...catalog.Course) fixture {
	t.Helper()
	dir := catalog.NewInMemory()
	for _, u := range []catalog.User{admin, trainer, other, member, pending} {
		dir.PutUser(u)
	}
	for _, c := range courses {
		dir.PutCourse(c)
	}
	l := ledger.NewInMemory(dir)
	rec := &recorder{}
	svc, err := NewService(dir, l, WithPublisher(rec))
	require.NoError(t, err)
	return fixture{svc: svc, dir: dir, ledger: l, events: rec}
}

func yoga(capacity, occupied uint) catalog.Course {
	return catalog.Course{
		ID: "5", Name: "Yoga", InstructorID: trainer.ID,
		Capacity: capacity, Occupied: occupied, Status: catalog.CourseActive, Price: 500000,
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, ledger.NewInMemory(catalog.NewInMemory()))
	assert.Error(t, err)
	_, err = NewService(catalog.NewInMemory(), nil)
	assert.Error(t, err)
}

func TestRegisterFillsLastSeat(t *testing.T) {
	f := newFixture(t, yoga(10, 9))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, e.Status)
	assert.Equal(t, ledger.PaymentPending, e.PaymentStatus)

	c, err := f.svc.Course(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, uint(10), c.Occupied)
	assert.Equal(t, uint(0), c.Available())
	assert.Equal(t, []stream.EventType{stream.EnrollmentCreated}, f.events.types())
}

func TestRegisterConcurrentLastSeat(t *testing.T) {
	f := newFixture(t, yoga(10, 9))
	f.dir.PutUser(catalog.User{ID: "7", Role: catalog.RoleMember, Status: catalog.UserActive})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, id := range []string{member.ID, "7"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			actor, err := f.svc.Actor(ctx, id)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = f.svc.Register(ctx, actor, "5")
		}(i, id)
	}
	wg.Wait()

	var won, full int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ledger.ErrCourseFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, full)

	occ, err := f.ledger.Occupancy(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, uint(10), occ.Occupied)
}

func TestRegisterDuplicateLeavesCounter(t *testing.T) {
	f := newFixture(t, yoga(10, 5))
	ctx := context.Background()

	_, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, member, "5")
	require.ErrorIs(t, err, ledger.ErrAlreadyEnrolled)
	assert.Equal(t, CodeAlreadyEnrolled, ErrorCode(err))

	occ, err := f.ledger.Occupancy(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, uint(6), occ.Occupied)
	assert.Len(t, f.events.types(), 1)
}

func TestRegisterRequiresActiveMember(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	for _, actor := range []catalog.User{admin, trainer, pending} {
		_, err := f.svc.Register(ctx, actor, "5")
		assert.ErrorIs(t, err, policy.ErrForbidden, "actor %s", actor.ID)
	}
	occ, err := f.ledger.Occupancy(ctx, "5")
	require.NoError(t, err)
	assert.Zero(t, occ.Occupied)
	assert.Empty(t, f.events.types())
}

func TestRegisterPassesLedgerErrorsThrough(t *testing.T) {
	closed := yoga(10, 0)
	closed.Status = catalog.CourseDraft
	f := newFixture(t, closed)

	_, err := f.svc.Register(context.Background(), member, "5")
	assert.ErrorIs(t, err, ledger.ErrCourseUnavailable)

	_, err = f.svc.Register(context.Background(), member, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestCancelPolicy(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)

	// The course instructor still cannot cancel a member's enrollment.
	_, err = f.svc.Cancel(ctx, trainer, e.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)
	got, err := f.ledger.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, got.Status)

	cancelled, err := f.svc.Cancel(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)

	occ, err := f.ledger.Occupancy(ctx, "5")
	require.NoError(t, err)
	assert.Zero(t, occ.Occupied)

	_, err = f.svc.Cancel(ctx, member, e.ID)
	assert.ErrorIs(t, err, ledger.ErrAlreadyCancelled)
	assert.Equal(t, []stream.EventType{stream.EnrollmentCreated, stream.EnrollmentCancelled}, f.events.types())
}

func TestCancelByOwnerThenRegisterAgain(t *testing.T) {
	f := newFixture(t, yoga(1, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, member, e.ID)
	require.NoError(t, err)

	again, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	assert.NotEqual(t, e.ID, again.ID)

	list, err := f.svc.ListForUser(ctx, member.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ledger.StatusCancelled, list[0].Status)
	assert.Equal(t, ledger.StatusPending, list[1].Status)
}

func TestMarkPaidIdempotent(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)

	_, err = f.svc.MarkPaid(ctx, member, e.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)

	first, err := f.svc.MarkPaid(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPaid, first.PaymentStatus)
	assert.Equal(t, ledger.StatusActive, first.Status)

	second, err := f.svc.MarkPaid(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []stream.EventType{stream.EnrollmentCreated, stream.PaymentConfirmed}, f.events.types())
}

func TestMarkPaidCancelled(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, member, e.ID)
	require.NoError(t, err)

	_, err = f.svc.MarkPaid(ctx, admin, e.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestMarkPaymentFailed(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)

	failed, err := f.svc.MarkPaymentFailed(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentFailed, failed.PaymentStatus)
	assert.Equal(t, ledger.StatusPending, failed.Status)

	_, err = f.svc.MarkPaymentFailed(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []stream.EventType{stream.EnrollmentCreated, stream.PaymentFailed}, f.events.types())

	// A retried payment can still succeed.
	paid, err := f.svc.MarkPaid(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPaid, paid.PaymentStatus)
}

func TestApproveCompleteAndProgress(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, trainer, e.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)
	_, err = f.svc.Complete(ctx, trainer, e.ID)
	require.ErrorIs(t, err, ledger.ErrInvalidTransition)

	active, err := f.svc.Approve(ctx, admin, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, active.Status)
	_, err = f.svc.Approve(ctx, admin, e.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateProgress(ctx, other, e.ID, 40)
	require.ErrorIs(t, err, policy.ErrForbidden)
	prog, err := f.svc.UpdateProgress(ctx, trainer, e.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, uint8(40), prog.Progress)
	_, err = f.svc.UpdateProgress(ctx, trainer, e.ID, 101)
	require.ErrorIs(t, err, ledger.ErrInvalidProgress)
	assert.Equal(t, CodeInvalidArgument, ErrorCode(err))

	done, err := f.svc.Complete(ctx, trainer, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, done.Status)
	assert.Equal(t, uint8(ledger.MaxProgress), done.Progress)
	require.NotNil(t, done.CompletedAt)

	// Completed enrollments keep their seat.
	occ, err := f.ledger.Occupancy(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, uint(1), occ.Occupied)

	assert.Equal(t, []stream.EventType{
		stream.EnrollmentCreated, stream.EnrollmentActivated, stream.EnrollmentCompleted,
	}, f.events.types())
}

func TestRosterAndSummary(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	f.dir.PutUser(catalog.User{ID: "7", Role: catalog.RoleMember, Status: catalog.UserActive})
	ctx := context.Background()

	a, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	b, err := f.svc.Register(ctx, catalog.User{ID: "7", Role: catalog.RoleMember, Status: catalog.UserActive}, "5")
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, admin, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, admin, b.ID)
	require.NoError(t, err)

	_, err = f.svc.ListForCourse(ctx, other, "5")
	require.ErrorIs(t, err, policy.ErrForbidden)
	_, err = f.svc.ListForCourse(ctx, member, "5")
	require.ErrorIs(t, err, policy.ErrForbidden)

	roster, err := f.svc.ListForCourse(ctx, trainer, "5")
	require.NoError(t, err)
	assert.Len(t, roster, 2)

	sum, err := f.svc.CourseSummary(ctx, admin, "5")
	require.NoError(t, err)
	assert.Equal(t, uint(1), sum.Course.Occupied)
	assert.Equal(t, uint(9), sum.Available)
	assert.Equal(t, 1, sum.ByStatus[ledger.StatusActive])
	assert.Equal(t, 1, sum.ByStatus[ledger.StatusCancelled])
	assert.Equal(t, 1, sum.ByPayment[ledger.PaymentPaid])
	assert.Equal(t, int64(500000), sum.Revenue)
}

func TestSetCourseStatus(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	_, err := f.svc.SetCourseStatus(ctx, other, "5", catalog.CourseInactive)
	require.ErrorIs(t, err, policy.ErrForbidden)
	_, err = f.svc.SetCourseStatus(ctx, admin, "5", catalog.CourseStatus("archived"))
	require.ErrorIs(t, err, catalog.ErrInvalidStatus)

	c, err := f.svc.SetCourseStatus(ctx, trainer, "5", catalog.CourseInactive)
	require.NoError(t, err)
	assert.Equal(t, catalog.CourseInactive, c.Status)

	_, err = f.svc.Register(ctx, member, "5")
	assert.ErrorIs(t, err, ledger.ErrCourseUnavailable)

	_, err = f.svc.SetCourseStatus(ctx, admin, "missing", catalog.CourseActive)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCoursesOverlayOccupancy(t *testing.T) {
	second := catalog.Course{ID: "6", Name: "Boxing", InstructorID: other.ID, Capacity: 3, Status: catalog.CourseActive}
	f := newFixture(t, yoga(10, 4), second)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, member, "6")
	require.NoError(t, err)

	list, err := f.svc.Courses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint(4), list[0].Occupied)
	assert.Equal(t, uint(1), list[1].Occupied)
}

func TestActorNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Actor(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestErrorCode(t *testing.T) {
	cases := map[error]string{
		nil:                          CodeOK,
		ledger.ErrCourseFull:         CodeCourseFull,
		ledger.ErrStorageUnavailable: CodeStorageUnavailable,
		policy.ErrForbidden:          CodeForbidden,
		catalog.ErrNotFound:          CodeNotFound,
		context.Canceled:             CodeCanceled,
		errors.New("boom"):           CodeInternal,
	}
	for err, want := range cases {
		assert.Equal(t, want, ErrorCode(err), "%v", err)
	}
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t, yoga(10, 0))
	ctx := context.Background()

	e, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)

	for _, actor := range []catalog.User{member, admin, trainer} {
		got, err := f.svc.Get(ctx, actor, e.ID)
		require.NoError(t, err, "actor %s", actor.ID)
		assert.Equal(t, e.ID, got.ID)
	}
	for _, actor := range []catalog.User{other, pending} {
		_, err := f.svc.Get(ctx, actor, e.ID)
		assert.ErrorIs(t, err, policy.ErrForbidden, "actor %s", actor.ID)
	}
	_, err = f.svc.Get(ctx, admin, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestConcurrentTransitionsPublishOnce(t *testing.T) {
	dir := catalog.NewInMemory()
	for _, u := range []catalog.User{admin, trainer, member} {
		dir.PutUser(u)
	}
	dir.PutCourse(yoga(10, 0))
	rec := &recorder{}
	svc, err := NewService(dir, slowLedger{InMemory: ledger.NewInMemory(dir), delay: 5 * time.Millisecond}, WithPublisher(rec))
	require.NoError(t, err)
	ctx := context.Background()

	approved, err := svc.Register(ctx, member, "5")
	require.NoError(t, err)

	const callers = 4
	run := func(fn func() error) {
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- fn()
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
	}

	run(func() error {
		_, err := svc.MarkPaymentFailed(ctx, admin, approved.ID)
		return err
	})
	run(func() error {
		_, err := svc.Approve(ctx, admin, approved.ID)
		return err
	})
	run(func() error {
		_, err := svc.Complete(ctx, trainer, approved.ID)
		return err
	})

	assert.Equal(t, 1, rec.count(stream.PaymentFailed))
	assert.Equal(t, 1, rec.count(stream.EnrollmentActivated))
	assert.Equal(t, 1, rec.count(stream.EnrollmentCompleted))
}

func TestUserSummary(t *testing.T) {
	second := catalog.Course{ID: "6", Name: "Boxing", InstructorID: other.ID, Capacity: 3, Status: catalog.CourseActive, Price: 800000}
	f := newFixture(t, yoga(10, 0), second)
	ctx := context.Background()

	a, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	b, err := f.svc.Register(ctx, member, "6")
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, admin, a.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, admin, b.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, trainer, a.ID)
	require.NoError(t, err)

	_, err = f.svc.UserSummary(ctx, trainer, member.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)
	_, err = f.svc.UserSummary(ctx, pending, member.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)

	own, err := f.svc.UserSummary(ctx, member, member.ID)
	require.NoError(t, err)
	assert.Equal(t, UserTotals{UserID: member.ID, Enrollments: 2, Active: 1, Completed: 1, TotalSpent: 1300000}, own)

	byAdmin, err := f.svc.UserSummary(ctx, admin, member.ID)
	require.NoError(t, err)
	assert.Equal(t, own, byAdmin)

	empty, err := f.svc.UserSummary(ctx, admin, "nobody")
	require.NoError(t, err)
	assert.Equal(t, UserTotals{UserID: "nobody"}, empty)
}

func TestInstructorSummary(t *testing.T) {
	pilates := catalog.Course{ID: "7", Name: "Pilates", InstructorID: trainer.ID, Capacity: 5, Occupied: 2, Status: catalog.CourseActive, Price: 300000}
	boxing := catalog.Course{ID: "6", Name: "Boxing", InstructorID: other.ID, Capacity: 3, Status: catalog.CourseActive, Price: 800000}
	f := newFixture(t, yoga(10, 0), boxing, pilates)
	ctx := context.Background()

	a, err := f.svc.Register(ctx, member, "5")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, member, "7")
	require.NoError(t, err)
	c, err := f.svc.Register(ctx, member, "6")
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, admin, a.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, admin, c.ID)
	require.NoError(t, err)

	_, err = f.svc.InstructorSummary(ctx, other, trainer.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)
	_, err = f.svc.InstructorSummary(ctx, member, trainer.ID)
	require.ErrorIs(t, err, policy.ErrForbidden)

	sum, err := f.svc.InstructorSummary(ctx, trainer, trainer.ID)
	require.NoError(t, err)
	assert.Equal(t, InstructorTotals{
		InstructorID: trainer.ID,
		Courses:      2,
		Students:     4,
		Revenue:      500000,
		Earnings:     300000,
	}, sum)

	byAdmin, err := f.svc.InstructorSummary(ctx, admin, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, byAdmin.Courses)
	assert.Equal(t, int64(800000), byAdmin.Revenue)
}
