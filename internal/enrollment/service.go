package enrollment

import (
	"context"
	"errors"
	"fmt"

	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/ledger"
	"github.com/pvhip/GymMaster/internal/obs"
	"github.com/pvhip/GymMaster/internal/policy"
	"github.com/pvhip/GymMaster/internal/stream"
)

// Publisher receives lifecycle events after the ledger has committed.
type Publisher interface {
	Publish(evt stream.Event)
}

type discard struct{}

func (discard) Publish(stream.Event) {}

// Service is the user-facing enrollment workflow. It checks the access
// policy, delegates seat accounting to the ledger and emits events.
// Ledger errors are returned unchanged and never retried here.
type Service struct {
	dir    catalog.Directory
	ledger ledger.Ledger
	events Publisher
}

// Option configures Service.
type Option func(*Service)

// WithPublisher sets the event sink. Without it events are discarded.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// NewService wires a service over a directory and a ledger.
func NewService(dir catalog.Directory, l ledger.Ledger, opts ...Option) (*Service, error) {
	if dir == nil {
		return nil, errors.New("enrollment: directory is required")
	}
	if l == nil {
		return nil, errors.New("enrollment: ledger is required")
	}
	s := &Service{dir: dir, ledger: l, events: discard{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Actor resolves a user id to its directory record.
func (s *Service) Actor(ctx context.Context, userID string) (catalog.User, error) {
	u, err := s.dir.GetUser(ctx, userID)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.User{}, fmt.Errorf("%w: user %s", ledger.ErrNotFound, userID)
	}
	return u, err
}

// Register enrolls actor, who must be an active member, into courseID.
func (s *Service) Register(ctx context.Context, actor catalog.User, courseID string) (ledger.Enrollment, error) {
	if actor.Role != catalog.RoleMember {
		obs.ObserveReservation(CodeForbidden)
		return ledger.Enrollment{}, fmt.Errorf("%w: only members can register, %q is %s", policy.ErrForbidden, actor.ID, actor.Role)
	}
	if !actor.IsActive() {
		obs.ObserveReservation(CodeForbidden)
		return ledger.Enrollment{}, fmt.Errorf("%w: account %q is %s", policy.ErrForbidden, actor.ID, actor.Status)
	}
	if err := policy.Authorize(actor, policy.ActionRegister, actor.ID); err != nil {
		obs.ObserveReservation(CodeForbidden)
		return ledger.Enrollment{}, err
	}

	e, err := s.ledger.Reserve(ctx, courseID, actor.ID)
	obs.ObserveReservation(ErrorCode(err))
	if err != nil {
		return ledger.Enrollment{}, err
	}
	s.observeOccupancy(ctx, courseID)
	s.publish(stream.EnrollmentCreated, e, actor.ID)
	return e, nil
}

// Cancel releases the seat held by enrollmentID. The owning member or an
// admin may cancel.
func (s *Service) Cancel(ctx context.Context, actor catalog.User, enrollmentID string) (ledger.Enrollment, error) {
	current, err := s.ledger.Get(ctx, enrollmentID)
	if err != nil {
		return ledger.Enrollment{}, err
	}
	if err := policy.Authorize(actor, policy.ActionCancel, current.UserID); err != nil {
		obs.ObserveRelease(CodeForbidden)
		return ledger.Enrollment{}, err
	}

	e, err := s.ledger.Release(ctx, enrollmentID)
	obs.ObserveRelease(ErrorCode(err))
	if err != nil {
		return e, err
	}
	s.observeOccupancy(ctx, e.CourseID)
	s.publish(stream.EnrollmentCancelled, e, actor.ID)
	return e, nil
}

// MarkPaid records a confirmed payment. A pending enrollment becomes
// active. Repeating the call succeeds without further effect.
func (s *Service) MarkPaid(ctx context.Context, actor catalog.User, enrollmentID string) (ledger.Enrollment, error) {
	if err := policy.Authorize(actor, policy.ActionConfirmPayment, ""); err != nil {
		return ledger.Enrollment{}, err
	}
	e, changed, err := s.ledger.ConfirmPayment(ctx, enrollmentID)
	if err != nil {
		return e, err
	}
	if changed {
		s.publish(stream.PaymentConfirmed, e, actor.ID)
	}
	return e, nil
}

// MarkPaymentFailed records a failed payment reported by the gateway.
func (s *Service) MarkPaymentFailed(ctx context.Context, actor catalog.User, enrollmentID string) (ledger.Enrollment, error) {
	if err := policy.Authorize(actor, policy.ActionConfirmPayment, ""); err != nil {
		return ledger.Enrollment{}, err
	}
	e, changed, err := s.ledger.FailPayment(ctx, enrollmentID)
	if err != nil {
		return e, err
	}
	if changed {
		s.publish(stream.PaymentFailed, e, actor.ID)
	}
	return e, nil
}

// Approve activates a pending enrollment without a payment confirmation.
func (s *Service) Approve(ctx context.Context, actor catalog.User, enrollmentID string) (ledger.Enrollment, error) {
	if err := policy.Authorize(actor, policy.ActionApprove, ""); err != nil {
		return ledger.Enrollment{}, err
	}
	return s.transition(ctx, actor, enrollmentID, ledger.StatusActive, stream.EnrollmentActivated)
}

// Complete marks an active enrollment finished. Admins and the course's
// instructor may complete. The seat stays claimed.
func (s *Service) Complete(ctx context.Context, actor catalog.User, enrollmentID string) (ledger.Enrollment, error) {
	if err := s.authorizeInstructor(ctx, actor, enrollmentID, policy.ActionTrackProgress); err != nil {
		return ledger.Enrollment{}, err
	}
	return s.transition(ctx, actor, enrollmentID, ledger.StatusCompleted, stream.EnrollmentCompleted)
}

// UpdateProgress sets the completion percentage of an active enrollment.
func (s *Service) UpdateProgress(ctx context.Context, actor catalog.User, enrollmentID string, progress uint8) (ledger.Enrollment, error) {
	if err := s.authorizeInstructor(ctx, actor, enrollmentID, policy.ActionTrackProgress); err != nil {
		return ledger.Enrollment{}, err
	}
	return s.ledger.UpdateProgress(ctx, enrollmentID, progress)
}

// Get returns one enrollment to its member, an admin or the course's
// instructor.
func (s *Service) Get(ctx context.Context, actor catalog.User, enrollmentID string) (ledger.Enrollment, error) {
	e, err := s.ledger.Get(ctx, enrollmentID)
	if err != nil {
		return ledger.Enrollment{}, err
	}
	if policy.Allow(actor, policy.ActionViewEnrollments, e.UserID) {
		return e, nil
	}
	course, err := s.course(ctx, e.CourseID)
	if err != nil {
		return ledger.Enrollment{}, err
	}
	if err := policy.Authorize(actor, policy.ActionViewRoster, course.InstructorID); err != nil {
		return ledger.Enrollment{}, err
	}
	return e, nil
}

// ListForUser returns every enrollment of userID, cancelled ones included.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]ledger.Enrollment, error) {
	return s.ledger.ListForUser(ctx, userID)
}

// ListForCourse returns the roster of courseID for an admin or its instructor.
func (s *Service) ListForCourse(ctx context.Context, actor catalog.User, courseID string) ([]ledger.Enrollment, error) {
	course, err := s.course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := policy.Authorize(actor, policy.ActionViewRoster, course.InstructorID); err != nil {
		return nil, err
	}
	return s.ledger.ListForCourse(ctx, courseID)
}

// SetCourseStatus opens, closes or drafts a course through the directory.
func (s *Service) SetCourseStatus(ctx context.Context, actor catalog.User, courseID string, status catalog.CourseStatus) (catalog.Course, error) {
	if !status.Valid() {
		return catalog.Course{}, fmt.Errorf("%w: %q", catalog.ErrInvalidStatus, status)
	}
	course, err := s.course(ctx, courseID)
	if err != nil {
		return catalog.Course{}, err
	}
	if err := policy.Authorize(actor, policy.ActionManageCourse, course.InstructorID); err != nil {
		return catalog.Course{}, err
	}
	if err := s.dir.SetCourseStatus(ctx, courseID, status); err != nil {
		return catalog.Course{}, err
	}
	return s.Course(ctx, courseID)
}

// Course returns a course with Occupied taken from the ledger.
func (s *Service) Course(ctx context.Context, courseID string) (catalog.Course, error) {
	course, err := s.course(ctx, courseID)
	if err != nil {
		return catalog.Course{}, err
	}
	return s.withOccupancy(ctx, course)
}

// Courses lists the catalog with ledger occupancy.
func (s *Service) Courses(ctx context.Context) ([]catalog.Course, error) {
	list, err := s.dir.ListCourses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Course, 0, len(list))
	for _, c := range list {
		c, err := s.withOccupancy(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- helpers ---

func (s *Service) transition(ctx context.Context, actor catalog.User, enrollmentID string, to ledger.Status, evt stream.EventType) (ledger.Enrollment, error) {
	// The ledger decides under its lock whether this call moved the record;
	// concurrent callers that lose the race get changed=false.
	e, changed, err := s.ledger.Transition(ctx, enrollmentID, to)
	if err != nil {
		return e, err
	}
	if changed {
		s.publish(evt, e, actor.ID)
	}
	return e, nil
}

func (s *Service) authorizeInstructor(ctx context.Context, actor catalog.User, enrollmentID string, action policy.Action) error {
	e, err := s.ledger.Get(ctx, enrollmentID)
	if err != nil {
		return err
	}
	course, err := s.course(ctx, e.CourseID)
	if err != nil {
		return err
	}
	return policy.Authorize(actor, action, course.InstructorID)
}

func (s *Service) course(ctx context.Context, courseID string) (catalog.Course, error) {
	c, err := s.dir.GetCourse(ctx, courseID)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.Course{}, fmt.Errorf("%w: course %s", ledger.ErrNotFound, courseID)
	}
	return c, err
}

func (s *Service) withOccupancy(ctx context.Context, c catalog.Course) (catalog.Course, error) {
	occ, err := s.ledger.Occupancy(ctx, c.ID)
	if err != nil {
		return catalog.Course{}, err
	}
	c.Occupied = occ.Occupied
	c.Capacity = occ.Capacity
	return c, nil
}

func (s *Service) observeOccupancy(ctx context.Context, courseID string) {
	occ, err := s.ledger.Occupancy(ctx, courseID)
	if err != nil {
		return
	}
	obs.SetOccupancy(courseID, occ.Occupied, occ.Capacity)
}

func (s *Service) publish(t stream.EventType, e ledger.Enrollment, actorID string) {
	s.events.Publish(stream.NewEvent(t, e.ID, e.UserID, e.CourseID, actorID))
	obs.ObserveEvent(string(t))
}
