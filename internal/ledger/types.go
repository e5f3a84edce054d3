package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvhip/GymMaster/internal/ids"
)

// Status is the lifecycle position of one enrollment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// PaymentStatus is tracked independently of Status.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// MaxProgress is the progress value of a finished course.
const MaxProgress = 100

// Enrollment is one member's claim on one course seat.
// Records are never deleted; cancellation is a status change.
type Enrollment struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	CourseID      string        `json:"course_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Progress      uint8         `json:"progress"`
	EnrolledAt    time.Time     `json:"enrolled_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Sequence      uint64        `json:"sequence"` // monotonic reservation order
}

// Live reports whether the enrollment still counts against the
// one-per-(user, course) rule.
func (e Enrollment) Live() bool { return e.Status != StatusCancelled }

// Occupancy is the seat accounting for one course.
type Occupancy struct {
	CourseID string `json:"course_id"`
	Capacity uint   `json:"capacity"`
	Occupied uint   `json:"occupied"`
}

// Available returns capacity minus occupied, floored at zero.
func (o Occupancy) Available() uint {
	if o.Occupied >= o.Capacity {
		return 0
	}
	return o.Capacity - o.Occupied
}

var (
	ErrNotFound          = errors.New("not found")
	ErrCourseFull        = errors.New("course is full")
	ErrAlreadyEnrolled   = errors.New("already enrolled in course")
	ErrCourseUnavailable = errors.New("course is not open for registration")
	ErrAlreadyCancelled  = errors.New("enrollment already cancelled")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidProgress   = errors.New("invalid progress (must be 0..100)")

	// ErrStorageUnavailable is the only retryable kind: the persistence
	// layer could not be reached and nothing was committed.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Retryable reports whether a caller may retry the operation that produced err.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// Ledger owns enrollment records and is the only writer of course occupancy.
type Ledger interface {
	Reserve(ctx context.Context, courseID, userID string) (Enrollment, error)
	Release(ctx context.Context, enrollmentID string) (Enrollment, error)
	// Transition and the payment methods report whether this call changed
	// the record, so that callers emit one event per change.
	Transition(ctx context.Context, enrollmentID string, to Status) (Enrollment, bool, error)
	ConfirmPayment(ctx context.Context, enrollmentID string) (Enrollment, bool, error)
	FailPayment(ctx context.Context, enrollmentID string) (Enrollment, bool, error)
	UpdateProgress(ctx context.Context, enrollmentID string, progress uint8) (Enrollment, error)
	Get(ctx context.Context, enrollmentID string) (Enrollment, error)
	ListForUser(ctx context.Context, userID string) ([]Enrollment, error)
	ListForCourse(ctx context.Context, courseID string) ([]Enrollment, error)
	Occupancy(ctx context.Context, courseID string) (Occupancy, error)
}

// CheckTransition validates a non-cancelling status change. A change to the
// current status is allowed and treated as a no-op by callers.
func CheckTransition(from, to Status) error {
	if from == to && from != StatusCancelled {
		return nil
	}
	switch {
	case from == StatusPending && to == StatusActive:
		return nil
	case from == StatusActive && to == StatusCompleted:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func newID() string {
	return ids.New()
}
