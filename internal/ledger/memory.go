package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pvhip/GymMaster/internal/catalog"
)

// CourseReader is the part of the directory the ledger consults for
// course status and capacity.
type CourseReader interface {
	GetCourse(ctx context.Context, id string) (catalog.Course, error)
}

// InMemory implements Ledger with in-process concurrency safety.
//
// Each course has its own seat slot guarded by a dedicated mutex, so
// reservations for different courses never contend. The map guard mu is
// only held for short bookkeeping sections and is always acquired after a
// slot lock, never before.
type InMemory struct {
	courses CourseReader
	now     func() time.Time

	mu          sync.RWMutex
	slots       map[string]*seatSlot
	enrollments map[string]*Enrollment
	byUser      map[string][]string
	byCourse    map[string][]string
	seq         uint64
}

type seatSlot struct {
	mu       sync.Mutex
	occupied uint
	holders  map[string]string // userID -> live enrollment id
}

var _ Ledger = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source used for enrollment timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates a ledger reading course definitions from courses.
func NewInMemory(courses CourseReader, opts ...Option) *InMemory {
	s := &InMemory{
		courses:     courses,
		now:         time.Now,
		slots:       make(map[string]*seatSlot),
		enrollments: make(map[string]*Enrollment),
		byUser:      make(map[string][]string),
		byCourse:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) Reserve(ctx context.Context, courseID, userID string) (Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	course, err := s.course(ctx, courseID)
	if err != nil {
		return Enrollment{}, err
	}
	slot := s.slot(courseID, course.Occupied)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	// Nothing has been mutated yet; a request cancelled while waiting for
	// the seat lock leaves no trace.
	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	// Status and capacity are re-read under the seat lock so that they are
	// checked together with the counter.
	course, err = s.course(ctx, courseID)
	if err != nil {
		return Enrollment{}, err
	}
	if course.Status != catalog.CourseActive {
		return Enrollment{}, fmt.Errorf("%w: course %s is %s", ErrCourseUnavailable, courseID, course.Status)
	}
	if _, ok := slot.holders[userID]; ok {
		return Enrollment{}, fmt.Errorf("%w: user %s course %s", ErrAlreadyEnrolled, userID, courseID)
	}
	if slot.occupied >= course.Capacity {
		return Enrollment{}, fmt.Errorf("%w: %d/%d seats taken", ErrCourseFull, slot.occupied, course.Capacity)
	}

	s.mu.Lock()
	s.seq++
	e := &Enrollment{
		ID:            newID(),
		UserID:        userID,
		CourseID:      courseID,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		EnrolledAt:    s.now().UTC(),
		Sequence:      s.seq,
	}
	s.enrollments[e.ID] = e
	s.byUser[userID] = append(s.byUser[userID], e.ID)
	s.byCourse[courseID] = append(s.byCourse[courseID], e.ID)
	out := clone(e)
	s.mu.Unlock()

	slot.occupied++
	slot.holders[userID] = e.ID
	return out, nil
}

func (s *InMemory) Release(ctx context.Context, enrollmentID string) (Enrollment, error) {
	return s.mutate(ctx, enrollmentID, func(e *Enrollment, slot *seatSlot) error {
		if err := ApplyCancel(e); err != nil {
			return err
		}
		if slot.occupied > 0 {
			slot.occupied--
		}
		if slot.holders[e.UserID] == e.ID {
			delete(slot.holders, e.UserID)
		}
		return nil
	})
}

func (s *InMemory) Transition(ctx context.Context, enrollmentID string, to Status) (Enrollment, bool, error) {
	var changed bool
	e, err := s.mutate(ctx, enrollmentID, func(e *Enrollment, _ *seatSlot) (err error) {
		changed, err = ApplyTransition(e, to, s.now())
		return err
	})
	return e, changed, err
}

func (s *InMemory) ConfirmPayment(ctx context.Context, enrollmentID string) (Enrollment, bool, error) {
	var changed bool
	e, err := s.mutate(ctx, enrollmentID, func(e *Enrollment, _ *seatSlot) (err error) {
		changed, err = ApplyConfirmPayment(e)
		return err
	})
	return e, changed, err
}

func (s *InMemory) FailPayment(ctx context.Context, enrollmentID string) (Enrollment, bool, error) {
	var changed bool
	e, err := s.mutate(ctx, enrollmentID, func(e *Enrollment, _ *seatSlot) (err error) {
		changed, err = ApplyFailPayment(e)
		return err
	})
	return e, changed, err
}

func (s *InMemory) UpdateProgress(ctx context.Context, enrollmentID string, progress uint8) (Enrollment, error) {
	if progress > MaxProgress {
		return Enrollment{}, ErrInvalidProgress
	}
	return s.mutate(ctx, enrollmentID, func(e *Enrollment, _ *seatSlot) error {
		_, err := ApplyProgress(e, progress)
		return err
	})
}

func (s *InMemory) Get(ctx context.Context, enrollmentID string) (Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[enrollmentID]
	if !ok {
		return Enrollment{}, fmt.Errorf("%w: enrollment %s", ErrNotFound, enrollmentID)
	}
	return clone(e), nil
}

func (s *InMemory) ListForUser(ctx context.Context, userID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byUser[userID]), nil
}

func (s *InMemory) ListForCourse(ctx context.Context, courseID string) ([]Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byCourse[courseID]), nil
}

func (s *InMemory) Occupancy(ctx context.Context, courseID string) (Occupancy, error) {
	course, err := s.course(ctx, courseID)
	if err != nil {
		return Occupancy{}, err
	}
	occ := Occupancy{CourseID: courseID, Capacity: course.Capacity, Occupied: course.Occupied}

	s.mu.RLock()
	slot, ok := s.slots[courseID]
	s.mu.RUnlock()
	if ok {
		slot.mu.Lock()
		occ.Occupied = slot.occupied
		slot.mu.Unlock()
	}
	return occ, nil
}

// --- helpers ---

// mutate runs fn with the enrollment's seat lock and the map guard held.
// The returned copy reflects the record after fn, even when fn fails.
func (s *InMemory) mutate(ctx context.Context, id string, fn func(e *Enrollment, slot *seatSlot) error) (Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return Enrollment{}, err
	}
	s.mu.RLock()
	e, ok := s.enrollments[id]
	var slot *seatSlot
	if ok {
		slot = s.slots[e.CourseID]
	}
	s.mu.RUnlock()
	if !ok {
		return Enrollment{}, fmt.Errorf("%w: enrollment %s", ErrNotFound, id)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := fn(e, slot)
	return clone(e), err
}

func (s *InMemory) slot(courseID string, seed uint) *seatSlot {
	s.mu.RLock()
	slot, ok := s.slots[courseID]
	s.mu.RUnlock()
	if ok {
		return slot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[courseID]; ok {
		return slot
	}
	slot = &seatSlot{occupied: seed, holders: make(map[string]string)}
	s.slots[courseID] = slot
	return slot
}

func (s *InMemory) course(ctx context.Context, id string) (catalog.Course, error) {
	c, err := s.courses.GetCourse(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return catalog.Course{}, fmt.Errorf("%w: course %s", ErrNotFound, id)
	}
	return c, err
}

// collect must be called with mu held.
func (s *InMemory) collect(idx []string) []Enrollment {
	out := make([]Enrollment, 0, len(idx))
	for _, id := range idx {
		out = append(out, clone(s.enrollments[id]))
	}
	return out
}

func clone(e *Enrollment) Enrollment {
	out := *e
	if e.CompletedAt != nil {
		at := *e.CompletedAt
		out.CompletedAt = &at
	}
	return out
}
