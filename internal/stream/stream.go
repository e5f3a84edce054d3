package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvhip/GymMaster/internal/ids"
	"github.com/pvhip/GymMaster/internal/obs"
)

// EventType names an enrollment lifecycle event.
type EventType string

const (
	EnrollmentCreated   EventType = "enrollment.created"
	EnrollmentCancelled EventType = "enrollment.cancelled"
	EnrollmentActivated EventType = "enrollment.activated"
	EnrollmentCompleted EventType = "enrollment.completed"
	PaymentConfirmed    EventType = "enrollment.payment_confirmed"
	PaymentFailed       EventType = "enrollment.payment_failed"
)

// SubscriberBuffer is the per-subscriber channel capacity.
const SubscriberBuffer = 64

// Event is emitted after an enrollment change has been committed.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	EnrollmentID string    `json:"enrollment_id"`
	UserID       string    `json:"user_id"`
	CourseID     string    `json:"course_id"`
	ActorID      string    `json:"actor_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ EventType, enrollmentID, userID, courseID, actorID string) Event {
	return Event{
		ID:           ids.New(),
		Type:         typ,
		EnrollmentID: enrollmentID,
		UserID:       userID,
		CourseID:     courseID,
		ActorID:      actorID,
		OccurredAt:   time.Now().UTC(),
	}
}

type subscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

func (s subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Stream fan-outs enrollment events to all active subscribers (SSE clients,
// the audit consumer, notification collaborators).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events of the given types, or every event when no type is given.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, types ...EventType) <-chan Event {
	sub := subscriber{ch: make(chan Event, SubscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()

	return sub.ch
}

// Publish fan-outs the event without blocking the publisher.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped.Add(1)
			obs.ObserveEventDropped(string(evt.Type))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
