package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemory is a Directory backed by maps. It is used for local runs and tests.
type InMemory struct {
	mu      sync.RWMutex
	users   map[string]User
	courses map[string]Course
}

var _ Directory = (*InMemory)(nil)

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		users:   make(map[string]User),
		courses: make(map[string]Course),
	}
}

// PutUser inserts or replaces a user.
func (d *InMemory) PutUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// PutCourse inserts or replaces a course. Occupied is taken as the initial
// seat count the first time the ledger sees the course.
func (d *InMemory) PutCourse(c Course) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.courses[c.ID] = c
}

func (d *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

func (d *InMemory) GetCourse(ctx context.Context, id string) (Course, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.courses[id]
	if !ok {
		return Course{}, fmt.Errorf("%w: course %s", ErrNotFound, id)
	}
	return c, nil
}

func (d *InMemory) ListCourses(ctx context.Context) ([]Course, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Course, 0, len(d.courses))
	for _, c := range d.courses {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *InMemory) SetCourseStatus(ctx context.Context, id string, status CourseStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.courses[id]
	if !ok {
		return fmt.Errorf("%w: course %s", ErrNotFound, id)
	}
	c.Status = status
	d.courses[id] = c
	return nil
}
