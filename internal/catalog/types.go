package catalog

import (
	"context"
	"errors"
	"time"
)

// Role is the coarse account type used by the access policy.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTrainer Role = "trainer"
	RoleMember  Role = "member"
)

// UserStatus is the account status maintained by the user directory.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserPending  UserStatus = "pending"
	UserInactive UserStatus = "inactive"
)

// CourseStatus controls whether a course accepts registrations.
type CourseStatus string

const (
	CourseActive   CourseStatus = "active"
	CourseInactive CourseStatus = "inactive"
	CourseDraft    CourseStatus = "draft"
)

// Level is an optional difficulty tag.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

var (
	ErrNotFound      = errors.New("catalog: not found")
	ErrInvalidStatus = errors.New("catalog: invalid status")
)

// User is a directory entry. The enrollment core only reads Role and Status.
type User struct {
	ID             string     `json:"id" yaml:"id"`
	Name           string     `json:"name" yaml:"name"`
	Email          string     `json:"email" yaml:"email"`
	Phone          string     `json:"phone,omitempty" yaml:"phone"`
	Role           Role       `json:"role" yaml:"role"`
	Status         UserStatus `json:"status" yaml:"status"`
	Specialty      string     `json:"specialty,omitempty" yaml:"specialty"`
	Experience     string     `json:"experience,omitempty" yaml:"experience"`
	MembershipType string     `json:"membership_type,omitempty" yaml:"membership_type"`
	JoinedAt       time.Time  `json:"joined_at" yaml:"joined_at"`
}

// IsActive reports whether the account may act on its own behalf.
func (u User) IsActive() bool { return u.Status == UserActive }

// Course is a catalog entry with finite seats. Occupied is maintained by the
// enrollment ledger only; directory writers must leave it alone.
type Course struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	InstructorID string       `json:"instructor_id" yaml:"instructor_id"`
	Capacity     uint         `json:"capacity" yaml:"capacity"`
	Occupied     uint         `json:"occupied" yaml:"occupied"`
	Status       CourseStatus `json:"status" yaml:"status"`
	Price        int64        `json:"price" yaml:"price"` // minor units
	Duration     string       `json:"duration,omitempty" yaml:"duration"`
	Schedule     string       `json:"schedule,omitempty" yaml:"schedule"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	Category     string       `json:"category,omitempty" yaml:"category"`
	Level        Level        `json:"level,omitempty" yaml:"level"`
}

// Available returns the number of unclaimed seats.
func (c Course) Available() uint {
	if c.Occupied >= c.Capacity {
		return 0
	}
	return c.Capacity - c.Occupied
}

// Valid reports whether s is a known course status.
func (s CourseStatus) Valid() bool {
	switch s {
	case CourseActive, CourseInactive, CourseDraft:
		return true
	}
	return false
}

// Valid reports whether s is a known account status.
func (s UserStatus) Valid() bool {
	switch s {
	case UserActive, UserPending, UserInactive:
		return true
	}
	return false
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTrainer, RoleMember:
		return true
	}
	return false
}

// Directory is the read-mostly source of truth for users and courses.
type Directory interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetCourse(ctx context.Context, id string) (Course, error)
	ListCourses(ctx context.Context) ([]Course, error)
	SetCourseStatus(ctx context.Context, id string, status CourseStatus) error
}
