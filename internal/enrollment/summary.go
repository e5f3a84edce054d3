package enrollment

import (
	"context"

	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/ledger"
	"github.com/pvhip/GymMaster/internal/policy"
)

// Summary is the per-course figure set shown on the admin and
// trainer dashboards.
type Summary struct {
	Course    catalog.Course               `json:"course"`
	Available uint                         `json:"available"`
	ByStatus  map[ledger.Status]int        `json:"by_status"`
	ByPayment map[ledger.PaymentStatus]int `json:"by_payment"`
	// Revenue is Price times the number of paid enrollments, in minor units.
	Revenue int64 `json:"revenue"`
}

// CourseSummary aggregates a course roster for an admin or its instructor.
func (s *Service) CourseSummary(ctx context.Context, actor catalog.User, courseID string) (Summary, error) {
	course, err := s.course(ctx, courseID)
	if err != nil {
		return Summary{}, err
	}
	if err := policy.Authorize(actor, policy.ActionViewRoster, course.InstructorID); err != nil {
		return Summary{}, err
	}
	course, err = s.withOccupancy(ctx, course)
	if err != nil {
		return Summary{}, err
	}
	roster, err := s.ledger.ListForCourse(ctx, courseID)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		Course:    course,
		Available: course.Available(),
		ByStatus:  make(map[ledger.Status]int),
		ByPayment: make(map[ledger.PaymentStatus]int),
	}
	for _, e := range roster {
		sum.ByStatus[e.Status]++
		sum.ByPayment[e.PaymentStatus]++
		if e.PaymentStatus == ledger.PaymentPaid {
			sum.Revenue += course.Price
		}
	}
	return sum, nil
}

// InstructorCommissionPercent is the share of paid course revenue credited
// to the course's instructor.
const InstructorCommissionPercent = 60

// UserTotals is the member dashboard: enrollment counts and money spent.
type UserTotals struct {
	UserID      string `json:"user_id"`
	Enrollments int    `json:"enrollments"`
	Active      int    `json:"active"`
	Completed   int    `json:"completed"`
	// TotalSpent sums the course price over paid enrollments, in minor units.
	TotalSpent int64 `json:"total_spent"`
}

// InstructorTotals is the trainer dashboard rolled up over the courses
// the instructor teaches.
type InstructorTotals struct {
	InstructorID string `json:"instructor_id"`
	Courses      int    `json:"courses"`
	Students     uint   `json:"students"`
	Revenue      int64  `json:"revenue"`
	Earnings     int64  `json:"earnings"`
}

// UserSummary totals the enrollments of userID for that member or an admin.
func (s *Service) UserSummary(ctx context.Context, actor catalog.User, userID string) (UserTotals, error) {
	if err := policy.Authorize(actor, policy.ActionViewEnrollments, userID); err != nil {
		return UserTotals{}, err
	}
	list, err := s.ledger.ListForUser(ctx, userID)
	if err != nil {
		return UserTotals{}, err
	}

	out := UserTotals{UserID: userID}
	prices := make(map[string]int64)
	for _, e := range list {
		out.Enrollments++
		switch e.Status {
		case ledger.StatusActive:
			out.Active++
		case ledger.StatusCompleted:
			out.Completed++
		}
		if e.PaymentStatus != ledger.PaymentPaid {
			continue
		}
		price, ok := prices[e.CourseID]
		if !ok {
			course, err := s.course(ctx, e.CourseID)
			if err != nil {
				return UserTotals{}, err
			}
			price = course.Price
			prices[e.CourseID] = price
		}
		out.TotalSpent += price
	}
	return out, nil
}

// InstructorSummary rolls up students and paid revenue over every course
// taught by instructorID, for that instructor or an admin.
func (s *Service) InstructorSummary(ctx context.Context, actor catalog.User, instructorID string) (InstructorTotals, error) {
	if err := policy.Authorize(actor, policy.ActionViewRoster, instructorID); err != nil {
		return InstructorTotals{}, err
	}
	courses, err := s.dir.ListCourses(ctx)
	if err != nil {
		return InstructorTotals{}, err
	}

	out := InstructorTotals{InstructorID: instructorID}
	for _, c := range courses {
		if c.InstructorID != instructorID {
			continue
		}
		c, err := s.withOccupancy(ctx, c)
		if err != nil {
			return InstructorTotals{}, err
		}
		roster, err := s.ledger.ListForCourse(ctx, c.ID)
		if err != nil {
			return InstructorTotals{}, err
		}
		out.Courses++
		out.Students += c.Occupied
		for _, e := range roster {
			if e.PaymentStatus == ledger.PaymentPaid {
				out.Revenue += c.Price
			}
		}
	}
	out.Earnings = out.Revenue * InstructorCommissionPercent / 100
	return out, nil
}
