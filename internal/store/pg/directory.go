package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pvhip/GymMaster/internal/catalog"
)

const (
	userColumns   = `id, name, email, phone, role, status, specialty, experience, membership_type, joined_at`
	courseColumns = `id, name, instructor_id, capacity, occupied, status, price, duration, schedule, description, category, level`
)

func (s *Store) GetUser(ctx context.Context, id string) (catalog.User, error) {
	var (
		u            catalog.User
		role, status string
	)
	err := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id).Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &role, &status,
		&u.Specialty, &u.Experience, &u.MembershipType, &u.JoinedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.User{}, fmt.Errorf("%w: user %s", catalog.ErrNotFound, id)
	}
	if err != nil {
		return catalog.User{}, classify(err)
	}
	u.Role = catalog.Role(role)
	u.Status = catalog.UserStatus(status)
	u.JoinedAt = u.JoinedAt.UTC()
	return u, nil
}

func (s *Store) GetCourse(ctx context.Context, id string) (catalog.Course, error) {
	c, err := scanCourse(s.db.QueryRowContext(ctx, `select `+courseColumns+` from courses where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Course{}, fmt.Errorf("%w: course %s", catalog.ErrNotFound, id)
	}
	if err != nil {
		return catalog.Course{}, classify(err)
	}
	return c, nil
}

func (s *Store) ListCourses(ctx context.Context) ([]catalog.Course, error) {
	rows, err := s.db.QueryContext(ctx, `select `+courseColumns+` from courses order by id asc`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	res := []catalog.Course{}
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, classify(err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func (s *Store) SetCourseStatus(ctx context.Context, id string, status catalog.CourseStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", catalog.ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx, `update courses set status=$2 where id=$1`, id, string(status))
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: course %s", catalog.ErrNotFound, id)
	}
	return nil
}

func scanCourse(row scanner) (catalog.Course, error) {
	var (
		c             catalog.Course
		status, level string
	)
	if err := row.Scan(
		&c.ID, &c.Name, &c.InstructorID, &c.Capacity, &c.Occupied, &status, &c.Price,
		&c.Duration, &c.Schedule, &c.Description, &c.Category, &level,
	); err != nil {
		return catalog.Course{}, err
	}
	c.Status = catalog.CourseStatus(status)
	c.Level = catalog.Level(level)
	return c, nil
}
