package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/ids"
	"github.com/pvhip/GymMaster/internal/ledger"
)

// Files holds the schema migrations and the demo catalog seed.
//
//go:embed migrations/*.sql seeds/*.sql
var Files embed.FS

// Store implements ledger.Ledger and catalog.Directory on PostgreSQL.
// Every ledger write runs in one transaction. Operations that touch the
// seat counter lock the course row first and the enrollment row second.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ ledger.Ledger     = (*Store)(nil)
	_ catalog.Directory = (*Store)(nil)
)

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

const enrollmentColumns = `id, user_id, course_id, status, payment_status, progress, enrolled_at, completed_at, sequence`

func (s *Store) Reserve(ctx context.Context, courseID, userID string) (ledger.Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Enrollment{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status             string
		capacity, occupied uint
	)
	err = tx.QueryRowContext(ctx, `select status, capacity, occupied from courses where id=$1 for update`, courseID).
		Scan(&status, &capacity, &occupied)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Enrollment{}, fmt.Errorf("%w: course %s", ledger.ErrNotFound, courseID)
	}
	if err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	if catalog.CourseStatus(status) != catalog.CourseActive {
		return ledger.Enrollment{}, fmt.Errorf("%w: course %s is %s", ledger.ErrCourseUnavailable, courseID, status)
	}

	var live bool
	if err := tx.QueryRowContext(ctx, `
		select exists(select 1 from enrollments where user_id=$1 and course_id=$2 and status <> 'cancelled')
	`, userID, courseID).Scan(&live); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	if live {
		return ledger.Enrollment{}, fmt.Errorf("%w: user %s course %s", ledger.ErrAlreadyEnrolled, userID, courseID)
	}
	if occupied >= capacity {
		return ledger.Enrollment{}, fmt.Errorf("%w: %d/%d seats taken", ledger.ErrCourseFull, occupied, capacity)
	}

	if _, err := tx.ExecContext(ctx, `update courses set occupied = occupied + 1 where id=$1`, courseID); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	e := ledger.Enrollment{
		ID:            ids.New(),
		UserID:        userID,
		CourseID:      courseID,
		Status:        ledger.StatusPending,
		PaymentStatus: ledger.PaymentPending,
		EnrolledAt:    s.now().UTC(),
	}
	if err := tx.QueryRowContext(ctx, `
		insert into enrollments(id, user_id, course_id, status, payment_status, progress, enrolled_at)
		values ($1,$2,$3,$4,$5,0,$6) returning sequence
	`, e.ID, e.UserID, e.CourseID, string(e.Status), string(e.PaymentStatus), e.EnrolledAt).Scan(&e.Sequence); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	return e, nil
}

func (s *Store) Release(ctx context.Context, enrollmentID string) (ledger.Enrollment, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Enrollment{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// course_id never changes, so it can be read before taking locks.
	var courseID string
	err = tx.QueryRowContext(ctx, `select course_id from enrollments where id=$1`, enrollmentID).Scan(&courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Enrollment{}, fmt.Errorf("%w: enrollment %s", ledger.ErrNotFound, enrollmentID)
	}
	if err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from courses where id=$1 for update`, courseID).Scan(&one); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	e, err := lockEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		return ledger.Enrollment{}, err
	}
	if err := ledger.ApplyCancel(&e); err != nil {
		return e, err
	}
	if _, err := tx.ExecContext(ctx, `update enrollments set status=$2 where id=$1`, e.ID, string(e.Status)); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	if _, err := tx.ExecContext(ctx, `update courses set occupied = occupied - 1 where id=$1 and occupied > 0`, courseID); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	return e, nil
}

func (s *Store) Transition(ctx context.Context, enrollmentID string, to ledger.Status) (ledger.Enrollment, bool, error) {
	return s.update(ctx, enrollmentID, func(e *ledger.Enrollment) (bool, error) {
		return ledger.ApplyTransition(e, to, s.now())
	})
}

func (s *Store) ConfirmPayment(ctx context.Context, enrollmentID string) (ledger.Enrollment, bool, error) {
	return s.update(ctx, enrollmentID, ledger.ApplyConfirmPayment)
}

func (s *Store) FailPayment(ctx context.Context, enrollmentID string) (ledger.Enrollment, bool, error) {
	return s.update(ctx, enrollmentID, ledger.ApplyFailPayment)
}

func (s *Store) UpdateProgress(ctx context.Context, enrollmentID string, progress uint8) (ledger.Enrollment, error) {
	if progress > ledger.MaxProgress {
		return ledger.Enrollment{}, ledger.ErrInvalidProgress
	}
	e, _, err := s.update(ctx, enrollmentID, func(e *ledger.Enrollment) (bool, error) {
		return ledger.ApplyProgress(e, progress)
	})
	return e, err
}

func (s *Store) Get(ctx context.Context, enrollmentID string) (ledger.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `select `+enrollmentColumns+` from enrollments where id=$1`, enrollmentID)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Enrollment{}, fmt.Errorf("%w: enrollment %s", ledger.ErrNotFound, enrollmentID)
	}
	if err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	return e, nil
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]ledger.Enrollment, error) {
	return s.list(ctx, `select `+enrollmentColumns+` from enrollments where user_id=$1 order by sequence asc`, userID)
}

func (s *Store) ListForCourse(ctx context.Context, courseID string) ([]ledger.Enrollment, error) {
	return s.list(ctx, `select `+enrollmentColumns+` from enrollments where course_id=$1 order by sequence asc`, courseID)
}

func (s *Store) Occupancy(ctx context.Context, courseID string) (ledger.Occupancy, error) {
	occ := ledger.Occupancy{CourseID: courseID}
	err := s.db.QueryRowContext(ctx, `select capacity, occupied from courses where id=$1`, courseID).
		Scan(&occ.Capacity, &occ.Occupied)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Occupancy{}, fmt.Errorf("%w: course %s", ledger.ErrNotFound, courseID)
	}
	if err != nil {
		return ledger.Occupancy{}, classify(err)
	}
	return occ, nil
}

// --- helpers ---

// update locks one enrollment row, applies fn and writes the mutable
// columns back when fn reports a change.
func (s *Store) update(ctx context.Context, id string, fn func(e *ledger.Enrollment) (bool, error)) (ledger.Enrollment, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Enrollment{}, false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Enrollment{}, false, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := lockEnrollment(ctx, tx, id)
	if err != nil {
		return ledger.Enrollment{}, false, err
	}
	changed, err := fn(&e)
	if err != nil {
		return e, false, err
	}
	if !changed {
		return e, false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		update enrollments set status=$2, payment_status=$3, progress=$4, completed_at=$5
		where id=$1
	`, e.ID, string(e.Status), string(e.PaymentStatus), int(e.Progress), e.CompletedAt); err != nil {
		return ledger.Enrollment{}, false, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Enrollment{}, false, classify(err)
	}
	return e, true, nil
}

func lockEnrollment(ctx context.Context, tx *sql.Tx, id string) (ledger.Enrollment, error) {
	row := tx.QueryRowContext(ctx, `select `+enrollmentColumns+` from enrollments where id=$1 for update`, id)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Enrollment{}, fmt.Errorf("%w: enrollment %s", ledger.ErrNotFound, id)
	}
	if err != nil {
		return ledger.Enrollment{}, classify(err)
	}
	return e, nil
}

func (s *Store) list(ctx context.Context, query string, arg string) ([]ledger.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	res := []ledger.Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, classify(err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row scanner) (ledger.Enrollment, error) {
	var (
		e                     ledger.Enrollment
		status, paymentStatus string
		progress              int16
		completed             sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.CourseID, &status, &paymentStatus, &progress, &e.EnrolledAt, &completed, &e.Sequence); err != nil {
		return ledger.Enrollment{}, err
	}
	e.Status = ledger.Status(status)
	e.PaymentStatus = ledger.PaymentStatus(paymentStatus)
	e.Progress = uint8(progress)
	e.EnrolledAt = e.EnrolledAt.UTC()
	if completed.Valid {
		at := completed.Time.UTC()
		e.CompletedAt = &at
	}
	return e, nil
}
