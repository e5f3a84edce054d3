package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pvhip/GymMaster/internal/ledger"
)

const (
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// classify maps driver errors onto the ledger taxonomy. Connection-level
// failures become ErrStorageUnavailable; everything else is returned as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return fmt.Errorf("%w: %s", ledger.ErrAlreadyEnrolled, pgErr.ConstraintName)
		case pgErr.Code == codeCheckViolation && pgErr.ConstraintName == "courses_occupied_range":
			return fmt.Errorf("%w: %s", ledger.ErrCourseFull, pgErr.ConstraintName)
		case pgErr.Code == codeSerializationFailure, pgErr.Code == codeDeadlockDetected:
			return unavailable(err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			// connection exception, operator intervention (shutdown)
			return unavailable(err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return unavailable(err)
	case errors.As(err, &connErr), pgconn.SafeToRetry(err):
		return unavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return unavailable(err)
	}
	return err
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ledger.ErrStorageUnavailable, err)
}
