package enrollment

import (
	"context"
	"errors"

	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/ledger"
	"github.com/pvhip/GymMaster/internal/policy"
)

// Stable, transport-agnostic error codes.
const (
	CodeOK                 = "ok"
	CodeCourseFull         = "course_full"
	CodeAlreadyEnrolled    = "already_enrolled"
	CodeCourseUnavailable  = "course_unavailable"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeAlreadyCancelled   = "already_cancelled"
	CodeInvalidTransition  = "invalid_transition"
	CodeInvalidArgument    = "invalid_argument"
	CodeStorageUnavailable = "storage_unavailable"
	CodeCanceled           = "canceled"
	CodeInternal           = "internal"
)

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ledger.ErrCourseFull):
		return CodeCourseFull
	case errors.Is(err, ledger.ErrAlreadyEnrolled):
		return CodeAlreadyEnrolled
	case errors.Is(err, ledger.ErrCourseUnavailable):
		return CodeCourseUnavailable
	case errors.Is(err, policy.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ledger.ErrAlreadyCancelled):
		return CodeAlreadyCancelled
	case errors.Is(err, ledger.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ledger.ErrInvalidProgress), errors.Is(err, catalog.ErrInvalidStatus):
		return CodeInvalidArgument
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	}
	return CodeInternal
}
