package ledger

import (
	"fmt"
	"time"
)

// The apply helpers hold the per-record lifecycle rules shared by every
// Ledger implementation. Each one is called with the record locked and
// reports whether it changed the record.

// ApplyCancel marks e cancelled. The caller releases the seat.
func ApplyCancel(e *Enrollment) error {
	if e.Status == StatusCancelled {
		return fmt.Errorf("%w: %s", ErrAlreadyCancelled, e.ID)
	}
	e.Status = StatusCancelled
	return nil
}

// ApplyTransition moves e to a non-cancelled status. Completion stamps
// CompletedAt and sets progress to MaxProgress.
func ApplyTransition(e *Enrollment, to Status, now time.Time) (bool, error) {
	if to == StatusCancelled {
		return false, fmt.Errorf("%w: cancellation must release the seat", ErrInvalidTransition)
	}
	if err := CheckTransition(e.Status, to); err != nil {
		return false, err
	}
	if e.Status == to {
		return false, nil
	}
	e.Status = to
	if to == StatusCompleted {
		at := now.UTC()
		e.CompletedAt = &at
		e.Progress = MaxProgress
	}
	return true, nil
}

// ApplyConfirmPayment marks e paid and activates a pending enrollment.
// A second confirmation is a no-op.
func ApplyConfirmPayment(e *Enrollment) (bool, error) {
	if e.Status == StatusCancelled {
		return false, fmt.Errorf("%w: enrollment %s is cancelled", ErrInvalidTransition, e.ID)
	}
	if e.PaymentStatus == PaymentPaid {
		return false, nil
	}
	e.PaymentStatus = PaymentPaid
	if e.Status == StatusPending {
		e.Status = StatusActive
	}
	return true, nil
}

// ApplyFailPayment records a failed payment attempt.
func ApplyFailPayment(e *Enrollment) (bool, error) {
	if e.Status == StatusCancelled || e.PaymentStatus == PaymentPaid {
		return false, fmt.Errorf("%w: payment of %s cannot fail from %s/%s", ErrInvalidTransition, e.ID, e.Status, e.PaymentStatus)
	}
	if e.PaymentStatus == PaymentFailed {
		return false, nil
	}
	e.PaymentStatus = PaymentFailed
	return true, nil
}

// ApplyProgress sets the completion percentage of an active enrollment.
func ApplyProgress(e *Enrollment, progress uint8) (bool, error) {
	if progress > MaxProgress {
		return false, ErrInvalidProgress
	}
	if e.Status != StatusActive {
		return false, fmt.Errorf("%w: progress requires an active enrollment, got %s", ErrInvalidTransition, e.Status)
	}
	if e.Progress == progress {
		return false, nil
	}
	e.Progress = progress
	return true, nil
}
