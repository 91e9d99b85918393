/*
errors.go - Centralized error taxonomy for the scheduling engine

PURPOSE:
  All domain error types in one place. Every error here corresponds to a
  real invariant that, if silently violated, corrupts billing - so none
  of them are ever swallowed.

ERROR CATEGORIES:
  1. Cancellation errors - double cancel, past/blocked occurrences
  2. Vacancy errors      - full slots, duplicate bookings, inactive members
  3. Operator errors     - package size mismatch, absence conflicts
  4. Concurrency         - lost races on a shared slot key

RETRY POLICY:
  Only ErrConcurrencyConflict is retryable; the engines retry it once
  internally before surfacing. Everything else is returned to the caller
  for user-facing messaging.

SEE ALSO:
  - booking/engine.go: produces most of these
  - store/sqlite: maps constraint violations onto these sentinels
*/
package schedule

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyCancelled is returned when a cancellation already exists for
	// the (member, date, start, end) key. The second caller lost; the vacancy
	// seat was opened exactly once.
	ErrAlreadyCancelled = errors.New("occurrence already cancelled")

	// ErrOccurrenceNotCancellable is returned for past occurrences, blocked
	// occurrences, and keys that resolve to no occurrence at all.
	ErrOccurrenceNotCancellable = errors.New("occurrence not cancellable")

	// ErrSlotFull is returned when the open-seat count for a vacancy key is
	// zero at evaluation time.
	ErrSlotFull = errors.New("vacancy slot full")

	// ErrAlreadyBookedBySelf is returned when the member already holds the
	// key - via a confirmed variable booking, their own recurring slot, or
	// a vacancy their own cancellation opened. A member never holds two
	// seats at the same date and time, and never reclaims a seat they
	// gave up.
	ErrAlreadyBookedBySelf = errors.New("member already booked for this slot")

	// ErrMemberInactive is returned when booking is attempted by a
	// deactivated account, or for a date before the member's join date.
	ErrMemberInactive = errors.New("member account inactive for this date")

	// ErrInvalidPackageSelection is returned when the set of active weekly
	// assignments does not match the member's package tier.
	ErrInvalidPackageSelection = errors.New("assignment weekdays do not match package size")

	// ErrAdminOverrideConflict is returned when a declared absence collides
	// with an existing member cancellation on the same key.
	ErrAdminOverrideConflict = errors.New("absence conflicts with existing cancellation")

	// ErrInvoiceNotFound signals a missing stored invoice. Callers fall back
	// to a live estimate; this never reaches the API surface as a hard error.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrConcurrencyConflict is returned after losing a race on a shared
	// key. The engines retry the read-then-decide cycle once before
	// surfacing it.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	ErrMemberNotFound  = errors.New("member not found")
	ErrAbsenceNotFound = errors.New("absence not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SlotFullError reports a booking rejected because no seat was open.
type SlotFullError struct {
	Key SlotKey
}

func (e *SlotFullError) Error() string {
	return fmt.Sprintf("no open seats at %s", e.Key)
}

func (e *SlotFullError) Unwrap() error { return ErrSlotFull }

// AlreadyCancelledError reports a duplicate cancellation attempt.
type AlreadyCancelledError struct {
	Key        SlotKey
	ExistingID CancellationID
}

func (e *AlreadyCancelledError) Error() string {
	return fmt.Sprintf("occurrence %s already cancelled (record %s)", e.Key, e.ExistingID)
}

func (e *AlreadyCancelledError) Unwrap() error { return ErrAlreadyCancelled }

// NotCancellableError explains why an occurrence cannot be cancelled.
type NotCancellableError struct {
	Key    SlotKey
	Reason string // "past", "blocked", "no-occurrence"
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("occurrence %s not cancellable: %s", e.Key, e.Reason)
}

func (e *NotCancellableError) Unwrap() error { return ErrOccurrenceNotCancellable }

// PackageSelectionError reports an onboarding pattern that does not match
// the member's package tier.
type PackageSelectionError struct {
	MemberID MemberID
	Tier     int
	Chosen   int
}

func (e *PackageSelectionError) Error() string {
	return fmt.Sprintf("member %s: %d weekdays chosen for a %d-day package", e.MemberID, e.Chosen, e.Tier)
}

func (e *PackageSelectionError) Unwrap() error { return ErrInvalidPackageSelection }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether the operation might succeed if retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError reports whether the error is the caller's doing and maps to
// a 4xx response rather than a server fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrOccurrenceNotCancellable) ||
		errors.Is(err, ErrSlotFull) ||
		errors.Is(err, ErrAlreadyBookedBySelf) ||
		errors.Is(err, ErrMemberInactive) ||
		errors.Is(err, ErrInvalidPackageSelection) ||
		errors.Is(err, ErrAdminOverrideConflict)
}

// IsConflict reports errors caused by losing a uniqueness or capacity race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyCancelled) ||
		errors.Is(err, ErrSlotFull) ||
		errors.Is(err, ErrAlreadyBookedBySelf) ||
		errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrAbsenceNotFound) ||
		errors.Is(err, ErrInvoiceNotFound)
}
