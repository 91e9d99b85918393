/*
store.go - Persistence interfaces for the scheduling engine

PURPOSE:
  Defines the boundary between domain logic and the database. All shared
  mutable state - members, assignments, absences, the cancellation log,
  the booking log and the invoice table - is reached only through these
  interfaces; nothing else writes rows.

KEY INTERFACES:
  MemberStore / AssignmentStore: roster and weekly patterns
  AbsenceStore:                  operator blackouts (soft revoke)
  CancellationLog:               unique-per-key cancellation records
  BookingLog:                    vacancy bookings with the atomic
                                 seat-check-then-insert primitive
  InvoiceStore:                  one row per (member, year, month)
  TxStore:                       closure-scoped transactions

ATOMICITY CONTRACT:
  InsertBookingIfSeatAvailable MUST perform the open-seat check and the
  insert as one atomic unit. Two racing bookings against a one-seat
  vacancy yield exactly one success and one ErrSlotFull - never two
  successes. Likewise AppendCancellation relies on the unique key
  constraint to reject double-cancels with ErrAlreadyCancelled.

IMPLEMENTATIONS:
  - store/sqlite:       production store (unique indexes + transactions)
  - schedule/store:     in-memory store for tests and development

SEE ALSO:
  - booking/engine.go: the only writer of cancellations and bookings
  - billing/reconciler.go: the only writer of invoices
*/
package schedule

import "context"

// =============================================================================
// ROSTER STORES
// =============================================================================

type MemberStore interface {
	SaveMember(ctx context.Context, m Member) error

	// GetMember returns nil when no such member exists.
	GetMember(ctx context.Context, id MemberID) (*Member, error)

	ListMembers(ctx context.Context) ([]Member, error)
}

type AssignmentStore interface {
	// SaveAssignment upserts by (member, weekday). Pattern-level
	// validation (weekday count == package tier) happens in the caller,
	// which sees the whole pattern.
	SaveAssignment(ctx context.Context, a RecurringAssignment) error

	// GetAssignments returns every assignment row for the member,
	// active and inactive.
	GetAssignments(ctx context.Context, id MemberID) ([]RecurringAssignment, error)
}

// =============================================================================
// ABSENCE STORE
// =============================================================================

type AbsenceStore interface {
	// SaveAbsence upserts by ID. Revocation is SaveAbsence with
	// Active=false - rows are never physically deleted.
	SaveAbsence(ctx context.Context, ab AdminAbsence) error

	// GetAbsence returns nil when no such absence exists.
	GetAbsence(ctx context.Context, id AbsenceID) (*AdminAbsence, error)

	// ListAbsences returns all absences, revoked included. Callers filter
	// on Active; month-scale data keeps this cheap.
	ListAbsences(ctx context.Context) ([]AdminAbsence, error)
}

// =============================================================================
// CANCELLATION LOG
// =============================================================================

type CancellationLog interface {
	// AppendCancellation inserts one record. A record already holding the
	// (member, date, start, end) key makes this fail with
	// ErrAlreadyCancelled - that constraint IS the double-cancel guard.
	AppendCancellation(ctx context.Context, rec CancellationRecord) error

	// CancellationForOccurrence returns the record for (member, key),
	// nil when none exists.
	CancellationForOccurrence(ctx context.Context, id MemberID, key SlotKey) (*CancellationRecord, error)

	// CancellationsForMember returns the member's records with occurrence
	// dates in [from, to].
	CancellationsForMember(ctx context.Context, id MemberID, from, to DayDate) ([]CancellationRecord, error)

	// CancellationsForKey returns every member's records at the key.
	// Their active count is the gross seat count of the vacancy.
	CancellationsForKey(ctx context.Context, key SlotKey) ([]CancellationRecord, error)

	// CancellationsInRange returns all records with occurrence dates in
	// [from, to], across members. Used for the vacancy board.
	CancellationsInRange(ctx context.Context, from, to DayDate) ([]CancellationRecord, error)

	// DeactivateByAbsence retracts the system records an absence created,
	// closing the seats it opened. Member records are never touched.
	DeactivateByAbsence(ctx context.Context, id AbsenceID) error
}

// =============================================================================
// BOOKING LOG
// =============================================================================

type BookingLog interface {
	// InsertBookingIfSeatAvailable atomically checks the open-seat count
	// at b.Key and inserts the booking. Returns ErrSlotFull when the
	// count is zero and ErrAlreadyBookedBySelf when the member already
	// holds a confirmed booking at the key.
	InsertBookingIfSeatAvailable(ctx context.Context, b VariableBooking) error

	// WithdrawBooking flips the member's confirmed booking at the key to
	// withdrawn. Returns ErrOccurrenceNotCancellable when none exists.
	WithdrawBooking(ctx context.Context, id MemberID, key SlotKey) error

	// ConfirmedBooking returns the member's confirmed booking at the key,
	// nil when none exists.
	ConfirmedBooking(ctx context.Context, id MemberID, key SlotKey) (*VariableBooking, error)

	// BookingsForMember returns the member's bookings, any status, with
	// dates in [from, to].
	BookingsForMember(ctx context.Context, id MemberID, from, to DayDate) ([]VariableBooking, error)

	// BookingsForKey returns every booking at the key, any status. The
	// open-seat count subtracts ALL of them: a withdrawn booking pairs
	// with the cancellation record its withdrawal wrote, so together
	// they net to the one reopened seat.
	BookingsForKey(ctx context.Context, key SlotKey) ([]VariableBooking, error)
}

// =============================================================================
// INVOICE STORE
// =============================================================================

type InvoiceStore interface {
	// UpsertInvoice writes the row keyed by (member, year, month).
	UpsertInvoice(ctx context.Context, inv Invoice) error

	// GetInvoice returns nil when no row exists for the period; callers
	// fall back to a live estimate.
	GetInvoice(ctx context.Context, id MemberID, ym YearMonth) (*Invoice, error)

	// ListInvoices returns every stored invoice for the period.
	ListInvoices(ctx context.Context, ym YearMonth) ([]Invoice, error)
}

// =============================================================================
// COMPOSITE STORE + TRANSACTIONS
// =============================================================================

// Store is the full persistence surface of the engine.
type Store interface {
	MemberStore
	AssignmentStore
	AbsenceStore
	CancellationLog
	BookingLog
	InvoiceStore
}

// TxStore adds closure-scoped transactions. Every mutating engine
// operation runs inside exactly one WithTx call: either all of its
// effects commit or none do.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. A non-nil error from fn
	// rolls everything back and is returned unchanged.
	WithTx(ctx context.Context, fn func(Store) error) error
}
