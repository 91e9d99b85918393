/*
Package schedule provides the core class-scheduling engine for the gym.

PURPOSE:
  This package contains the shared domain model and the two pure-ish
  components every other package builds on: the Occurrence Resolver
  (weekly pattern -> dated class occurrences for a month) and the
  Absence Registry (operator-declared blackouts with highest precedence).

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: a gym member with a package tier (1-5 weekly days)
  - RecurringAssignment: the member's fixed weekly slot pattern
  - AdminAbsence: operator blackout, single date or range
  - CancellationRecord: one cancelled occurrence, unique per key
  - VariableBooking: a claimed vacancy seat outside the weekly pattern
  - Invoice: one prepaid bill per member per month
  - Occurrence: one resolved, dated class instance with a closed status

DESIGN PRINCIPLES:
  1. One status enum per occurrence - cancelled/blocked/variable are
     mutually exclusive states, never independent booleans
  2. Precision: decimal.Decimal for all money
  3. Soft deletion everywhere - absences and assignments deactivate,
     never disappear, so historical months stay reproducible

SEE ALSO:
  - time.go: DayDate, ClockTime, YearMonth, SlotKey
  - resolver.go: occurrence resolution
  - absence.go: the Absence Registry
  - errors.go: the error taxonomy shared by all components
*/
package schedule

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type AbsenceID string
type CancellationID string
type BookingID string
type InvoiceID string

// =============================================================================
// MEMBER - Owned by the membership subsystem, read-only here
// =============================================================================

// Member mirrors the membership subsystem's record. The scheduling engine
// never mutates members except through SaveMember at onboarding/admin time.
type Member struct {
	ID       MemberID
	Name     string
	JoinDate DayDate

	// PackageTier is the number of weekly class days (1-5). It must equal
	// the count of the member's active recurring assignment weekdays.
	PackageTier int

	// RateOverride, when set, wins over the tier rate for this member.
	RateOverride *decimal.Decimal

	Active bool

	// DeactivatedFrom is always the first of a month: deactivation takes
	// effect at the next month boundary, never mid-month.
	DeactivatedFrom *DayDate
}

// ActiveOn reports whether the member's account is live on the given date.
func (m Member) ActiveOn(date DayDate) bool {
	if !m.Active && m.DeactivatedFrom == nil {
		return false
	}
	if m.DeactivatedFrom != nil && date.AfterOrEqual(*m.DeactivatedFrom) {
		return false
	}
	return true
}

// JoinedBy reports whether the member had joined on or before the date.
// Dates before the join date never produce occurrences and are never bookable.
func (m Member) JoinedBy(date DayDate) bool {
	return m.JoinDate.BeforeOrEqual(date)
}

// BillableIn reports whether the member should receive an invoice for the month.
func (m Member) BillableIn(ym YearMonth) bool {
	return m.JoinedBy(ym.Last()) && m.ActiveOn(ym.First())
}

// =============================================================================
// RECURRING ASSIGNMENT - The member's fixed weekly slot
// =============================================================================

// RecurringAssignment fixes one weekday of the member's weekly pattern.
// At most one assignment exists per (member, weekday); edits deactivate the
// old row and insert a new one so past months resolve as they were billed.
type RecurringAssignment struct {
	MemberID MemberID

	// Weekday is 1 (Monday) through 5 (Friday).
	Weekday int

	// Slot is the class hour number within the day (1 = first class, ...).
	Slot int

	Start ClockTime
	End   ClockTime

	Active        bool
	EffectiveFrom DayDate
}

// AppliesOn reports whether this assignment instantiates an occurrence on
// the given date (weekday match, active, effective).
func (a RecurringAssignment) AppliesOn(date DayDate) bool {
	return a.Active && a.Weekday == date.SlotWeekday() && date.AfterOrEqual(a.EffectiveFrom)
}

// Key returns the slot key of this assignment's occurrence on a date.
func (a RecurringAssignment) Key(date DayDate) SlotKey {
	return SlotKey{Date: date, Start: a.Start, End: a.End}
}

// =============================================================================
// ADMIN ABSENCE - Operator blackout, highest-precedence exception
// =============================================================================

type AbsenceKind string

const (
	AbsenceSingle AbsenceKind = "single" // one date, optionally specific slots
	AbsenceRange  AbsenceKind = "range"  // closed date range, all slots
)

// AdminAbsence is an operator-declared blackout. Revocation is soft: the
// row stays so months already resolved against it remain reproducible.
type AdminAbsence struct {
	ID    AbsenceID
	Kind  AbsenceKind
	Start DayDate
	End   DayDate // equals Start for single kind

	// BlockedSlots applies to single kind only. Empty means every slot
	// that day is blocked.
	BlockedSlots []int

	Reason string
	Active bool

	// Substitute, when set on a single-day absence, opens the replacement
	// vacancy at these hours instead of the suppressed slot's own hours.
	Substitute *Window
}

// Window is a time-of-day interval, used for substitute vacancy hours.
type Window struct {
	Start ClockTime
	End   ClockTime
}

// Covers reports whether this absence blocks the given slot number on the
// given date. Slot 0 matches only whole-day blackouts (used when checking
// variable bookings, which have no recurring slot number).
func (ab AdminAbsence) Covers(date DayDate, slot int) bool {
	if !ab.Active {
		return false
	}
	if date.Before(ab.Start) || date.After(ab.End) {
		return false
	}
	if ab.Kind == AbsenceRange || len(ab.BlockedSlots) == 0 {
		return true
	}
	for _, s := range ab.BlockedSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// AbsenceBlocks is the one blocked-slot predicate shared by the resolver and
// the booking engine, so both always agree on what is blacked out.
func AbsenceBlocks(absences []AdminAbsence, date DayDate, slot int) bool {
	for _, ab := range absences {
		if ab.Covers(date, slot) {
			return true
		}
	}
	return false
}

// =============================================================================
// CANCELLATION RECORD - One cancelled occurrence
// =============================================================================

type CancellationSource string

const (
	SourceMember CancellationSource = "member" // the member cancelled their own class
	SourceAdmin  CancellationSource = "admin"  // operator cancelled on the member's behalf
	SourceSystem CancellationSource = "system" // synthesized when an absence suppressed the class
)

// CancellationRecord marks one occurrence as cancelled and opens one vacancy
// seat at its key. Unique per (member, date, start, end): the uniqueness
// constraint is the concurrency guard against double-cancellation.
type CancellationRecord struct {
	ID       CancellationID
	MemberID MemberID
	Key      SlotKey
	Source   CancellationSource

	// Late is set when the cancellation landed inside the 24h window before
	// class start. Informational only; the structural effect is identical.
	Late bool

	// AbsenceID links system-source records to the absence that created
	// them, so revoking the absence can retract the seats it opened.
	AbsenceID AbsenceID

	// Active is false only for system records whose absence was revoked.
	Active bool

	CreatedAt DayDate
}

// CountsForBilling reports whether this record participates in the deferred
// billing adjustment. Absence-driven system records do not: a blackout is
// not a member action and must not touch the member's bill.
func (c CancellationRecord) CountsForBilling() bool {
	return c.Active && c.Source != SourceSystem
}

// =============================================================================
// VARIABLE BOOKING - A claimed vacancy seat
// =============================================================================

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingWithdrawn BookingStatus = "withdrawn"
)

// VariableBooking is a member's reservation of a vacancy outside their
// weekly pattern. At most one confirmed booking per (member, key).
type VariableBooking struct {
	ID       BookingID
	MemberID MemberID
	Key      SlotKey
	Status   BookingStatus

	// Origin is the vacancy key the seat was claimed from.
	Origin SlotKey

	CreatedAt DayDate
}

// =============================================================================
// INVOICE - One prepaid bill per member per month
// =============================================================================

type PaymentState string

const (
	PaymentPending PaymentState = "pending"
	PaymentPaid    PaymentState = "paid"
	PaymentOverdue PaymentState = "overdue"
)

// Adjustment is the deferred-adjustment breakdown carried on an invoice:
// how last month's cancellations and vacancy bookings moved this month's
// class count and by how much money.
type Adjustment struct {
	CancellationCount  int
	CancellationAmount decimal.Decimal
	BookingCount       int
	BookingAmount      decimal.Decimal
}

// Invoice is the bill for one member and one calendar month. Billing is
// prepaid: ClassesBilled for month M is the month-M baseline adjusted by
// activity recorded during M-1, never by activity during M itself.
type Invoice struct {
	ID     InvoiceID
	Member MemberID
	Period YearMonth

	ClassesBilled int
	UnitPrice     decimal.Decimal
	DiscountPct   decimal.Decimal
	Gross         decimal.Decimal
	Net           decimal.Decimal

	PaymentState PaymentState
	Adjustment   Adjustment

	// Estimate marks a live projection computed because no stored row
	// exists for the period. Estimates are never persisted.
	Estimate bool
}

// =============================================================================
// OCCURRENCE - One resolved, dated class instance
// =============================================================================

// OccurrenceStatus is a closed enum: an occurrence is exactly one of these,
// never a combination of independent flags.
type OccurrenceStatus string

const (
	StatusScheduled      OccurrenceStatus = "scheduled"
	StatusCancelled      OccurrenceStatus = "cancelled"
	StatusBlocked        OccurrenceStatus = "blocked"
	StatusVariableActive OccurrenceStatus = "variable-active"
)

// Occurrence is one concrete dated class instance for a member.
type Occurrence struct {
	Key    SlotKey
	Slot   int // recurring slot number; 0 for variable bookings
	Status OccurrenceStatus

	// CancelSource is set only when Status is StatusCancelled, so the UI
	// can render member-cancelled and admin-driven cancellations apart.
	CancelSource CancellationSource
}
