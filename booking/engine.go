/*
Package booking implements the cancellation and vacancy marketplace engine.

PURPOSE:
  A cancelled class occurrence becomes a bookable vacancy that a
  different member can claim exactly once. This package owns every write
  to the cancellation log and the booking log:

    Cancel          member (or operator) cancels an occurrence;
                    opens one vacancy seat at its key
    BookVacancy     claims an open seat; atomic seat-check-then-insert
    WithdrawBooking cancels a claimed seat, reopening the vacancy

ATOMICITY:
  Each operation is one store transaction. Cancelling a vacancy-booked
  occurrence withdraws the booking and appends the cancellation record
  together - either both happen or neither does. Two members racing for
  the last seat get exactly one success and one ErrSlotFull.

RETRY:
  ErrConcurrencyConflict (a lost race detected at the transaction
  boundary) is retried once internally; every other error is surfaced
  unchanged.

SEE ALSO:
  - schedule/resolver.go: validates which occurrences exist
  - schedule/absence.go: blocked occurrences are never cancellable
*/
package booking

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flexclub/schedule-engine/schedule"
)

// lateWindow is the cutoff before class start after which a cancellation
// is flagged late. The flag is informational; nothing structural changes.
const lateWindow = 24 * time.Hour

// =============================================================================
// ENGINE
// =============================================================================

// Engine mutates the cancellation and booking logs. All other packages
// treat those logs as read-only.
type Engine struct {
	Store    schedule.TxStore
	Resolver *schedule.Resolver
	Bus      *schedule.Bus
	Clock    func() time.Time
}

func NewEngine(store schedule.TxStore, resolver *schedule.Resolver, bus *schedule.Bus) *Engine {
	return &Engine{Store: store, Resolver: resolver, Bus: bus, Clock: time.Now}
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel cancels the member's occurrence at the key and opens one vacancy
// seat. The occurrence may be a recurring class or a confirmed variable
// booking; in the latter case the booking is withdrawn in the same
// transaction.
func (e *Engine) Cancel(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (schedule.CancellationRecord, error) {
	return e.cancel(ctx, id, key, schedule.SourceMember, false)
}

// AdminCancel is an operator cancelling on the member's behalf. The record
// is tagged admin so the UI renders it apart from the member's own
// cancellations, but billing treats both identically.
func (e *Engine) AdminCancel(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (schedule.CancellationRecord, error) {
	return e.cancel(ctx, id, key, schedule.SourceAdmin, false)
}

// WithdrawBooking cancels the member's confirmed variable booking at the
// key. It fails when no such booking exists; recurring occurrences are
// cancelled through Cancel.
func (e *Engine) WithdrawBooking(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (schedule.CancellationRecord, error) {
	return e.cancel(ctx, id, key, schedule.SourceMember, true)
}

func (e *Engine) cancel(ctx context.Context, id schedule.MemberID, key schedule.SlotKey, source schedule.CancellationSource, requireBooking bool) (schedule.CancellationRecord, error) {
	var (
		rec       schedule.CancellationRecord
		withdrawn bool
	)

	err := e.retryOnce(func() error {
		withdrawn = false
		return e.Store.WithTx(ctx, func(s schedule.Store) error {
			member, err := s.GetMember(ctx, id)
			if err != nil {
				return err
			}
			if member == nil {
				return schedule.ErrMemberNotFound
			}

			bk, err := s.ConfirmedBooking(ctx, id, key)
			if err != nil {
				return err
			}

			// Slot 0 when cancelling a booking: only whole-day blackouts
			// apply, bookings carry no recurring slot number.
			slot := 0
			if bk == nil {
				var a *schedule.RecurringAssignment
				if !requireBooking {
					a, err = e.Resolver.RecurringAssignmentAt(ctx, s, member, key)
					if err != nil {
						return err
					}
				}
				if a == nil {
					// A withdrawn booking leaves no occurrence behind, only
					// the cancellation record its withdrawal wrote. That is
					// a double cancel, not a missing occurrence.
					if existing, err := s.CancellationForOccurrence(ctx, id, key); err != nil {
						return err
					} else if existing != nil {
						return &schedule.AlreadyCancelledError{Key: key, ExistingID: existing.ID}
					}
					return &schedule.NotCancellableError{Key: key, Reason: "no-occurrence"}
				}
				slot = a.Slot
			}

			absences, err := s.ListAbsences(ctx)
			if err != nil {
				return err
			}
			if schedule.AbsenceBlocks(absences, key.Date, slot) {
				return &schedule.NotCancellableError{Key: key, Reason: "blocked"}
			}

			now := e.Clock().UTC()
			start := key.StartAt()
			if !start.After(now) {
				return &schedule.NotCancellableError{Key: key, Reason: "past"}
			}

			if existing, err := s.CancellationForOccurrence(ctx, id, key); err != nil {
				return err
			} else if existing != nil {
				return &schedule.AlreadyCancelledError{Key: key, ExistingID: existing.ID}
			}

			rec = schedule.CancellationRecord{
				ID:        schedule.CancellationID(uuid.NewString()),
				MemberID:  id,
				Key:       key,
				Source:    source,
				Late:      now.After(start.Add(-lateWindow)),
				Active:    true,
				CreatedAt: schedule.DayOf(now),
			}
			if err := s.AppendCancellation(ctx, rec); err != nil {
				return err
			}

			if bk != nil {
				withdrawn = true
				return s.WithdrawBooking(ctx, id, key)
			}
			return nil
		})
	})
	if err != nil {
		return schedule.CancellationRecord{}, err
	}

	e.Bus.Publish(schedule.Event{Kind: schedule.EventCancellationChanged, MemberID: id, Key: key})
	if withdrawn {
		e.Bus.Publish(schedule.Event{Kind: schedule.EventBookingChanged, MemberID: id, Key: key})
	}
	return rec, nil
}

// =============================================================================
// BOOK VACANCY
// =============================================================================

// BookVacancy claims one open seat at the key for the member. The seat
// check and the insert are a single atomic store operation: a one-seat
// vacancy cannot be oversold.
func (e *Engine) BookVacancy(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (schedule.VariableBooking, error) {
	var bk schedule.VariableBooking

	err := e.retryOnce(func() error {
		return e.Store.WithTx(ctx, func(s schedule.Store) error {
			member, err := s.GetMember(ctx, id)
			if err != nil {
				return err
			}
			if member == nil {
				return schedule.ErrMemberNotFound
			}

			now := e.Clock().UTC()
			if !member.ActiveOn(schedule.DayOf(now)) {
				return schedule.ErrMemberInactive
			}
			if !member.JoinedBy(key.Date) || !member.ActiveOn(key.Date) {
				return schedule.ErrMemberInactive
			}

			// A member never holds a recurring and a booked seat at the
			// identical key - including a cancelled recurring one, which
			// would otherwise collide with the cancellation uniqueness
			// constraint on a later withdraw.
			a, err := e.Resolver.RecurringAssignmentAt(ctx, s, member, key)
			if err != nil {
				return err
			}
			if a != nil {
				return schedule.ErrAlreadyBookedBySelf
			}

			// Seats the member gave up stay given up: a vacancy opened by
			// one's own cancellation (or withdrawal) is not rebookable.
			if rec, err := s.CancellationForOccurrence(ctx, id, key); err != nil {
				return err
			} else if rec != nil && rec.Active && rec.Source != schedule.SourceSystem {
				return schedule.ErrAlreadyBookedBySelf
			}

			bk = schedule.VariableBooking{
				ID:        schedule.BookingID(uuid.NewString()),
				MemberID:  id,
				Key:       key,
				Status:    schedule.BookingConfirmed,
				Origin:    key,
				CreatedAt: schedule.DayOf(now),
			}
			return s.InsertBookingIfSeatAvailable(ctx, bk)
		})
	})
	if err != nil {
		return schedule.VariableBooking{}, err
	}

	e.Bus.Publish(schedule.Event{Kind: schedule.EventBookingChanged, MemberID: id, Key: key})
	return bk, nil
}

// =============================================================================
// VACANCY QUERIES
// =============================================================================

// OpenSeats returns the bookable seat count at the key: active
// cancellations minus all bookings, never negative. Withdrawn bookings
// still subtract; each pairs with the cancellation record its
// withdrawal wrote, so the pair nets to the one reopened seat.
func (e *Engine) OpenSeats(ctx context.Context, key schedule.SlotKey) (int, error) {
	cancellations, err := e.Store.CancellationsForKey(ctx, key)
	if err != nil {
		return 0, err
	}
	bookings, err := e.Store.BookingsForKey(ctx, key)
	if err != nil {
		return 0, err
	}

	seats := 0
	for _, rec := range cancellations {
		if rec.Active {
			seats++
		}
	}
	seats -= len(bookings)
	if seats < 0 {
		seats = 0
	}
	return seats, nil
}

// Vacancy is one open slot on the vacancy board.
type Vacancy struct {
	Key       schedule.SlotKey
	OpenSeats int
}

// VacancyBoard lists every key with at least one open seat in the month,
// ordered by date and start time.
func (e *Engine) VacancyBoard(ctx context.Context, ym schedule.YearMonth) ([]Vacancy, error) {
	cancellations, err := e.Store.CancellationsInRange(ctx, ym.First(), ym.Last())
	if err != nil {
		return nil, err
	}

	seats := make(map[schedule.SlotKey]int)
	for _, rec := range cancellations {
		if rec.Active {
			seats[rec.Key]++
		}
	}
	for key := range seats {
		bookings, err := e.Store.BookingsForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		seats[key] -= len(bookings)
	}

	var board []Vacancy
	for key, n := range seats {
		if n > 0 {
			board = append(board, Vacancy{Key: key, OpenSeats: n})
		}
	}
	sort.Slice(board, func(i, j int) bool {
		if !board[i].Key.Date.Equal(board[j].Key.Date) {
			return board[i].Key.Date.Before(board[j].Key.Date)
		}
		return board[i].Key.Start < board[j].Key.Start
	})
	return board, nil
}

// retryOnce reruns fn a single time after a concurrency conflict; every
// other outcome is final.
func (e *Engine) retryOnce(fn func() error) error {
	err := fn()
	if schedule.IsRetryable(err) {
		err = fn()
	}
	return err
}
