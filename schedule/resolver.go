/*
resolver.go - Weekly pattern -> dated class occurrences

PURPOSE:
  The Occurrence Resolver expands a member's recurring weekly slot
  pattern into concrete dated occurrences for one month, overlaying
  exceptions in strict precedence order:

    1. AdminAbsence covering the date (and slot) -> blocked
       Blocked suppresses billing and is never cancellable; a blackout
       is not a member action.
    2. CancellationRecord at the key            -> cancelled
       Tagged with its source so the UI can tell member cancellations
       from admin/system ones; both drop the class from the effective
       count.
    3. Otherwise                                -> scheduled

  Confirmed variable bookings of the member are then appended as
  additive variable-active occurrences. A member never holds both a
  recurring and a booked instance of the identical key.

EDGE CASES:
  - Dates before the member's join date yield no occurrence even when a
    weekday assignment matches.
  - Dates on or after the member's deactivation cutoff yield no
    occurrences; a lapsed membership produces nothing to cancel or bill.
  - Weekend dates yield no occurrences; assignments are Monday-Friday.

SEE ALSO:
  - absence.go: the Absence Registry feeding overlay step 1
  - cache.go: resolved months are cached per (member, period)
*/
package schedule

import (
	"context"
	"sort"
)

// Resolver resolves occurrences from the shared stores. It only reads;
// all mutation goes through the booking engine and the absence registry.
type Resolver struct {
	Store Store

	// Cache is optional; when set, Resolve consults and fills it.
	Cache *ResolutionCache
}

func NewResolver(store Store, cache *ResolutionCache) *Resolver {
	return &Resolver{Store: store, Cache: cache}
}

// Resolve returns the member's ordered occurrences for the month.
func (r *Resolver) Resolve(ctx context.Context, id MemberID, ym YearMonth) ([]Occurrence, error) {
	if r.Cache != nil {
		if occs, ok := r.Cache.Get(id, ym); ok {
			return occs, nil
		}
	}

	occs, err := r.resolve(ctx, r.Store, id, ym)
	if err != nil {
		return nil, err
	}

	if r.Cache != nil {
		r.Cache.Put(id, ym, occs)
	}
	return occs, nil
}

// ResolveUncached resolves against the given store view, bypassing the
// cache. The billing reconciler uses this inside its transaction.
func (r *Resolver) ResolveUncached(ctx context.Context, store Store, id MemberID, ym YearMonth) ([]Occurrence, error) {
	return r.resolve(ctx, store, id, ym)
}

func (r *Resolver) resolve(ctx context.Context, store Store, id MemberID, ym YearMonth) ([]Occurrence, error) {
	member, err := store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}

	assignments, err := store.GetAssignments(ctx, id)
	if err != nil {
		return nil, err
	}

	absences, err := store.ListAbsences(ctx)
	if err != nil {
		return nil, err
	}

	cancellations, err := store.CancellationsForMember(ctx, id, ym.First(), ym.Last())
	if err != nil {
		return nil, err
	}
	cancelled := make(map[SlotKey]CancellationRecord, len(cancellations))
	for _, c := range cancellations {
		if c.Active {
			cancelled[c.Key] = c
		}
	}

	var occs []Occurrence
	for _, date := range ym.Days() {
		if date.IsWeekend() || !member.JoinedBy(date) || !member.ActiveOn(date) {
			continue
		}
		for _, a := range assignments {
			if !a.AppliesOn(date) {
				continue
			}
			occ := Occurrence{Key: a.Key(date), Slot: a.Slot, Status: StatusScheduled}
			switch {
			case AbsenceBlocks(absences, date, a.Slot):
				occ.Status = StatusBlocked
			default:
				if rec, ok := cancelled[occ.Key]; ok {
					occ.Status = StatusCancelled
					occ.CancelSource = rec.Source
				}
			}
			occs = append(occs, occ)
		}
	}

	bookings, err := store.BookingsForMember(ctx, id, ym.First(), ym.Last())
	if err != nil {
		return nil, err
	}
	for _, b := range bookings {
		if b.Status != BookingConfirmed {
			continue
		}
		occs = append(occs, Occurrence{Key: b.Key, Status: StatusVariableActive})
	}

	sort.Slice(occs, func(i, j int) bool {
		if !occs[i].Key.Date.Equal(occs[j].Key.Date) {
			return occs[i].Key.Date.Before(occs[j].Key.Date)
		}
		return occs[i].Key.Start < occs[j].Key.Start
	})
	return occs, nil
}

// Baseline counts the member's billable recurring occurrences for the
// month: everything the pattern produces except blocked days. Cancelled
// occurrences still count here - their billing effect arrives one month
// later through the deferred adjustment.
func (r *Resolver) Baseline(ctx context.Context, store Store, id MemberID, ym YearMonth) (int, error) {
	occs, err := r.resolve(ctx, store, id, ym)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range occs {
		if o.Status == StatusScheduled || o.Status == StatusCancelled {
			n++
		}
	}
	return n, nil
}

// RecurringAssignmentAt returns the member's active assignment producing
// an occurrence at exactly the given key, or nil. The booking engine uses
// this both to validate cancellations and to enforce that a member cannot
// book a vacancy duplicating their own recurring slot.
func (r *Resolver) RecurringAssignmentAt(ctx context.Context, store Store, member *Member, key SlotKey) (*RecurringAssignment, error) {
	if !member.JoinedBy(key.Date) || !member.ActiveOn(key.Date) {
		return nil, nil
	}
	assignments, err := store.GetAssignments(ctx, member.ID)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		a := assignments[i]
		if a.AppliesOn(key.Date) && a.Start == key.Start && a.End == key.End {
			return &a, nil
		}
	}
	return nil, nil
}
