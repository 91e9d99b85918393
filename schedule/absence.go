/*
absence.go - The Absence Registry

PURPOSE:
  Operators declare blackouts: a single date (optionally limited to
  specific slot numbers) or a closed date range. Absences are the
  highest-precedence exception source - they suppress billing and are
  not member actions.

VACANCY SIDE EFFECT:
  A single-day absence reopens each suppressed recurring slot as a
  bookable vacancy, at the slot's own hours by default or at an
  operator-specified substitute window. The registry writes one
  system-source CancellationRecord per suppressed occurrence; those
  records open the seats but never count against the member's billing.
  Range absences are facility closures and open no vacancies.

REVOCATION:
  Soft. The absence row stays (historical months must resolve exactly
  as they were billed) and the system cancellations it created are
  deactivated, closing the seats they opened.
*/
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages admin absences. It shares AbsenceBlocks with the
// resolver so both always answer blocked-or-not identically.
type Registry struct {
	Store TxStore
	Bus   *Bus
	Clock func() time.Time
}

func NewRegistry(store TxStore, bus *Bus) *Registry {
	return &Registry{Store: store, Bus: bus, Clock: time.Now}
}

// DeclareAbsence is the input to Declare.
type DeclareAbsence struct {
	Kind         AbsenceKind
	Start        DayDate
	End          DayDate // ignored for single kind
	BlockedSlots []int   // single kind only; empty = all slots
	Reason       string
	Substitute   *Window // single kind only; replacement vacancy hours
}

// Declare records the absence and synthesizes the vacancy-opening system
// cancellations for every recurring occurrence it suppresses. The whole
// declaration is one transaction.
func (g *Registry) Declare(ctx context.Context, in DeclareAbsence) (AdminAbsence, error) {
	ab := AdminAbsence{
		ID:           AbsenceID(uuid.NewString()),
		Kind:         in.Kind,
		Start:        in.Start,
		End:          in.End,
		BlockedSlots: in.BlockedSlots,
		Reason:       in.Reason,
		Active:       true,
		Substitute:   in.Substitute,
	}

	switch in.Kind {
	case AbsenceSingle:
		ab.End = in.Start
	case AbsenceRange:
		if ab.End.Before(ab.Start) {
			return AdminAbsence{}, fmt.Errorf("absence range ends %s before it starts %s", ab.End, ab.Start)
		}
		ab.BlockedSlots = nil
		ab.Substitute = nil
	default:
		return AdminAbsence{}, fmt.Errorf("unknown absence kind %q", in.Kind)
	}

	today := DayOf(g.Clock())

	err := g.Store.WithTx(ctx, func(s Store) error {
		suppressed, err := g.suppressedOccurrences(ctx, s, ab)
		if err != nil {
			return err
		}

		// An absence and a live member cancellation on the same key would
		// double-open the seat. Surface it; the operator resolves.
		for _, occ := range suppressed {
			if occ.key.Date.Before(today) {
				continue
			}
			existing, err := s.CancellationForOccurrence(ctx, occ.member, occ.key)
			if err != nil {
				return err
			}
			if existing != nil && existing.Active && existing.Source != SourceSystem {
				return fmt.Errorf("%s on %s: %w", occ.member, occ.key, ErrAdminOverrideConflict)
			}
		}

		if err := s.SaveAbsence(ctx, ab); err != nil {
			return err
		}

		if ab.Kind != AbsenceSingle {
			return nil
		}
		for _, occ := range suppressed {
			vacancyKey := occ.key
			if ab.Substitute != nil {
				vacancyKey.Start = ab.Substitute.Start
				vacancyKey.End = ab.Substitute.End
			}
			rec := CancellationRecord{
				ID:        CancellationID(uuid.NewString()),
				MemberID:  occ.member,
				Key:       vacancyKey,
				Source:    SourceSystem,
				AbsenceID: ab.ID,
				Active:    true,
				CreatedAt: today,
			}
			if err := s.AppendCancellation(ctx, rec); err != nil {
				if errors.Is(err, ErrAlreadyCancelled) {
					continue // an earlier absence already opened this seat
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return AdminAbsence{}, err
	}

	g.Bus.Publish(Event{Kind: EventAbsenceChanged})
	g.Bus.Publish(Event{Kind: EventCancellationChanged})
	return ab, nil
}

// Revoke soft-deactivates the absence and retracts the seats it opened.
func (g *Registry) Revoke(ctx context.Context, id AbsenceID) error {
	err := g.Store.WithTx(ctx, func(s Store) error {
		ab, err := s.GetAbsence(ctx, id)
		if err != nil {
			return err
		}
		if ab == nil {
			return ErrAbsenceNotFound
		}
		if !ab.Active {
			return nil // already revoked; idempotent
		}
		ab.Active = false
		if err := s.SaveAbsence(ctx, *ab); err != nil {
			return err
		}
		return s.DeactivateByAbsence(ctx, id)
	})
	if err != nil {
		return err
	}

	g.Bus.Publish(Event{Kind: EventAbsenceChanged})
	g.Bus.Publish(Event{Kind: EventCancellationChanged})
	return nil
}

// IsBlocked answers the single blocked-slot query used by the resolver
// and the booking engine alike.
func (g *Registry) IsBlocked(ctx context.Context, date DayDate, slot int) (bool, error) {
	absences, err := g.Store.ListAbsences(ctx)
	if err != nil {
		return false, err
	}
	return AbsenceBlocks(absences, date, slot), nil
}

// =============================================================================
// SUPPRESSED OCCURRENCE SCAN
// =============================================================================

type suppressedOccurrence struct {
	member MemberID
	key    SlotKey
	slot   int
}

// suppressedOccurrences lists every (member, key) the absence removes:
// each active recurring occurrence falling on a covered date and slot.
func (g *Registry) suppressedOccurrences(ctx context.Context, s Store, ab AdminAbsence) ([]suppressedOccurrence, error) {
	members, err := s.ListMembers(ctx)
	if err != nil {
		return nil, err
	}

	var out []suppressedOccurrence
	for _, m := range members {
		assignments, err := s.GetAssignments(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for d := ab.Start; d.BeforeOrEqual(ab.End); d = d.AddDays(1) {
			if d.IsWeekend() || !m.JoinedBy(d) {
				continue
			}
			for _, a := range assignments {
				if !a.AppliesOn(d) || !ab.Covers(d, a.Slot) {
					continue
				}
				out = append(out, suppressedOccurrence{member: m.ID, key: a.Key(d), slot: a.Slot})
			}
		}
	}
	return out, nil
}
