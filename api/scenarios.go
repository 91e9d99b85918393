/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario creates members, weekly
	patterns, and activity that demonstrates a specific feature.

AVAILABLE SCENARIOS:

	small-studio:   Three members on tiers 1-3, clean schedules
	vacancy-market: A cancellation opens a seat another member claims
	billing-cycle:  Last month's activity feeding this month's invoices

HOW SCENARIOS WORK:
 1. Create members with their weekly patterns
 2. Drive cancellations and bookings through the real engines, so every
    invariant (uniqueness, seat counts) holds in the seeded data
 3. Optionally run reconciliation so invoices exist immediately

NOTE:

	Scenarios add on top of existing data; point the server at a fresh
	database for a clean demo. Development/demo environments only.

SEE ALSO:
  - handlers.go: shared handler context
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flexclub/schedule-engine/schedule"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "small-studio",
		Name:        "Small Studio",
		Description: "Three members on tiers 1-3 with clean weekly schedules",
	},
	{
		ID:          "vacancy-market",
		Name:        "Vacancy Marketplace",
		Description: "A cancellation opens a seat that another member claims",
	},
	{
		ID:          "billing-cycle",
		Name:        "Billing Cycle",
		Description: "Last month's cancellations and bookings feeding this month's invoices",
	},
}

// ListScenarios returns available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads one demo scenario into the store.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "small-studio":
		err = h.loadSmallStudioScenario(r.Context())
	case "vacancy-market":
		err = h.loadVacancyMarketScenario(r.Context())
	case "billing-cycle":
		err = h.loadBillingCycleScenario(r.Context())
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.Log.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"loaded": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type seedMember struct {
	id      schedule.MemberID
	name    string
	tier    int
	pattern []schedule.RecurringAssignment
}

// seedMembers writes members with their patterns, joined two months back
// so both last month and this month resolve fully.
func (h *Handler) seedMembers(ctx context.Context, seeds []seedMember) error {
	joinDate := schedule.YearMonthOf(h.Clock()).Prev().Prev().First()

	return h.Store.WithTx(ctx, func(s schedule.Store) error {
		for _, seed := range seeds {
			m := schedule.Member{
				ID:          seed.id,
				Name:        seed.name,
				JoinDate:    joinDate,
				PackageTier: seed.tier,
				Active:      true,
			}
			if err := s.SaveMember(ctx, m); err != nil {
				return err
			}
			for _, a := range seed.pattern {
				a.MemberID = seed.id
				a.Active = true
				a.EffectiveFrom = joinDate
				if err := s.SaveAssignment(ctx, a); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func weeklySlot(weekday, slot, startHour int) schedule.RecurringAssignment {
	return schedule.RecurringAssignment{
		Weekday: weekday,
		Slot:    slot,
		Start:   schedule.NewClockTime(startHour, 0),
		End:     schedule.NewClockTime(startHour+1, 0),
	}
}

func (h *Handler) loadSmallStudioScenario(ctx context.Context) error {
	return h.seedMembers(ctx, []seedMember{
		{id: "demo-anna", name: "Anna Keller", tier: 1, pattern: []schedule.RecurringAssignment{
			weeklySlot(1, 1, 9),
		}},
		{id: "demo-bruno", name: "Bruno Marques", tier: 2, pattern: []schedule.RecurringAssignment{
			weeklySlot(2, 2, 10),
			weeklySlot(4, 2, 10),
		}},
		{id: "demo-carla", name: "Carla Novak", tier: 3, pattern: []schedule.RecurringAssignment{
			weeklySlot(1, 3, 11),
			weeklySlot(3, 3, 11),
			weeklySlot(5, 3, 11),
		}},
	})
}

// loadVacancyMarketScenario cancels one of Carla's upcoming classes
// through the booking engine and lets Anna claim the vacancy, so the
// board shows a genuine claimed seat.
func (h *Handler) loadVacancyMarketScenario(ctx context.Context) error {
	if err := h.loadSmallStudioScenario(ctx); err != nil {
		return err
	}

	// Carla's next Wednesday class, at least a week out so the
	// cancellation is comfortably outside the late window.
	date := nextWeekday(schedule.DayOf(h.Clock()).AddDays(7), 3)
	key := schedule.SlotKey{Date: date, Start: schedule.NewClockTime(11, 0), End: schedule.NewClockTime(12, 0)}

	if _, err := h.Booking.Cancel(ctx, "demo-carla", key); err != nil {
		return err
	}
	_, err := h.Booking.BookVacancy(ctx, "demo-anna", key)
	return err
}

// loadBillingCycleScenario records last-month activity and reconciles
// the current month, so invoices immediately show the deferred
// adjustment at work.
func (h *Handler) loadBillingCycleScenario(ctx context.Context) error {
	if err := h.loadSmallStudioScenario(ctx); err != nil {
		return err
	}

	// Engine rules refuse writes on past occurrences, so last month's
	// activity is seeded directly as log records.
	prev := schedule.YearMonthOf(h.Clock()).Prev()
	cancelDate := nextWeekday(prev.First(), 3) // one of Carla's Wednesdays
	key := schedule.SlotKey{Date: cancelDate, Start: schedule.NewClockTime(11, 0), End: schedule.NewClockTime(12, 0)}

	err := h.Store.WithTx(ctx, func(s schedule.Store) error {
		rec := schedule.CancellationRecord{
			ID:        "demo-cancel-carla",
			MemberID:  "demo-carla",
			Key:       key,
			Source:    schedule.SourceMember,
			Active:    true,
			CreatedAt: cancelDate.AddDays(-3),
		}
		if err := s.AppendCancellation(ctx, rec); err != nil {
			return err
		}
		bk := schedule.VariableBooking{
			ID:        "demo-booking-anna",
			MemberID:  "demo-anna",
			Key:       key,
			Status:    schedule.BookingConfirmed,
			Origin:    key,
			CreatedAt: cancelDate.AddDays(-2),
		}
		return s.InsertBookingIfSeatAvailable(ctx, bk)
	})
	if err != nil {
		return err
	}

	_, err = h.Billing.GenerateOrUpdate(ctx, schedule.YearMonthOf(h.Clock()))
	return err
}

// nextWeekday returns the first date on or after from whose SlotWeekday
// matches weekday (1-5).
func nextWeekday(from schedule.DayDate, weekday int) schedule.DayDate {
	d := from
	for d.SlotWeekday() != weekday {
		d = d.AddDays(1)
	}
	return d
}
