package api_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexclub/schedule-engine/api"
	"github.com/flexclub/schedule-engine/billing"
	"github.com/flexclub/schedule-engine/schedule"
	memstore "github.com/flexclub/schedule-engine/schedule/store"
)

func newScheduler(t *testing.T) (*api.BillingScheduler, *memstore.Memory) {
	t.Helper()

	st := memstore.NewMemory()
	require.NoError(t, st.SaveMember(context.Background(), schedule.Member{
		ID:          "m1",
		Name:        "Member m1",
		JoinDate:    schedule.NewDayDate(2026, time.January, 1),
		PackageTier: 1,
		Active:      true,
	}))
	require.NoError(t, st.SaveAssignment(context.Background(), schedule.RecurringAssignment{
		MemberID:      "m1",
		Weekday:       1,
		Slot:          1,
		Start:         schedule.NewClockTime(9, 0),
		End:           schedule.NewClockTime(10, 0),
		Active:        true,
		EffectiveFrom: schedule.NewDayDate(2026, time.January, 1),
	}))

	bl := billing.NewReconciler(st, schedule.NewResolver(st, nil), schedule.NewBus(), billing.DefaultTierRates())
	bl.Clock = func() time.Time { return testNow }

	s := api.NewBillingScheduler(bl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Clock = func() time.Time { return testNow }
	s.CheckInterval = time.Hour
	return s, st
}

func TestBillingScheduler_ReconcilesCurrentMonthOnStart(t *testing.T) {
	// Stop waits for the worker, so the startup reconciliation has
	// landed by the time it returns. March 10 is before the generate
	// day; only the current month gets a row.

	s, st := newScheduler(t)
	s.Start()
	s.Stop()

	march := schedule.YearMonth{Year: 2026, Month: time.March}
	inv, err := st.GetInvoice(context.Background(), "m1", march)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, 5, inv.ClassesBilled)

	next, err := st.GetInvoice(context.Background(), "m1", march.Next())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestBillingScheduler_GenerateDayAddsNextMonth(t *testing.T) {
	s, st := newScheduler(t)
	s.Clock = func() time.Time { return time.Date(2026, time.March, 26, 8, 0, 0, 0, time.UTC) }
	s.Start()
	s.Stop()

	march := schedule.YearMonth{Year: 2026, Month: time.March}
	next, err := st.GetInvoice(context.Background(), "m1", march.Next())
	require.NoError(t, err)
	require.NotNil(t, next)
}

func TestBillingScheduler_StopTwiceIsSafe(t *testing.T) {
	s, _ := newScheduler(t)
	s.Start()
	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
}

func TestBillingScheduler_DisabledNeverRuns(t *testing.T) {
	s, st := newScheduler(t)
	s.Enabled = false
	s.Start()
	assert.NotPanics(t, func() { s.Stop() })

	march := schedule.YearMonth{Year: 2026, Month: time.March}
	inv, err := st.GetInvoice(context.Background(), "m1", march)
	require.NoError(t, err)
	assert.Nil(t, inv)
}