package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexclub/schedule-engine/billing"
	"github.com/flexclub/schedule-engine/schedule"
	memstore "github.com/flexclub/schedule-engine/schedule/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================
// Frozen clock inside March 2026. A March invoice bills the March baseline
// adjusted by February activity; March 2026 has 5 Mondays, February 4.

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func march() schedule.YearMonth { return schedule.YearMonth{Year: 2026, Month: time.March} }

func febKey(d, startHour int) schedule.SlotKey {
	return schedule.SlotKey{
		Date:  schedule.NewDayDate(2026, time.February, d),
		Start: schedule.NewClockTime(startHour, 0),
		End:   schedule.NewClockTime(startHour+1, 0),
	}
}

func newReconciler(st *memstore.Memory) *billing.Reconciler {
	r := billing.NewReconciler(st, schedule.NewResolver(st, nil), schedule.NewBus(), billing.DefaultTierRates())
	r.Clock = func() time.Time { return testNow }
	return r
}

// mondayMember joins January 1 with a tier-1 Monday 09:00 pattern, giving a
// March baseline of 5 classes.
func mondayMember(t *testing.T, st *memstore.Memory, id schedule.MemberID) {
	t.Helper()
	require.NoError(t, st.SaveMember(context.Background(), schedule.Member{
		ID:          id,
		Name:        "Member " + string(id),
		JoinDate:    schedule.NewDayDate(2026, time.January, 1),
		PackageTier: 1,
		Active:      true,
	}))
	require.NoError(t, st.SaveAssignment(context.Background(), schedule.RecurringAssignment{
		MemberID:      id,
		Weekday:       1,
		Slot:          1,
		Start:         schedule.NewClockTime(9, 0),
		End:           schedule.NewClockTime(10, 0),
		Active:        true,
		EffectiveFrom: schedule.NewDayDate(2026, time.January, 1),
	}))
}

func seedCancellation(t *testing.T, st *memstore.Memory, id schedule.MemberID, key schedule.SlotKey, source schedule.CancellationSource) {
	t.Helper()
	require.NoError(t, st.AppendCancellation(context.Background(), schedule.CancellationRecord{
		ID:       schedule.CancellationID(fmt.Sprintf("c-%s-%s", id, key)),
		MemberID: id,
		Key:      key,
		Source:   source,
		Active:   true,
	}))
}

func seedBooking(t *testing.T, st *memstore.Memory, id schedule.MemberID, key schedule.SlotKey, status schedule.BookingStatus) {
	t.Helper()
	require.NoError(t, st.InsertBookingIfSeatAvailable(context.Background(), schedule.VariableBooking{
		ID:       schedule.BookingID(fmt.Sprintf("b-%s-%s", id, key)),
		MemberID: id,
		Key:      key,
		Status:   status,
		Origin:   key,
	}))
}

func eq(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

// =============================================================================
// GENERATION TESTS
// =============================================================================

func TestGenerate_DeferredAdjustmentMath(t *testing.T) {
	// GIVEN: a March baseline of 5, one February cancellation and one
	// February vacancy booking
	// THEN: classesBilled = 5 + 1 - 1 = 5, amounts at the tier-1 rate

	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	seedCancellation(t, st, "m1", febKey(9, 9), schedule.SourceMember)
	seedCancellation(t, st, "other", febKey(11, 11), schedule.SourceMember) // opens the seat
	seedBooking(t, st, "m1", febKey(11, 11), schedule.BookingConfirmed)

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.Equal(t, 5, inv.ClassesBilled)
	eq(t, 12000, inv.UnitPrice)
	eq(t, 60000, inv.Gross)
	eq(t, 60000, inv.Net)
	assert.Equal(t, schedule.PaymentPending, inv.PaymentState)
	assert.Equal(t, 1, inv.Adjustment.CancellationCount)
	eq(t, 12000, inv.Adjustment.CancellationAmount)
	assert.Equal(t, 1, inv.Adjustment.BookingCount)
	eq(t, 12000, inv.Adjustment.BookingAmount)
	assert.False(t, inv.Estimate)
}

func TestGenerate_ThreeDayPatternAdjustment(t *testing.T) {
	// GIVEN: a tier-3 member on Wednesdays, Thursdays and Fridays; March
	// 2026 has four of each, so the baseline is 12. Two February
	// cancellations and one February vacancy booking.
	// THEN: classesBilled = 12 - 2 + 1 = 11 at the tier-3 rate of 10000

	ctx := context.Background()
	st := memstore.NewMemory()
	require.NoError(t, st.SaveMember(ctx, schedule.Member{
		ID:          "m1",
		Name:        "Member m1",
		JoinDate:    schedule.NewDayDate(2026, time.January, 1),
		PackageTier: 3,
		Active:      true,
	}))
	for _, weekday := range []int{3, 4, 5} {
		require.NoError(t, st.SaveAssignment(ctx, schedule.RecurringAssignment{
			MemberID:      "m1",
			Weekday:       weekday,
			Slot:          1,
			Start:         schedule.NewClockTime(9, 0),
			End:           schedule.NewClockTime(10, 0),
			Active:        true,
			EffectiveFrom: schedule.NewDayDate(2026, time.January, 1),
		}))
	}

	seedCancellation(t, st, "m1", febKey(4, 9), schedule.SourceMember) // Wednesday
	seedCancellation(t, st, "m1", febKey(5, 9), schedule.SourceMember) // Thursday
	seedCancellation(t, st, "other", febKey(10, 11), schedule.SourceMember)
	seedBooking(t, st, "m1", febKey(10, 11), schedule.BookingConfirmed)

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.Equal(t, 11, inv.ClassesBilled)
	eq(t, 10000, inv.UnitPrice)
	eq(t, 110000, inv.Gross)
	assert.Equal(t, 2, inv.Adjustment.CancellationCount)
	assert.Equal(t, 1, inv.Adjustment.BookingCount)
}

func TestGenerate_ForwardCancellationBucketsByOccurrenceMonth(t *testing.T) {
	// GIVEN: a cancellation made in February for a March occurrence
	// THEN: it adjusts April's invoice, following the occurrence's month
	// rather than the record's creation time; March's baseline already
	// carries the cancelled class, so April is where it nets out

	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	require.NoError(t, st.AppendCancellation(ctx, schedule.CancellationRecord{
		ID:       "c-forward",
		MemberID: "m1",
		Key: schedule.SlotKey{
			Date:  schedule.NewDayDate(2026, time.March, 23),
			Start: schedule.NewClockTime(9, 0),
			End:   schedule.NewClockTime(10, 0),
		},
		Source:    schedule.SourceMember,
		Active:    true,
		CreatedAt: schedule.NewDayDate(2026, time.February, 10),
	}))

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, 5, invoices[0].ClassesBilled)
	assert.Zero(t, invoices[0].Adjustment.CancellationCount)

	april, err := r.GenerateOrUpdate(ctx, march().Next())
	require.NoError(t, err)
	require.Len(t, april, 1)
	assert.Equal(t, 1, april[0].Adjustment.CancellationCount)
}

func TestGenerate_CurrentMonthActivityDoesNotCount(t *testing.T) {
	// A cancellation recorded during March moves the April invoice, never
	// the March one.

	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	marchKey := schedule.SlotKey{
		Date:  schedule.NewDayDate(2026, time.March, 23),
		Start: schedule.NewClockTime(9, 0),
		End:   schedule.NewClockTime(10, 0),
	}
	seedCancellation(t, st, "m1", marchKey, schedule.SourceMember)

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	// The cancelled occurrence stays in the March baseline; it bills
	// through April's adjustment instead.
	assert.Equal(t, 5, invoices[0].ClassesBilled)
	assert.Zero(t, invoices[0].Adjustment.CancellationCount)

	april, err := r.GenerateOrUpdate(ctx, march().Next())
	require.NoError(t, err)
	require.Len(t, april, 1)
	assert.Equal(t, 1, april[0].Adjustment.CancellationCount)
}

func TestGenerate_SystemCancellationsExcluded(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	seedCancellation(t, st, "m1", febKey(9, 9), schedule.SourceMember)
	seedCancellation(t, st, "m1", febKey(16, 9), schedule.SourceSystem)

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	assert.Equal(t, 1, invoices[0].Adjustment.CancellationCount)
	assert.Equal(t, 4, invoices[0].ClassesBilled)
}

func TestGenerate_AdminCancellationCountsLikeMembers(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	seedCancellation(t, st, "m1", febKey(9, 9), schedule.SourceAdmin)

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	assert.Equal(t, 1, invoices[0].Adjustment.CancellationCount)
	assert.Equal(t, 4, invoices[0].ClassesBilled)
}

func TestGenerate_WithdrawnBookingNetsToZero(t *testing.T) {
	// GIVEN: a February booking that was withdrawn in February; the
	// withdrawal wrote the member's cancellation at the same key
	// THEN: +1 booking and -1 cancellation cancel out

	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	key := febKey(11, 11)
	seedCancellation(t, st, "other", key, schedule.SourceMember)
	seedBooking(t, st, "m1", key, schedule.BookingWithdrawn)
	seedCancellation(t, st, "m1", key, schedule.SourceMember)

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	assert.Equal(t, 5, invoices[0].ClassesBilled)
	assert.Equal(t, 1, invoices[0].Adjustment.BookingCount)
	assert.Equal(t, 1, invoices[0].Adjustment.CancellationCount)
}

func TestGenerate_ClampsAtZero(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	// More February cancellations than the March baseline can absorb.
	for d := 2; d <= 27; d += 4 {
		seedCancellation(t, st, "m1", febKey(d, 9), schedule.SourceMember)
	}

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	assert.Zero(t, invoices[0].ClassesBilled)
	eq(t, 0, invoices[0].Gross)
	eq(t, 0, invoices[0].Net)
}

func TestGenerate_SkipsUnbillableMembers(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	// Joins after March ends.
	require.NoError(t, st.SaveMember(ctx, schedule.Member{
		ID: "m2", Name: "April joiner",
		JoinDate: schedule.NewDayDate(2026, time.April, 6), PackageTier: 1, Active: true,
	}))
	// Deactivated from March 1.
	cutoff := schedule.NewDayDate(2026, time.March, 1)
	require.NoError(t, st.SaveMember(ctx, schedule.Member{
		ID: "m3", Name: "Former member",
		JoinDate:    schedule.NewDayDate(2026, time.January, 1),
		PackageTier: 1, Active: true, DeactivatedFrom: &cutoff,
	}))

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, schedule.MemberID("m1"), invoices[0].Member)
}

func TestGenerate_RateOverrideWinsOverTier(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	override := decimal.NewFromInt(8000)
	m, err := st.GetMember(ctx, "m1")
	require.NoError(t, err)
	m.RateOverride = &override
	require.NoError(t, st.SaveMember(ctx, *m))

	r := newReconciler(st)
	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)

	eq(t, 8000, invoices[0].UnitPrice)
	eq(t, 40000, invoices[0].Gross)
}

// =============================================================================
// IDEMPOTENCE TESTS
// =============================================================================

func TestGenerate_RerunKeepsRowStable(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	r := newReconciler(st)
	first, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)

	second, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].ClassesBilled, second[0].ClassesBilled)
}

func TestGenerate_RerunPicksUpNewActivity(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")

	r := newReconciler(st)
	first, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	assert.Equal(t, 5, first[0].ClassesBilled)

	seedCancellation(t, st, "m1", febKey(9, 9), schedule.SourceMember)

	second, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	assert.Equal(t, 4, second[0].ClassesBilled)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestGenerate_DiscountSurvivesRerun(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	_, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)

	_, err = r.SetDiscount(ctx, "m1", march(), decimal.NewFromInt(10))
	require.NoError(t, err)

	invoices, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	eq(t, 10, invoices[0].DiscountPct)
	eq(t, 60000, invoices[0].Gross)
	eq(t, 54000, invoices[0].Net)
}

// =============================================================================
// OPERATOR OVERRIDE TESTS
// =============================================================================

func TestSetDiscount_MaterializesMissingRow(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	inv, err := r.SetDiscount(ctx, "m1", march(), decimal.NewFromInt(25))
	require.NoError(t, err)
	eq(t, 25, inv.DiscountPct)
	eq(t, 45000, inv.Net)

	stored, err := st.GetInvoice(ctx, "m1", march())
	require.NoError(t, err)
	require.NotNil(t, stored)
	eq(t, 25, stored.DiscountPct)
}

func TestSetDiscount_OutOfRange(t *testing.T) {
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	_, err := r.SetDiscount(context.Background(), "m1", march(), decimal.NewFromInt(101))
	assert.Error(t, err)

	_, err = r.SetDiscount(context.Background(), "m1", march(), decimal.NewFromInt(-1))
	assert.Error(t, err)
}

func TestSetPaymentState_CurrentMonthRedirectsToNext(t *testing.T) {
	// GIVEN: the clock sits inside March
	// WHEN: the operator marks "March" paid
	// THEN: the write lands on April's row; March's settled invoice is
	// left alone

	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	_, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)

	inv, err := r.SetPaymentState(ctx, "m1", march(), schedule.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, march().Next(), inv.Period)
	assert.Equal(t, schedule.PaymentPaid, inv.PaymentState)

	current, err := st.GetInvoice(ctx, "m1", march())
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, schedule.PaymentPending, current.PaymentState)
}

func TestSetPaymentState_PastMonthWritesDirectly(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	feb := schedule.YearMonth{Year: 2026, Month: time.February}
	inv, err := r.SetPaymentState(ctx, "m1", feb, schedule.PaymentOverdue)
	require.NoError(t, err)
	assert.Equal(t, feb, inv.Period)
	assert.Equal(t, schedule.PaymentOverdue, inv.PaymentState)
}

func TestSetPaymentState_UnknownState(t *testing.T) {
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	_, err := r.SetPaymentState(context.Background(), "m1", march(), "settled")
	assert.Error(t, err)
}

func TestSetDiscount_UnknownMember(t *testing.T) {
	r := newReconciler(memstore.NewMemory())
	_, err := r.SetDiscount(context.Background(), "ghost", march(), decimal.NewFromInt(5))
	assert.ErrorIs(t, err, schedule.ErrMemberNotFound)
}

// =============================================================================
// ESTIMATE TESTS
// =============================================================================

func TestInvoiceOrEstimate_FallsBackToProjection(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	inv, err := r.InvoiceOrEstimate(ctx, "m1", march())
	require.NoError(t, err)
	assert.True(t, inv.Estimate)
	assert.Equal(t, 5, inv.ClassesBilled)

	// Projections are never written back.
	stored, err := st.GetInvoice(ctx, "m1", march())
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestInvoiceOrEstimate_PrefersStoredRow(t *testing.T) {
	ctx := context.Background()
	st := memstore.NewMemory()
	mondayMember(t, st, "m1")
	r := newReconciler(st)

	generated, err := r.GenerateOrUpdate(ctx, march())
	require.NoError(t, err)

	inv, err := r.InvoiceOrEstimate(ctx, "m1", march())
	require.NoError(t, err)
	assert.False(t, inv.Estimate)
	assert.Equal(t, generated[0].ID, inv.ID)
}

func TestInvoiceOrEstimate_UnknownMember(t *testing.T) {
	r := newReconciler(memstore.NewMemory())
	_, err := r.InvoiceOrEstimate(context.Background(), "ghost", march())
	assert.ErrorIs(t, err, schedule.ErrMemberNotFound)
}
