package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexclub/schedule-engine/schedule"
	"github.com/flexclub/schedule-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func day(d int) schedule.DayDate {
	return schedule.NewDayDate(2026, time.March, d)
}

func keyAt(d, startHour int) schedule.SlotKey {
	return schedule.SlotKey{
		Date:  day(d),
		Start: schedule.NewClockTime(startHour, 0),
		End:   schedule.NewClockTime(startHour+1, 0),
	}
}

func cancellation(id, member string, key schedule.SlotKey, source schedule.CancellationSource) schedule.CancellationRecord {
	return schedule.CancellationRecord{
		ID:        schedule.CancellationID(id),
		MemberID:  schedule.MemberID(member),
		Key:       key,
		Source:    source,
		Active:    true,
		CreatedAt: day(1),
	}
}

func booking(id, member string, key schedule.SlotKey) schedule.VariableBooking {
	return schedule.VariableBooking{
		ID:        schedule.BookingID(id),
		MemberID:  schedule.MemberID(member),
		Key:       key,
		Status:    schedule.BookingConfirmed,
		Origin:    key,
		CreatedAt: day(1),
	}
}

// =============================================================================
// MEMBER TESTS
// =============================================================================

func TestMember_Roundtrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	override := decimal.NewFromInt(8500)
	cutoff := schedule.NewDayDate(2026, time.June, 1)
	m := schedule.Member{
		ID:              "m1",
		Name:            "Anna",
		JoinDate:        schedule.NewDayDate(2026, time.January, 15),
		PackageTier:     3,
		RateOverride:    &override,
		Active:          true,
		DeactivatedFrom: &cutoff,
	}
	require.NoError(t, st.SaveMember(ctx, m))

	got, err := st.GetMember(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.JoinDate, got.JoinDate)
	assert.Equal(t, 3, got.PackageTier)
	require.NotNil(t, got.RateOverride)
	assert.True(t, got.RateOverride.Equal(override))
	require.NotNil(t, got.DeactivatedFrom)
	assert.Equal(t, cutoff, *got.DeactivatedFrom)
}

func TestMember_NullableFieldsStayNil(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.SaveMember(ctx, schedule.Member{
		ID: "m1", Name: "Bruno", JoinDate: day(1), PackageTier: 1, Active: true,
	}))

	got, err := st.GetMember(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.RateOverride)
	assert.Nil(t, got.DeactivatedFrom)
}

func TestMember_MissingReturnsNil(t *testing.T) {
	got, err := newStore(t).GetMember(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMember_SaveTwiceUpdates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	m := schedule.Member{ID: "m1", Name: "Anna", JoinDate: day(1), PackageTier: 1, Active: true}
	require.NoError(t, st.SaveMember(ctx, m))

	m.PackageTier = 2
	require.NoError(t, st.SaveMember(ctx, m))

	members, err := st.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, 2, members[0].PackageTier)
}

// =============================================================================
// ASSIGNMENT TESTS
// =============================================================================

func TestAssignment_UpsertReplacesWeekdayRow(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	a := schedule.RecurringAssignment{
		MemberID: "m1", Weekday: 1, Slot: 1,
		Start: schedule.NewClockTime(9, 0), End: schedule.NewClockTime(10, 0),
		Active: true, EffectiveFrom: day(1),
	}
	require.NoError(t, st.SaveAssignment(ctx, a))

	a.Slot = 2
	a.Start = schedule.NewClockTime(10, 0)
	a.End = schedule.NewClockTime(11, 0)
	require.NoError(t, st.SaveAssignment(ctx, a))

	got, err := st.GetAssignments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Slot)
	assert.Equal(t, schedule.NewClockTime(10, 0), got[0].Start)
}

func TestAssignment_OrderedByWeekday(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	for _, wd := range []int{5, 1, 3} {
		require.NoError(t, st.SaveAssignment(ctx, schedule.RecurringAssignment{
			MemberID: "m1", Weekday: wd, Slot: 1,
			Start: schedule.NewClockTime(9, 0), End: schedule.NewClockTime(10, 0),
			Active: true, EffectiveFrom: day(1),
		}))
	}

	got, err := st.GetAssignments(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Weekday)
	assert.Equal(t, 3, got[1].Weekday)
	assert.Equal(t, 5, got[2].Weekday)
}

// =============================================================================
// ABSENCE TESTS
// =============================================================================

func TestAbsence_RoundtripWithSlotsAndSubstitute(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	ab := schedule.AdminAbsence{
		ID:           "ab1",
		Kind:         schedule.AbsenceSingle,
		Start:        day(16),
		End:          day(16),
		BlockedSlots: []int{1, 3},
		Reason:       "trainer away",
		Active:       true,
		Substitute: &schedule.Window{
			Start: schedule.NewClockTime(18, 0),
			End:   schedule.NewClockTime(19, 0),
		},
	}
	require.NoError(t, st.SaveAbsence(ctx, ab))

	got, err := st.GetAbsence(ctx, "ab1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ab.Kind, got.Kind)
	assert.Equal(t, []int{1, 3}, got.BlockedSlots)
	assert.Equal(t, "trainer away", got.Reason)
	require.NotNil(t, got.Substitute)
	assert.Equal(t, schedule.NewClockTime(18, 0), got.Substitute.Start)
}

func TestAbsence_RangeWithoutExtras(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.SaveAbsence(ctx, schedule.AdminAbsence{
		ID: "ab1", Kind: schedule.AbsenceRange, Start: day(16), End: day(20), Active: true,
	}))

	got, err := st.GetAbsence(ctx, "ab1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.BlockedSlots)
	assert.Nil(t, got.Substitute)
	assert.Equal(t, day(20), got.End)
}

// =============================================================================
// CANCELLATION LOG TESTS
// =============================================================================

func TestCancellation_DuplicateKeyRejected(t *testing.T) {
	// The unique index is the double-cancel guard: the second append for
	// the same (member, key) fails no matter the record ID.

	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.AppendCancellation(ctx, cancellation("c1", "m1", keyAt(16, 9), schedule.SourceMember)))

	err := st.AppendCancellation(ctx, cancellation("c2", "m1", keyAt(16, 9), schedule.SourceAdmin))
	assert.ErrorIs(t, err, schedule.ErrAlreadyCancelled)

	// A different member at the same key is fine.
	assert.NoError(t, st.AppendCancellation(ctx, cancellation("c3", "m2", keyAt(16, 9), schedule.SourceMember)))
}

func TestCancellation_RangeQueries(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.AppendCancellation(ctx, cancellation("c1", "m1", keyAt(9, 9), schedule.SourceMember)))
	require.NoError(t, st.AppendCancellation(ctx, cancellation("c2", "m1", keyAt(23, 9), schedule.SourceMember)))
	require.NoError(t, st.AppendCancellation(ctx, cancellation("c3", "m2", keyAt(16, 11), schedule.SourceMember)))

	recs, err := st.CancellationsForMember(ctx, "m1", day(1), day(15))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schedule.CancellationID("c1"), recs[0].ID)

	recs, err = st.CancellationsInRange(ctx, day(1), day(31))
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	recs, err = st.CancellationsForKey(ctx, keyAt(16, 11))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schedule.MemberID("m2"), recs[0].MemberID)
}

func TestDeactivateByAbsence_TouchesOnlySystemRecords(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	sys := cancellation("c1", "m1", keyAt(16, 9), schedule.SourceSystem)
	sys.AbsenceID = "ab1"
	require.NoError(t, st.AppendCancellation(ctx, sys))
	require.NoError(t, st.AppendCancellation(ctx, cancellation("c2", "m1", keyAt(23, 9), schedule.SourceMember)))

	require.NoError(t, st.DeactivateByAbsence(ctx, "ab1"))

	recs, err := st.CancellationsForMember(ctx, "m1", day(1), day(31))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		if rec.ID == "c1" {
			assert.False(t, rec.Active)
		} else {
			assert.True(t, rec.Active)
		}
	}
}

// =============================================================================
// BOOKING LOG TESTS
// =============================================================================

func TestBooking_NoSeatMeansSlotFull(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	err := st.InsertBookingIfSeatAvailable(ctx, booking("b1", "m2", keyAt(16, 9)))
	assert.ErrorIs(t, err, schedule.ErrSlotFull)

	var full *schedule.SlotFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, keyAt(16, 9), full.Key)
}

func TestBooking_OneSeatOneWinner(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.AppendCancellation(ctx, cancellation("c1", "m1", keyAt(16, 9), schedule.SourceMember)))

	require.NoError(t, st.InsertBookingIfSeatAvailable(ctx, booking("b1", "m2", keyAt(16, 9))))

	err := st.InsertBookingIfSeatAvailable(ctx, booking("b2", "m3", keyAt(16, 9)))
	assert.ErrorIs(t, err, schedule.ErrSlotFull)
}

func TestBooking_SelfDuplicateBeatsSeatCheck(t *testing.T) {
	// With two open seats the conditional insert alone would let the
	// member double-book; the self-duplicate check answers first.

	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.AppendCancellation(ctx, cancellation("c1", "m1", keyAt(16, 9), schedule.SourceMember)))
	require.NoError(t, st.AppendCancellation(ctx, cancellation("c2", "m2", keyAt(16, 9), schedule.SourceMember)))

	require.NoError(t, st.InsertBookingIfSeatAvailable(ctx, booking("b1", "m3", keyAt(16, 9))))

	err := st.InsertBookingIfSeatAvailable(ctx, booking("b2", "m3", keyAt(16, 9)))
	assert.ErrorIs(t, err, schedule.ErrAlreadyBookedBySelf)
}

func TestBooking_WithdrawFlipsStatusAndReopensSeat(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.AppendCancellation(ctx, cancellation("c1", "m1", keyAt(16, 9), schedule.SourceMember)))
	require.NoError(t, st.InsertBookingIfSeatAvailable(ctx, booking("b1", "m2", keyAt(16, 9))))

	require.NoError(t, st.WithdrawBooking(ctx, "m2", keyAt(16, 9)))

	got, err := st.ConfirmedBooking(ctx, "m2", keyAt(16, 9))
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := st.BookingsForKey(ctx, keyAt(16, 9))
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, schedule.BookingWithdrawn, all[0].Status)

	// The withdrawal's own cancellation record rebalances the count; a
	// third member then gets the reopened seat.
	require.NoError(t, st.AppendCancellation(ctx, cancellation("c2", "m2", keyAt(16, 9), schedule.SourceMember)))
	assert.NoError(t, st.InsertBookingIfSeatAvailable(ctx, booking("b2", "m3", keyAt(16, 9))))
}

func TestBooking_WithdrawWithoutConfirmedRow(t *testing.T) {
	err := newStore(t).WithdrawBooking(context.Background(), "m1", keyAt(16, 9))
	assert.ErrorIs(t, err, schedule.ErrOccurrenceNotCancellable)
}

// =============================================================================
// INVOICE TESTS
// =============================================================================

func invoiceFixture(member string, ym schedule.YearMonth) schedule.Invoice {
	price := decimal.NewFromInt(12000)
	return schedule.Invoice{
		ID:            "inv1",
		Member:        schedule.MemberID(member),
		Period:        ym,
		ClassesBilled: 5,
		UnitPrice:     price,
		DiscountPct:   decimal.NewFromInt(10),
		Gross:         decimal.NewFromInt(60000),
		Net:           decimal.NewFromInt(54000),
		PaymentState:  schedule.PaymentPending,
		Adjustment: schedule.Adjustment{
			CancellationCount:  1,
			CancellationAmount: price,
			BookingCount:       2,
			BookingAmount:      price.Mul(decimal.NewFromInt(2)),
		},
	}
}

func TestInvoice_Roundtrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ym := schedule.YearMonth{Year: 2026, Month: time.March}

	inv := invoiceFixture("m1", ym)
	require.NoError(t, st.UpsertInvoice(ctx, inv))

	got, err := st.GetInvoice(ctx, "m1", ym)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, ym, got.Period)
	assert.Equal(t, 5, got.ClassesBilled)
	assert.True(t, got.Net.Equal(inv.Net))
	assert.Equal(t, 2, got.Adjustment.BookingCount)
	assert.True(t, got.Adjustment.BookingAmount.Equal(inv.Adjustment.BookingAmount))
	assert.False(t, got.Estimate)
}

func TestInvoice_UpsertKeepsOriginalID(t *testing.T) {
	// Re-running generation builds a fresh candidate ID; the conflict
	// clause updates everything but the row identity.

	ctx := context.Background()
	st := newStore(t)
	ym := schedule.YearMonth{Year: 2026, Month: time.March}

	require.NoError(t, st.UpsertInvoice(ctx, invoiceFixture("m1", ym)))

	updated := invoiceFixture("m1", ym)
	updated.ID = "inv2"
	updated.ClassesBilled = 4
	require.NoError(t, st.UpsertInvoice(ctx, updated))

	got, err := st.GetInvoice(ctx, "m1", ym)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schedule.InvoiceID("inv1"), got.ID)
	assert.Equal(t, 4, got.ClassesBilled)
}

func TestInvoice_EstimatesNeverPersisted(t *testing.T) {
	inv := invoiceFixture("m1", schedule.YearMonth{Year: 2026, Month: time.March})
	inv.Estimate = true
	err := newStore(t).UpsertInvoice(context.Background(), inv)
	assert.Error(t, err)
}

func TestInvoice_ListByPeriod(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	march := schedule.YearMonth{Year: 2026, Month: time.March}
	april := schedule.YearMonth{Year: 2026, Month: time.April}

	a := invoiceFixture("m1", march)
	b := invoiceFixture("m2", march)
	b.ID = "inv2"
	c := invoiceFixture("m1", april)
	c.ID = "inv3"
	for _, inv := range []schedule.Invoice{a, b, c} {
		require.NoError(t, st.UpsertInvoice(ctx, inv))
	}

	got, err := st.ListInvoices(ctx, march)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, schedule.MemberID("m1"), got[0].Member)
	assert.Equal(t, schedule.MemberID("m2"), got[1].Member)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	err := st.WithTx(ctx, func(s schedule.Store) error {
		if err := s.SaveMember(ctx, schedule.Member{
			ID: "m1", Name: "Anna", JoinDate: day(1), PackageTier: 1, Active: true,
		}); err != nil {
			return err
		}
		return s.AppendCancellation(ctx, cancellation("c1", "m1", keyAt(16, 9), schedule.SourceMember))
	})
	require.NoError(t, err)

	got, err := st.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(s schedule.Store) error {
		if err := s.SaveMember(ctx, schedule.Member{
			ID: "m1", Name: "Anna", JoinDate: day(1), PackageTier: 1, Active: true,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
