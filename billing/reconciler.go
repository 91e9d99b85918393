/*
Package billing implements the monthly invoice reconciler.

PURPOSE:
  Produces one prepaid Invoice per member per calendar month and keeps it
  consistent under re-runs.

THE DEFERRED-ADJUSTMENT RULE:
  Billing is prepaid: by the time month M starts, the member has already
  paid for it. So the invoice for M bills the member's baseline recurring
  pattern for M, adjusted by the cancellations and vacancy bookings
  recorded during M-1 - never by anything happening during M itself:

    classesBilled(M) = baseline(M) + bookings(M-1) - cancellations(M-1)

  clamped at zero. Absence-blocked days are excluded from the baseline at
  resolution time, and system-source cancellations never count: a
  blackout is not a member action. A booking made and withdrawn inside
  the same month contributes +1 and -1 and nets to nothing.

OPERATOR OVERRIDES:
  Discount and payment state target the literally selected period and are
  exempt from the lag - except that a payment-state write against the
  CURRENT month redirects to next month's row, because the current
  month's invoice is settled at issuance and the only open invoice is
  the upcoming one.

MISSING ROWS:
  When no stored invoice exists for a period, InvoiceOrEstimate computes
  a live projection from the resolver, flagged as an estimate and never
  persisted.

SEE ALSO:
  - schedule/resolver.go: the baseline count
  - booking/engine.go: the logs this reconciler reads
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flexclub/schedule-engine/schedule"
)

var hundred = decimal.NewFromInt(100)

// =============================================================================
// RECONCILER
// =============================================================================

// Reconciler is the only writer of the invoice table.
type Reconciler struct {
	Store    schedule.TxStore
	Resolver *schedule.Resolver
	Bus      *schedule.Bus
	Rates    TierRates
	Clock    func() time.Time
}

func NewReconciler(store schedule.TxStore, resolver *schedule.Resolver, bus *schedule.Bus, rates TierRates) *Reconciler {
	return &Reconciler{Store: store, Resolver: resolver, Bus: bus, Rates: rates, Clock: time.Now}
}

// GenerateOrUpdate upserts the invoice of every billable member for the
// period. Safe to invoke repeatedly: unchanged inputs leave stored rows
// untouched, and operator-set discount and payment state survive re-runs.
func (r *Reconciler) GenerateOrUpdate(ctx context.Context, ym schedule.YearMonth) ([]schedule.Invoice, error) {
	var (
		invoices []schedule.Invoice
		changed  []schedule.MemberID
	)

	err := r.Store.WithTx(ctx, func(s schedule.Store) error {
		invoices = invoices[:0]
		changed = changed[:0]

		members, err := s.ListMembers(ctx)
		if err != nil {
			return err
		}
		for _, m := range members {
			if !m.BillableIn(ym) {
				continue
			}
			inv, existing, err := r.buildInvoice(ctx, s, m, ym)
			if err != nil {
				return fmt.Errorf("member %s: %w", m.ID, err)
			}
			if existing == nil || !invoiceEqual(inv, *existing) {
				if err := s.UpsertInvoice(ctx, inv); err != nil {
					return err
				}
				changed = append(changed, m.ID)
			}
			invoices = append(invoices, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range changed {
		r.Bus.Publish(schedule.Event{Kind: schedule.EventInvoiceChanged, MemberID: id})
	}
	return invoices, nil
}

// buildInvoice computes the invoice for one member and period, carrying
// over operator-set fields and the stored unit price where applicable.
func (r *Reconciler) buildInvoice(ctx context.Context, s schedule.Store, m schedule.Member, ym schedule.YearMonth) (schedule.Invoice, *schedule.Invoice, error) {
	baseline, err := r.Resolver.Baseline(ctx, s, m.ID, ym)
	if err != nil {
		return schedule.Invoice{}, nil, err
	}

	prev := ym.Prev()
	cancellations, err := s.CancellationsForMember(ctx, m.ID, prev.First(), prev.Last())
	if err != nil {
		return schedule.Invoice{}, nil, err
	}
	cancelCount := 0
	for _, rec := range cancellations {
		if rec.CountsForBilling() {
			cancelCount++
		}
	}

	// Withdrawn bookings stay counted here; their withdrawal wrote a
	// member cancellation record, so the pair nets to zero.
	bookings, err := s.BookingsForMember(ctx, m.ID, prev.First(), prev.Last())
	if err != nil {
		return schedule.Invoice{}, nil, err
	}
	bookingCount := len(bookings)

	classes := baseline + bookingCount - cancelCount
	if classes < 0 {
		classes = 0
	}

	existing, err := s.GetInvoice(ctx, m.ID, ym)
	if err != nil {
		return schedule.Invoice{}, nil, err
	}

	price := r.unitPrice(m, existing)

	inv := schedule.Invoice{
		ID:            schedule.InvoiceID(uuid.NewString()),
		Member:        m.ID,
		Period:        ym,
		ClassesBilled: classes,
		UnitPrice:     price,
		DiscountPct:   decimal.Zero,
		PaymentState:  schedule.PaymentPending,
		Adjustment: schedule.Adjustment{
			CancellationCount:  cancelCount,
			CancellationAmount: price.Mul(decimal.NewFromInt(int64(cancelCount))),
			BookingCount:       bookingCount,
			BookingAmount:      price.Mul(decimal.NewFromInt(int64(bookingCount))),
		},
	}
	if existing != nil {
		inv.ID = existing.ID
		inv.DiscountPct = existing.DiscountPct
		inv.PaymentState = existing.PaymentState
	}

	inv.Gross = price.Mul(decimal.NewFromInt(int64(classes)))
	inv.Net = applyDiscount(inv.Gross, inv.DiscountPct)
	return inv, existing, nil
}

// unitPrice resolves in order: the member's explicit override, the tier
// rate at generation time, then the price already stored on the row so
// historical invoices stay stable when tier pricing changes later.
func (r *Reconciler) unitPrice(m schedule.Member, existing *schedule.Invoice) decimal.Decimal {
	if m.RateOverride != nil {
		return *m.RateOverride
	}
	if rate, ok := r.Rates.For(m.PackageTier); ok {
		return rate
	}
	if existing != nil {
		return existing.UnitPrice
	}
	return decimal.Zero
}

func applyDiscount(gross, pct decimal.Decimal) decimal.Decimal {
	return gross.Mul(hundred.Sub(pct)).Div(hundred)
}

// =============================================================================
// OPERATOR OVERRIDES
// =============================================================================

// SetDiscount sets the discount percentage on the literally selected
// period, materializing the row first when none exists.
func (r *Reconciler) SetDiscount(ctx context.Context, id schedule.MemberID, ym schedule.YearMonth, pct decimal.Decimal) (schedule.Invoice, error) {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return schedule.Invoice{}, fmt.Errorf("discount %s%% out of range [0, 100]", pct)
	}

	var inv schedule.Invoice
	err := r.Store.WithTx(ctx, func(s schedule.Store) error {
		var err error
		inv, err = r.materialize(ctx, s, id, ym)
		if err != nil {
			return err
		}
		inv.DiscountPct = pct
		inv.Net = applyDiscount(inv.Gross, pct)
		return s.UpsertInvoice(ctx, inv)
	})
	if err != nil {
		return schedule.Invoice{}, err
	}

	r.Bus.Publish(schedule.Event{Kind: schedule.EventInvoiceChanged, MemberID: id})
	return inv, nil
}

// SetPaymentState sets the payment state. A write against the current
// month is redirected to next month's row: the current month's invoice is
// already settled, and the only open invoice is the upcoming one.
func (r *Reconciler) SetPaymentState(ctx context.Context, id schedule.MemberID, ym schedule.YearMonth, state schedule.PaymentState) (schedule.Invoice, error) {
	switch state {
	case schedule.PaymentPending, schedule.PaymentPaid, schedule.PaymentOverdue:
	default:
		return schedule.Invoice{}, fmt.Errorf("unknown payment state %q", state)
	}

	target := ym
	if ym == schedule.YearMonthOf(r.Clock()) {
		target = ym.Next()
	}

	var inv schedule.Invoice
	err := r.Store.WithTx(ctx, func(s schedule.Store) error {
		var err error
		inv, err = r.materialize(ctx, s, id, target)
		if err != nil {
			return err
		}
		inv.PaymentState = state
		return s.UpsertInvoice(ctx, inv)
	})
	if err != nil {
		return schedule.Invoice{}, err
	}

	r.Bus.Publish(schedule.Event{Kind: schedule.EventInvoiceChanged, MemberID: id})
	return inv, nil
}

// materialize returns the stored invoice for the period, generating one
// when missing so operator edits always have a row to land on.
func (r *Reconciler) materialize(ctx context.Context, s schedule.Store, id schedule.MemberID, ym schedule.YearMonth) (schedule.Invoice, error) {
	member, err := s.GetMember(ctx, id)
	if err != nil {
		return schedule.Invoice{}, err
	}
	if member == nil {
		return schedule.Invoice{}, schedule.ErrMemberNotFound
	}
	inv, _, err := r.buildInvoice(ctx, s, *member, ym)
	return inv, err
}

// =============================================================================
// ESTIMATE FALLBACK
// =============================================================================

// InvoiceOrEstimate returns the stored invoice for the period, or a
// live-computed projection flagged as an estimate when no row exists.
// Estimates are never persisted and never authoritative.
func (r *Reconciler) InvoiceOrEstimate(ctx context.Context, id schedule.MemberID, ym schedule.YearMonth) (schedule.Invoice, error) {
	stored, err := r.Store.GetInvoice(ctx, id, ym)
	if err != nil {
		return schedule.Invoice{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	member, err := r.Store.GetMember(ctx, id)
	if err != nil {
		return schedule.Invoice{}, err
	}
	if member == nil {
		return schedule.Invoice{}, schedule.ErrMemberNotFound
	}

	inv, _, err := r.buildInvoice(ctx, r.Store, *member, ym)
	if err != nil {
		return schedule.Invoice{}, err
	}
	inv.Estimate = true
	return inv, nil
}

// =============================================================================
// EQUALITY - re-run idempotence
// =============================================================================

func invoiceEqual(a, b schedule.Invoice) bool {
	return a.Member == b.Member &&
		a.Period == b.Period &&
		a.ClassesBilled == b.ClassesBilled &&
		a.UnitPrice.Equal(b.UnitPrice) &&
		a.DiscountPct.Equal(b.DiscountPct) &&
		a.Gross.Equal(b.Gross) &&
		a.Net.Equal(b.Net) &&
		a.PaymentState == b.PaymentState &&
		a.Adjustment.CancellationCount == b.Adjustment.CancellationCount &&
		a.Adjustment.BookingCount == b.Adjustment.BookingCount
}
