/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMATS:
  Dates are "2006-01-02", clock times "15:04", months "2006-01".
  Money travels as decimal strings, never floats.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"

	"github.com/flexclub/schedule-engine/booking"
	"github.com/flexclub/schedule-engine/schedule"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// MemberDTO represents a member in API responses.
type MemberDTO struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	JoinDate        string  `json:"join_date"`
	PackageTier     int     `json:"package_tier"`
	RateOverride    *string `json:"rate_override,omitempty"`
	Active          bool    `json:"active"`
	DeactivatedFrom *string `json:"deactivated_from,omitempty"`
}

// SlotRequest is one weekday of a weekly pattern.
type SlotRequest struct {
	Weekday int    `json:"weekday"` // 1 (Monday) - 5 (Friday)
	Slot    int    `json:"slot"`    // class hour number within the day
	Start   string `json:"start"`   // "15:04"
	End     string `json:"end"`
}

// CreateMemberRequest onboards a member with their full weekly pattern.
// The number of pattern weekdays must equal the package tier.
type CreateMemberRequest struct {
	ID           string        `json:"id,omitempty"` // generated when empty
	Name         string        `json:"name"`
	JoinDate     string        `json:"join_date"`
	PackageTier  int           `json:"package_tier"`
	RateOverride *string       `json:"rate_override,omitempty"`
	Pattern      []SlotRequest `json:"pattern"`
}

// AssignmentDTO represents one weekday of a member's pattern.
type AssignmentDTO struct {
	Weekday       int    `json:"weekday"`
	Slot          int    `json:"slot"`
	Start         string `json:"start"`
	End           string `json:"end"`
	Active        bool   `json:"active"`
	EffectiveFrom string `json:"effective_from"`
}

// OccurrenceDTO is one resolved class instance.
type OccurrenceDTO struct {
	Date         string `json:"date"`
	Start        string `json:"start"`
	End          string `json:"end"`
	Slot         int    `json:"slot,omitempty"`
	Status       string `json:"status"`
	CancelSource string `json:"cancel_source,omitempty"`
}

// SlotKeyRequest identifies one occurrence in cancel/book/withdraw calls.
type SlotKeyRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// CancellationDTO is the record returned after a cancel or withdraw.
type CancellationDTO struct {
	ID     string `json:"id"`
	Member string `json:"member_id"`
	Date   string `json:"date"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Source string `json:"source"`
	Late   bool   `json:"late"`
}

// BookingDTO is the booking returned after claiming a vacancy.
type BookingDTO struct {
	ID     string `json:"id"`
	Member string `json:"member_id"`
	Date   string `json:"date"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Status string `json:"status"`
}

// VacancyDTO is one open slot on the vacancy board.
type VacancyDTO struct {
	Date      string `json:"date"`
	Start     string `json:"start"`
	End       string `json:"end"`
	OpenSeats int    `json:"open_seats"`
}

// DeclareAbsenceRequest declares an operator blackout.
type DeclareAbsenceRequest struct {
	Kind         string `json:"kind"` // "single" or "range"
	Start        string `json:"start"`
	End          string `json:"end,omitempty"` // range kind only
	BlockedSlots []int  `json:"blocked_slots,omitempty"`
	Reason       string `json:"reason,omitempty"`
	SubStart     string `json:"substitute_start,omitempty"`
	SubEnd       string `json:"substitute_end,omitempty"`
}

// AbsenceDTO represents a blackout in API responses.
type AbsenceDTO struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Start        string `json:"start"`
	End          string `json:"end"`
	BlockedSlots []int  `json:"blocked_slots,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Active       bool   `json:"active"`
	SubStart     string `json:"substitute_start,omitempty"`
	SubEnd       string `json:"substitute_end,omitempty"`
}

// InvoiceDTO represents one monthly invoice. Amounts are decimal strings.
type InvoiceDTO struct {
	ID            string        `json:"id,omitempty"`
	Member        string        `json:"member_id"`
	Period        string        `json:"period"` // "2006-01"
	ClassesBilled int           `json:"classes_billed"`
	UnitPrice     string        `json:"unit_price"`
	DiscountPct   string        `json:"discount_pct"`
	Gross         string        `json:"gross"`
	Net           string        `json:"net"`
	PaymentState  string        `json:"payment_state"`
	Adjustment    AdjustmentDTO `json:"adjustment"`
	Estimate      bool          `json:"estimate,omitempty"`
}

// AdjustmentDTO is the deferred-adjustment breakdown on an invoice.
type AdjustmentDTO struct {
	CancellationCount  int    `json:"cancellation_count"`
	CancellationAmount string `json:"cancellation_amount"`
	BookingCount       int    `json:"booking_count"`
	BookingAmount      string `json:"booking_amount"`
}

// DiscountRequest sets a percentage discount on one invoice.
type DiscountRequest struct {
	DiscountPct string `json:"discount_pct"`
}

// PaymentStateRequest sets the payment state on one invoice.
type PaymentStateRequest struct {
	State string `json:"state"` // pending, paid, overdue
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toMemberDTO(m schedule.Member) MemberDTO {
	dto := MemberDTO{
		ID:          string(m.ID),
		Name:        m.Name,
		JoinDate:    m.JoinDate.String(),
		PackageTier: m.PackageTier,
		Active:      m.Active,
	}
	if m.RateOverride != nil {
		s := m.RateOverride.String()
		dto.RateOverride = &s
	}
	if m.DeactivatedFrom != nil {
		s := m.DeactivatedFrom.String()
		dto.DeactivatedFrom = &s
	}
	return dto
}

func toAssignmentDTO(a schedule.RecurringAssignment) AssignmentDTO {
	return AssignmentDTO{
		Weekday:       a.Weekday,
		Slot:          a.Slot,
		Start:         a.Start.String(),
		End:           a.End.String(),
		Active:        a.Active,
		EffectiveFrom: a.EffectiveFrom.String(),
	}
}

func toOccurrenceDTO(o schedule.Occurrence) OccurrenceDTO {
	return OccurrenceDTO{
		Date:         o.Key.Date.String(),
		Start:        o.Key.Start.String(),
		End:          o.Key.End.String(),
		Slot:         o.Slot,
		Status:       string(o.Status),
		CancelSource: string(o.CancelSource),
	}
}

func toCancellationDTO(rec schedule.CancellationRecord) CancellationDTO {
	return CancellationDTO{
		ID:     string(rec.ID),
		Member: string(rec.MemberID),
		Date:   rec.Key.Date.String(),
		Start:  rec.Key.Start.String(),
		End:    rec.Key.End.String(),
		Source: string(rec.Source),
		Late:   rec.Late,
	}
}

func toBookingDTO(b schedule.VariableBooking) BookingDTO {
	return BookingDTO{
		ID:     string(b.ID),
		Member: string(b.MemberID),
		Date:   b.Key.Date.String(),
		Start:  b.Key.Start.String(),
		End:    b.Key.End.String(),
		Status: string(b.Status),
	}
}

func toVacancyDTO(v booking.Vacancy) VacancyDTO {
	return VacancyDTO{
		Date:      v.Key.Date.String(),
		Start:     v.Key.Start.String(),
		End:       v.Key.End.String(),
		OpenSeats: v.OpenSeats,
	}
}

func toAbsenceDTO(ab schedule.AdminAbsence) AbsenceDTO {
	dto := AbsenceDTO{
		ID:           string(ab.ID),
		Kind:         string(ab.Kind),
		Start:        ab.Start.String(),
		End:          ab.End.String(),
		BlockedSlots: ab.BlockedSlots,
		Reason:       ab.Reason,
		Active:       ab.Active,
	}
	if ab.Substitute != nil {
		dto.SubStart = ab.Substitute.Start.String()
		dto.SubEnd = ab.Substitute.End.String()
	}
	return dto
}

func toInvoiceDTO(inv schedule.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:            string(inv.ID),
		Member:        string(inv.Member),
		Period:        inv.Period.String(),
		ClassesBilled: inv.ClassesBilled,
		UnitPrice:     inv.UnitPrice.String(),
		DiscountPct:   inv.DiscountPct.String(),
		Gross:         inv.Gross.String(),
		Net:           inv.Net.String(),
		PaymentState:  string(inv.PaymentState),
		Adjustment: AdjustmentDTO{
			CancellationCount:  inv.Adjustment.CancellationCount,
			CancellationAmount: inv.Adjustment.CancellationAmount.String(),
			BookingCount:       inv.Adjustment.BookingCount,
			BookingAmount:      inv.Adjustment.BookingAmount.String(),
		},
		Estimate: inv.Estimate,
	}
}

// parseSlotKey turns the wire triple into a SlotKey.
func parseSlotKey(req SlotKeyRequest) (schedule.SlotKey, error) {
	date, err := schedule.ParseDayDate(req.Date)
	if err != nil {
		return schedule.SlotKey{}, err
	}
	start, err := schedule.ParseClockTime(req.Start)
	if err != nil {
		return schedule.SlotKey{}, err
	}
	end, err := schedule.ParseClockTime(req.End)
	if err != nil {
		return schedule.SlotKey{}, err
	}
	if end <= start {
		return schedule.SlotKey{}, fmt.Errorf("slot ends %s before it starts %s", req.End, req.Start)
	}
	return schedule.SlotKey{Date: date, Start: start, End: end}, nil
}
