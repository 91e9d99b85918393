/*
handlers.go - HTTP API handlers for the scheduling engine

PURPOSE:
  Exposes the scheduling engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Members:
    GET    /api/members                    List all members
    POST   /api/members                    Onboard member + weekly pattern
    GET    /api/members/{id}               Get member with pattern
    POST   /api/members/{id}/deactivate    Deactivate from next month

  Schedule:
    GET    /api/members/{id}/occurrences   Resolved month (?month=2006-01)
    POST   /api/members/{id}/cancellations Cancel an occurrence
    POST   /api/members/{id}/bookings      Claim a vacancy seat
    POST   /api/members/{id}/bookings/withdraw  Withdraw a claimed seat
    GET    /api/vacancies                  Vacancy board (?month=)

  Absences:
    GET    /api/absences                   List blackouts
    POST   /api/absences                   Declare a blackout
    DELETE /api/absences/{id}              Revoke (soft)

  Billing:
    POST   /api/invoices/generate          Reconcile a month (?month=)
    GET    /api/invoices                   Stored invoices (?month=)
    GET    /api/members/{id}/invoice       Invoice or estimate (?month=)
    PUT    /api/members/{id}/invoice/discount       Set discount
    PUT    /api/members/{id}/invoice/payment-state  Set payment state

  Admin:
    POST   /api/admin/members/{id}/cancellations  Cancel on behalf

ERROR HANDLING:
  Domain errors map onto HTTP status via the shared taxonomy:
  - 400: validation errors, bad input, not-cancellable occurrences
  - 404: missing member/absence
  - 409: lost races - double cancel, full slot, duplicate booking
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flexclub/schedule-engine/billing"
	"github.com/flexclub/schedule-engine/booking"
	"github.com/flexclub/schedule-engine/schedule"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    schedule.TxStore
	Resolver *schedule.Resolver
	Registry *schedule.Registry
	Booking  *booking.Engine
	Billing  *billing.Reconciler
	Bus      *schedule.Bus
	Metrics  *Metrics
	Log      *slog.Logger
	Clock    func() time.Time
}

// NewHandler creates a handler wired to the given engines.
func NewHandler(store schedule.TxStore, resolver *schedule.Resolver, registry *schedule.Registry, bk *booking.Engine, bl *billing.Reconciler, bus *schedule.Bus, metrics *Metrics, log *slog.Logger) *Handler {
	return &Handler{
		Store:    store,
		Resolver: resolver,
		Registry: registry,
		Booking:  bk,
		Billing:  bl,
		Bus:      bus,
		Metrics:  metrics,
		Log:      log,
		Clock:    time.Now,
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list members", err)
		return
	}

	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMember returns one member with their weekly pattern.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))

	member, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get member", err)
		return
	}
	if member == nil {
		writeError(w, http.StatusNotFound, "Member not found", nil)
		return
	}

	assignments, err := h.Store.GetAssignments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get assignments", err)
		return
	}
	patternDTOs := make([]AssignmentDTO, 0, len(assignments))
	for _, a := range assignments {
		patternDTOs = append(patternDTOs, toAssignmentDTO(a))
	}

	writeJSON(w, http.StatusOK, struct {
		MemberDTO
		Pattern []AssignmentDTO `json:"pattern"`
	}{toMemberDTO(*member), patternDTOs})
}

// CreateMember onboards a member together with their weekly pattern. The
// number of distinct pattern weekdays must equal the package tier; member
// and pattern land in one transaction or not at all.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}
	if req.PackageTier < 1 || req.PackageTier > 5 {
		writeError(w, http.StatusBadRequest, "Package tier must be 1-5", nil)
		return
	}
	joinDate, err := schedule.ParseDayDate(req.JoinDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid join date", err)
		return
	}

	id := schedule.MemberID(req.ID)
	if id == "" {
		id = schedule.MemberID(uuid.NewString())
	}

	member := schedule.Member{
		ID:          id,
		Name:        req.Name,
		JoinDate:    joinDate,
		PackageTier: req.PackageTier,
		Active:      true,
	}
	if req.RateOverride != nil {
		rate, err := decimal.NewFromString(*req.RateOverride)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rate override", err)
			return
		}
		member.RateOverride = &rate
	}

	assignments, err := buildPattern(id, joinDate, req.PackageTier, req.Pattern)
	if err != nil {
		h.writeDomainError(w, "Invalid weekly pattern", err)
		return
	}

	err = h.Store.WithTx(r.Context(), func(s schedule.Store) error {
		if existing, err := s.GetMember(r.Context(), id); err != nil {
			return err
		} else if existing != nil {
			return schedule.ErrConcurrencyConflict
		}
		if err := s.SaveMember(r.Context(), member); err != nil {
			return err
		}
		for _, a := range assignments {
			if err := s.SaveAssignment(r.Context(), a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create member", err)
		return
	}

	h.Bus.Publish(schedule.Event{Kind: schedule.EventAssignmentChanged, MemberID: id})
	h.Log.Info("member onboarded", "member", id, "tier", req.PackageTier)
	writeJSON(w, http.StatusCreated, toMemberDTO(member))
}

// buildPattern validates and converts the requested weekly pattern. The
// weekday count must match the tier exactly; weekdays must be unique and
// within Monday-Friday.
func buildPattern(id schedule.MemberID, joinDate schedule.DayDate, tier int, pattern []SlotRequest) ([]schedule.RecurringAssignment, error) {
	if len(pattern) != tier {
		return nil, &schedule.PackageSelectionError{MemberID: id, Tier: tier, Chosen: len(pattern)}
	}

	seen := make(map[int]bool, len(pattern))
	assignments := make([]schedule.RecurringAssignment, 0, len(pattern))
	for _, p := range pattern {
		if p.Weekday < 1 || p.Weekday > 5 || seen[p.Weekday] {
			return nil, &schedule.PackageSelectionError{MemberID: id, Tier: tier, Chosen: len(pattern)}
		}
		seen[p.Weekday] = true

		start, err := schedule.ParseClockTime(p.Start)
		if err != nil {
			return nil, err
		}
		end, err := schedule.ParseClockTime(p.End)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, schedule.RecurringAssignment{
			MemberID:      id,
			Weekday:       p.Weekday,
			Slot:          p.Slot,
			Start:         start,
			End:           end,
			Active:        true,
			EffectiveFrom: joinDate,
		})
	}
	return assignments, nil
}

// DeactivateMember schedules the member's deactivation for the first of
// next month. Until then the account stays fully usable.
func (h *Handler) DeactivateMember(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))
	cutoff := schedule.FirstOfNextMonth(schedule.DayOf(h.Clock()))

	var member schedule.Member
	err := h.Store.WithTx(r.Context(), func(s schedule.Store) error {
		m, err := s.GetMember(r.Context(), id)
		if err != nil {
			return err
		}
		if m == nil {
			return schedule.ErrMemberNotFound
		}
		m.DeactivatedFrom = &cutoff
		member = *m
		return s.SaveMember(r.Context(), *m)
	})
	if err != nil {
		h.writeDomainError(w, "Failed to deactivate member", err)
		return
	}

	h.Bus.Publish(schedule.Event{Kind: schedule.EventAssignmentChanged, MemberID: id})
	h.Log.Info("member deactivation scheduled", "member", id, "from", cutoff)
	writeJSON(w, http.StatusOK, toMemberDTO(member))
}

// =============================================================================
// SCHEDULE HANDLERS
// =============================================================================

// GetOccurrences returns the member's resolved schedule for a month.
func (h *Handler) GetOccurrences(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	occs, err := h.Resolver.Resolve(r.Context(), id, ym)
	if err != nil {
		h.writeDomainError(w, "Failed to resolve schedule", err)
		return
	}

	dtos := make([]OccurrenceDTO, len(occs))
	for i, o := range occs {
		dtos[i] = toOccurrenceDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Cancel cancels one of the member's occurrences.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.Booking.Cancel)
}

// AdminCancel cancels an occurrence on the member's behalf.
func (h *Handler) AdminCancel(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, h.Booking.AdminCancel)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (schedule.CancellationRecord, error)) {
	id := schedule.MemberID(chi.URLParam(r, "id"))

	var req SlotKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key, err := parseSlotKey(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slot key", err)
		return
	}

	rec, err := fn(r.Context(), id, key)
	if err != nil {
		h.writeDomainError(w, "Cancellation failed", err)
		return
	}

	h.Metrics.Cancellations.WithLabelValues(string(rec.Source)).Inc()
	h.Log.Info("occurrence cancelled", "member", id, "key", key.String(), "source", rec.Source, "late", rec.Late)
	writeJSON(w, http.StatusCreated, toCancellationDTO(rec))
}

// Book claims an open vacancy seat for the member.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))

	var req SlotKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key, err := parseSlotKey(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slot key", err)
		return
	}

	bk, err := h.Booking.BookVacancy(r.Context(), id, key)
	if err != nil {
		if errors.Is(err, schedule.ErrSlotFull) {
			h.Metrics.SlotFullRejects.Inc()
		}
		h.writeDomainError(w, "Booking failed", err)
		return
	}

	h.Metrics.Bookings.Inc()
	h.Log.Info("vacancy booked", "member", id, "key", key.String())
	writeJSON(w, http.StatusCreated, toBookingDTO(bk))
}

// Withdraw cancels the member's confirmed vacancy booking, reopening the
// seat.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))

	var req SlotKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	key, err := parseSlotKey(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slot key", err)
		return
	}

	rec, err := h.Booking.WithdrawBooking(r.Context(), id, key)
	if err != nil {
		h.writeDomainError(w, "Withdrawal failed", err)
		return
	}

	h.Metrics.Cancellations.WithLabelValues(string(rec.Source)).Inc()
	h.Log.Info("booking withdrawn", "member", id, "key", key.String())
	writeJSON(w, http.StatusCreated, toCancellationDTO(rec))
}

// Vacancies returns the month's vacancy board.
func (h *Handler) Vacancies(w http.ResponseWriter, r *http.Request) {
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	board, err := h.Booking.VacancyBoard(r.Context(), ym)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list vacancies", err)
		return
	}

	dtos := make([]VacancyDTO, len(board))
	for i, v := range board {
		dtos[i] = toVacancyDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ABSENCE HANDLERS
// =============================================================================

// ListAbsences returns all blackouts, revoked included.
func (h *Handler) ListAbsences(w http.ResponseWriter, r *http.Request) {
	absences, err := h.Store.ListAbsences(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list absences", err)
		return
	}

	dtos := make([]AbsenceDTO, len(absences))
	for i, ab := range absences {
		dtos[i] = toAbsenceDTO(ab)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DeclareAbsence declares an operator blackout.
func (h *Handler) DeclareAbsence(w http.ResponseWriter, r *http.Request) {
	var req DeclareAbsenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := schedule.ParseDayDate(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start date", err)
		return
	}
	in := schedule.DeclareAbsence{
		Kind:         schedule.AbsenceKind(req.Kind),
		Start:        start,
		End:          start,
		BlockedSlots: req.BlockedSlots,
		Reason:       req.Reason,
	}
	if req.End != "" {
		if in.End, err = schedule.ParseDayDate(req.End); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end date", err)
			return
		}
	}
	if req.SubStart != "" || req.SubEnd != "" {
		subStart, err := schedule.ParseClockTime(req.SubStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid substitute start", err)
			return
		}
		subEnd, err := schedule.ParseClockTime(req.SubEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid substitute end", err)
			return
		}
		in.Substitute = &schedule.Window{Start: subStart, End: subEnd}
	}

	ab, err := h.Registry.Declare(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "Failed to declare absence", err)
		return
	}

	h.Log.Info("absence declared", "absence", ab.ID, "kind", ab.Kind, "start", ab.Start, "end", ab.End)
	writeJSON(w, http.StatusCreated, toAbsenceDTO(ab))
}

// RevokeAbsence soft-revokes a blackout and closes the seats it opened.
func (h *Handler) RevokeAbsence(w http.ResponseWriter, r *http.Request) {
	id := schedule.AbsenceID(chi.URLParam(r, "id"))

	if err := h.Registry.Revoke(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to revoke absence", err)
		return
	}

	h.Log.Info("absence revoked", "absence", id)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// GenerateInvoices runs reconciliation for a month.
func (h *Handler) GenerateInvoices(w http.ResponseWriter, r *http.Request) {
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	invoices, err := h.Billing.GenerateOrUpdate(r.Context(), ym)
	if err != nil {
		h.writeDomainError(w, "Reconciliation failed", err)
		return
	}

	h.Metrics.InvoicesGenerated.Add(float64(len(invoices)))
	h.Log.Info("invoices generated", "period", ym.String(), "count", len(invoices))

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListInvoices returns the stored invoices for a month.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	invoices, err := h.Store.ListInvoices(r.Context(), ym)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns the member's invoice for a month, or a live estimate
// when no row is stored yet.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	inv, err := h.Billing.InvoiceOrEstimate(r.Context(), id, ym)
	if err != nil {
		h.writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// SetDiscount sets the discount percentage on the member's invoice.
func (h *Handler) SetDiscount(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	var req DiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pct, err := decimal.NewFromString(req.DiscountPct)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid discount percentage", err)
		return
	}

	inv, err := h.Billing.SetDiscount(r.Context(), id, ym, pct)
	if err != nil {
		h.writeDomainError(w, "Failed to set discount", err)
		return
	}

	h.Log.Info("discount set", "member", id, "period", ym.String(), "pct", pct.String())
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// SetPaymentState sets the payment state on the member's invoice. Writes
// against the current month land on next month's row.
func (h *Handler) SetPaymentState(w http.ResponseWriter, r *http.Request) {
	id := schedule.MemberID(chi.URLParam(r, "id"))
	ym, err := h.monthParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	var req PaymentStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Billing.SetPaymentState(r.Context(), id, ym, schedule.PaymentState(req.State))
	if err != nil {
		h.writeDomainError(w, "Failed to set payment state", err)
		return
	}

	h.Log.Info("payment state set", "member", id, "period", inv.Period.String(), "state", req.State)
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// monthParam reads ?month=2006-01, defaulting to the current month.
func (h *Handler) monthParam(r *http.Request) (schedule.YearMonth, error) {
	raw := r.URL.Query().Get("month")
	if raw == "" {
		return schedule.YearMonthOf(h.Clock()), nil
	}
	return schedule.ParseYearMonth(raw)
}

// writeDomainError maps domain errors onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case schedule.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case schedule.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case schedule.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
