// Package store provides an in-memory schedule.Store implementation for
// tests and development. The SQLite store under store/sqlite is the
// production implementation.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/flexclub/schedule-engine/schedule"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements schedule.TxStore with mutex-guarded maps. WithTx is
// simulated with a snapshot and rollback-on-error, which makes the
// seat-check-then-insert primitive trivially atomic in one process.
type Memory struct {
	mu sync.RWMutex

	members       map[schedule.MemberID]schedule.Member
	assignments   map[schedule.MemberID][]schedule.RecurringAssignment
	absences      map[schedule.AbsenceID]schedule.AdminAbsence
	cancellations []schedule.CancellationRecord
	bookings      []schedule.VariableBooking
	invoices      map[invoiceKey]schedule.Invoice
}

type invoiceKey struct {
	Member schedule.MemberID
	Period schedule.YearMonth
}

func NewMemory() *Memory {
	return &Memory{
		members:     make(map[schedule.MemberID]schedule.Member),
		assignments: make(map[schedule.MemberID][]schedule.RecurringAssignment),
		absences:    make(map[schedule.AbsenceID]schedule.AdminAbsence),
		invoices:    make(map[invoiceKey]schedule.Invoice),
	}
}

// =============================================================================
// MEMBERS
// =============================================================================

func (m *Memory) SaveMember(_ context.Context, mem schedule.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveMemberLocked(mem)
}

func (m *Memory) saveMemberLocked(mem schedule.Member) error {
	m.members[mem.ID] = mem
	return nil
}

func (m *Memory) GetMember(_ context.Context, id schedule.MemberID) (*schedule.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMemberLocked(id)
}

func (m *Memory) getMemberLocked(id schedule.MemberID) (*schedule.Member, error) {
	mem, ok := m.members[id]
	if !ok {
		return nil, nil
	}
	return &mem, nil
}

func (m *Memory) ListMembers(_ context.Context) ([]schedule.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listMembersLocked()
}

func (m *Memory) listMembersLocked() ([]schedule.Member, error) {
	out := make([]schedule.Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func (m *Memory) SaveAssignment(_ context.Context, a schedule.RecurringAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAssignmentLocked(a)
}

func (m *Memory) saveAssignmentLocked(a schedule.RecurringAssignment) error {
	rows := m.assignments[a.MemberID]
	for i, existing := range rows {
		if existing.Weekday == a.Weekday {
			rows[i] = a
			return nil
		}
	}
	m.assignments[a.MemberID] = append(rows, a)
	return nil
}

func (m *Memory) GetAssignments(_ context.Context, id schedule.MemberID) ([]schedule.RecurringAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAssignmentsLocked(id)
}

func (m *Memory) getAssignmentsLocked(id schedule.MemberID) ([]schedule.RecurringAssignment, error) {
	rows := m.assignments[id]
	out := make([]schedule.RecurringAssignment, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].Weekday < out[j].Weekday })
	return out, nil
}

// =============================================================================
// ABSENCES
// =============================================================================

func (m *Memory) SaveAbsence(_ context.Context, ab schedule.AdminAbsence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAbsenceLocked(ab)
}

func (m *Memory) saveAbsenceLocked(ab schedule.AdminAbsence) error {
	m.absences[ab.ID] = ab
	return nil
}

func (m *Memory) GetAbsence(_ context.Context, id schedule.AbsenceID) (*schedule.AdminAbsence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAbsenceLocked(id)
}

func (m *Memory) getAbsenceLocked(id schedule.AbsenceID) (*schedule.AdminAbsence, error) {
	ab, ok := m.absences[id]
	if !ok {
		return nil, nil
	}
	return &ab, nil
}

func (m *Memory) ListAbsences(_ context.Context) ([]schedule.AdminAbsence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAbsencesLocked()
}

func (m *Memory) listAbsencesLocked() ([]schedule.AdminAbsence, error) {
	out := make([]schedule.AdminAbsence, 0, len(m.absences))
	for _, ab := range m.absences {
		out = append(out, ab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// =============================================================================
// CANCELLATION LOG
// =============================================================================

func (m *Memory) AppendCancellation(_ context.Context, rec schedule.CancellationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCancellationLocked(rec)
}

func (m *Memory) appendCancellationLocked(rec schedule.CancellationRecord) error {
	for _, existing := range m.cancellations {
		if existing.MemberID == rec.MemberID && existing.Key == rec.Key {
			return &schedule.AlreadyCancelledError{Key: rec.Key, ExistingID: existing.ID}
		}
	}
	m.cancellations = append(m.cancellations, rec)
	return nil
}

func (m *Memory) CancellationForOccurrence(_ context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.CancellationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancellationForOccurrenceLocked(id, key)
}

func (m *Memory) cancellationForOccurrenceLocked(id schedule.MemberID, key schedule.SlotKey) (*schedule.CancellationRecord, error) {
	for i := range m.cancellations {
		if m.cancellations[i].MemberID == id && m.cancellations[i].Key == key {
			rec := m.cancellations[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (m *Memory) CancellationsForMember(_ context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancellationsForMemberLocked(id, from, to)
}

func (m *Memory) cancellationsForMemberLocked(id schedule.MemberID, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	var out []schedule.CancellationRecord
	for _, rec := range m.cancellations {
		if rec.MemberID == id && rec.Key.Date.AfterOrEqual(from) && rec.Key.Date.BeforeOrEqual(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) CancellationsForKey(_ context.Context, key schedule.SlotKey) ([]schedule.CancellationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancellationsForKeyLocked(key)
}

func (m *Memory) cancellationsForKeyLocked(key schedule.SlotKey) ([]schedule.CancellationRecord, error) {
	var out []schedule.CancellationRecord
	for _, rec := range m.cancellations {
		if rec.Key == key {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) CancellationsInRange(_ context.Context, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancellationsInRangeLocked(from, to)
}

func (m *Memory) cancellationsInRangeLocked(from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	var out []schedule.CancellationRecord
	for _, rec := range m.cancellations {
		if rec.Key.Date.AfterOrEqual(from) && rec.Key.Date.BeforeOrEqual(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) DeactivateByAbsence(_ context.Context, id schedule.AbsenceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivateByAbsenceLocked(id)
}

func (m *Memory) deactivateByAbsenceLocked(id schedule.AbsenceID) error {
	for i := range m.cancellations {
		if m.cancellations[i].AbsenceID == id && m.cancellations[i].Source == schedule.SourceSystem {
			m.cancellations[i].Active = false
		}
	}
	return nil
}

// =============================================================================
// BOOKING LOG
// =============================================================================

func (m *Memory) InsertBookingIfSeatAvailable(_ context.Context, b schedule.VariableBooking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertBookingLocked(b)
}

func (m *Memory) insertBookingLocked(b schedule.VariableBooking) error {
	seats := 0
	for _, rec := range m.cancellations {
		if rec.Key == b.Key && rec.Active {
			seats++
		}
	}
	for _, existing := range m.bookings {
		if existing.Key != b.Key {
			continue
		}
		if existing.MemberID == b.MemberID && existing.Status == schedule.BookingConfirmed {
			return schedule.ErrAlreadyBookedBySelf
		}
		seats--
	}
	if seats <= 0 {
		return &schedule.SlotFullError{Key: b.Key}
	}
	m.bookings = append(m.bookings, b)
	return nil
}

func (m *Memory) WithdrawBooking(_ context.Context, id schedule.MemberID, key schedule.SlotKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.withdrawBookingLocked(id, key)
}

func (m *Memory) withdrawBookingLocked(id schedule.MemberID, key schedule.SlotKey) error {
	for i := range m.bookings {
		if m.bookings[i].MemberID == id && m.bookings[i].Key == key && m.bookings[i].Status == schedule.BookingConfirmed {
			m.bookings[i].Status = schedule.BookingWithdrawn
			return nil
		}
	}
	return &schedule.NotCancellableError{Key: key, Reason: "no-occurrence"}
}

func (m *Memory) ConfirmedBooking(_ context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.VariableBooking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.confirmedBookingLocked(id, key)
}

func (m *Memory) confirmedBookingLocked(id schedule.MemberID, key schedule.SlotKey) (*schedule.VariableBooking, error) {
	for i := range m.bookings {
		if m.bookings[i].MemberID == id && m.bookings[i].Key == key && m.bookings[i].Status == schedule.BookingConfirmed {
			b := m.bookings[i]
			return &b, nil
		}
	}
	return nil, nil
}

func (m *Memory) BookingsForMember(_ context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.VariableBooking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookingsForMemberLocked(id, from, to)
}

func (m *Memory) bookingsForMemberLocked(id schedule.MemberID, from, to schedule.DayDate) ([]schedule.VariableBooking, error) {
	var out []schedule.VariableBooking
	for _, b := range m.bookings {
		if b.MemberID == id && b.Key.Date.AfterOrEqual(from) && b.Key.Date.BeforeOrEqual(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) BookingsForKey(_ context.Context, key schedule.SlotKey) ([]schedule.VariableBooking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookingsForKeyLocked(key)
}

func (m *Memory) bookingsForKeyLocked(key schedule.SlotKey) ([]schedule.VariableBooking, error) {
	var out []schedule.VariableBooking
	for _, b := range m.bookings {
		if b.Key == key {
			out = append(out, b)
		}
	}
	return out, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) UpsertInvoice(_ context.Context, inv schedule.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertInvoiceLocked(inv)
}

func (m *Memory) upsertInvoiceLocked(inv schedule.Invoice) error {
	m.invoices[invoiceKey{Member: inv.Member, Period: inv.Period}] = inv
	return nil
}

func (m *Memory) GetInvoice(_ context.Context, id schedule.MemberID, ym schedule.YearMonth) (*schedule.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInvoiceLocked(id, ym)
}

func (m *Memory) getInvoiceLocked(id schedule.MemberID, ym schedule.YearMonth) (*schedule.Invoice, error) {
	inv, ok := m.invoices[invoiceKey{Member: id, Period: ym}]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (m *Memory) ListInvoices(_ context.Context, ym schedule.YearMonth) ([]schedule.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listInvoicesLocked(ym)
}

func (m *Memory) listInvoicesLocked(ym schedule.YearMonth) ([]schedule.Invoice, error) {
	var out []schedule.Invoice
	for k, inv := range m.invoices {
		if k.Period == ym {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return out, nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback
// =============================================================================

// WithTx executes fn against a view of the store while holding the write
// lock. On error the pre-transaction snapshot is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(schedule.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	members       map[schedule.MemberID]schedule.Member
	assignments   map[schedule.MemberID][]schedule.RecurringAssignment
	absences      map[schedule.AbsenceID]schedule.AdminAbsence
	cancellations []schedule.CancellationRecord
	bookings      []schedule.VariableBooking
	invoices      map[invoiceKey]schedule.Invoice
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		members:       make(map[schedule.MemberID]schedule.Member, len(m.members)),
		assignments:   make(map[schedule.MemberID][]schedule.RecurringAssignment, len(m.assignments)),
		absences:      make(map[schedule.AbsenceID]schedule.AdminAbsence, len(m.absences)),
		cancellations: append([]schedule.CancellationRecord{}, m.cancellations...),
		bookings:      append([]schedule.VariableBooking{}, m.bookings...),
		invoices:      make(map[invoiceKey]schedule.Invoice, len(m.invoices)),
	}
	for k, v := range m.members {
		s.members[k] = v
	}
	for k, v := range m.assignments {
		s.assignments[k] = append([]schedule.RecurringAssignment{}, v...)
	}
	for k, v := range m.absences {
		s.absences[k] = v
	}
	for k, v := range m.invoices {
		s.invoices[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.members = s.members
	m.assignments = s.assignments
	m.absences = s.absences
	m.cancellations = s.cancellations
	m.bookings = s.bookings
	m.invoices = s.invoices
}

// txView calls the parent's unlocked methods; WithTx already holds the lock.
type txView struct {
	parent *Memory
}

func (v *txView) SaveMember(_ context.Context, mem schedule.Member) error {
	return v.parent.saveMemberLocked(mem)
}

func (v *txView) GetMember(_ context.Context, id schedule.MemberID) (*schedule.Member, error) {
	return v.parent.getMemberLocked(id)
}

func (v *txView) ListMembers(_ context.Context) ([]schedule.Member, error) {
	return v.parent.listMembersLocked()
}

func (v *txView) SaveAssignment(_ context.Context, a schedule.RecurringAssignment) error {
	return v.parent.saveAssignmentLocked(a)
}

func (v *txView) GetAssignments(_ context.Context, id schedule.MemberID) ([]schedule.RecurringAssignment, error) {
	return v.parent.getAssignmentsLocked(id)
}

func (v *txView) SaveAbsence(_ context.Context, ab schedule.AdminAbsence) error {
	return v.parent.saveAbsenceLocked(ab)
}

func (v *txView) GetAbsence(_ context.Context, id schedule.AbsenceID) (*schedule.AdminAbsence, error) {
	return v.parent.getAbsenceLocked(id)
}

func (v *txView) ListAbsences(_ context.Context) ([]schedule.AdminAbsence, error) {
	return v.parent.listAbsencesLocked()
}

func (v *txView) AppendCancellation(_ context.Context, rec schedule.CancellationRecord) error {
	return v.parent.appendCancellationLocked(rec)
}

func (v *txView) CancellationForOccurrence(_ context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.CancellationRecord, error) {
	return v.parent.cancellationForOccurrenceLocked(id, key)
}

func (v *txView) CancellationsForMember(_ context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	return v.parent.cancellationsForMemberLocked(id, from, to)
}

func (v *txView) CancellationsForKey(_ context.Context, key schedule.SlotKey) ([]schedule.CancellationRecord, error) {
	return v.parent.cancellationsForKeyLocked(key)
}

func (v *txView) CancellationsInRange(_ context.Context, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	return v.parent.cancellationsInRangeLocked(from, to)
}

func (v *txView) DeactivateByAbsence(_ context.Context, id schedule.AbsenceID) error {
	return v.parent.deactivateByAbsenceLocked(id)
}

func (v *txView) InsertBookingIfSeatAvailable(_ context.Context, b schedule.VariableBooking) error {
	return v.parent.insertBookingLocked(b)
}

func (v *txView) WithdrawBooking(_ context.Context, id schedule.MemberID, key schedule.SlotKey) error {
	return v.parent.withdrawBookingLocked(id, key)
}

func (v *txView) ConfirmedBooking(_ context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.VariableBooking, error) {
	return v.parent.confirmedBookingLocked(id, key)
}

func (v *txView) BookingsForMember(_ context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.VariableBooking, error) {
	return v.parent.bookingsForMemberLocked(id, from, to)
}

func (v *txView) BookingsForKey(_ context.Context, key schedule.SlotKey) ([]schedule.VariableBooking, error) {
	return v.parent.bookingsForKeyLocked(key)
}

func (v *txView) UpsertInvoice(_ context.Context, inv schedule.Invoice) error {
	return v.parent.upsertInvoiceLocked(inv)
}

func (v *txView) GetInvoice(_ context.Context, id schedule.MemberID, ym schedule.YearMonth) (*schedule.Invoice, error) {
	return v.parent.getInvoiceLocked(id, ym)
}

func (v *txView) ListInvoices(_ context.Context, ym schedule.YearMonth) ([]schedule.Invoice, error) {
	return v.parent.listInvoicesLocked(ym)
}
