/*
Package sqlite provides the SQLite-backed production store.

PURPOSE:
  Implements schedule.TxStore: roster, weekly assignments, absences, the
  cancellation log, the booking log and the invoice table. In production
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

CONSTRAINT-BACKED INVARIANTS:
  The two concurrency guards of the engine are database constraints, not
  application checks:
  - idx_unique_cancellation: one cancellation per (member, date, start,
    end). A violation surfaces as ErrAlreadyCancelled.
  - idx_unique_confirmed_booking: one CONFIRMED booking per (member,
    date, start, end), as a partial index so withdrawn rows stay in the
    log. A violation surfaces as ErrAlreadyBookedBySelf.

ATOMIC SEAT CLAIM:
  InsertBookingIfSeatAvailable is a single conditional INSERT ... SELECT
  whose WHERE clause computes the open-seat count (active cancellations
  minus all bookings at the key; a withdrawn booking pairs with the
  cancellation its withdrawal wrote). Zero rows affected means the
  vacancy was full at insert time. No check-then-act window exists.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

CONCURRENCY:
  A sync.RWMutex serializes access on top of SQLite's own locking; busy
  and locked driver errors map to ErrConcurrencyConflict, which callers
  retry once.

USAGE:
  store, err := sqlite.New("./data/flexclub.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - schedule/store.go: interface definitions and atomicity contract
  - schedule/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/flexclub/schedule-engine/schedule"
)

// Store implements schedule.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ schedule.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite allows a single writer anyway, and an
	// in-memory database is private per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Roster
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		join_date TEXT NOT NULL,
		package_tier INTEGER NOT NULL,
		rate_override TEXT,
		active INTEGER NOT NULL,
		deactivated_from TEXT
	);

	-- Weekly patterns: at most one assignment per (member, weekday)
	CREATE TABLE IF NOT EXISTS recurring_assignments (
		member_id TEXT NOT NULL,
		weekday INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		start_min INTEGER NOT NULL,
		end_min INTEGER NOT NULL,
		active INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		PRIMARY KEY (member_id, weekday)
	);

	-- Operator blackouts; revocation flips active, rows never go away
	CREATE TABLE IF NOT EXISTS admin_absences (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		blocked_slots_json TEXT,
		reason TEXT,
		active INTEGER NOT NULL,
		sub_start_min INTEGER,
		sub_end_min INTEGER
	);

	-- Cancellation log
	CREATE TABLE IF NOT EXISTS cancellations (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		date TEXT NOT NULL,
		start_min INTEGER NOT NULL,
		end_min INTEGER NOT NULL,
		source TEXT NOT NULL,
		late INTEGER NOT NULL,
		absence_id TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the double-cancel guard. One record per occurrence key.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_cancellation
		ON cancellations(member_id, date, start_min, end_min);

	CREATE INDEX IF NOT EXISTS idx_cancellations_key
		ON cancellations(date, start_min, end_min);
	CREATE INDEX IF NOT EXISTS idx_cancellations_absence
		ON cancellations(absence_id) WHERE absence_id != '';

	-- Booking log
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		date TEXT NOT NULL,
		start_min INTEGER NOT NULL,
		end_min INTEGER NOT NULL,
		status TEXT NOT NULL,
		origin_date TEXT NOT NULL,
		origin_start_min INTEGER NOT NULL,
		origin_end_min INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one confirmed booking per (member, key). Partial so a
	-- withdrawn row does not block re-booking the same vacancy.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_confirmed_booking
		ON bookings(member_id, date, start_min, end_min)
		WHERE status = 'confirmed';

	CREATE INDEX IF NOT EXISTS idx_bookings_key
		ON bookings(date, start_min, end_min, status);

	-- Invoices: one row per (member, year, month)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		classes_billed INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		discount_pct TEXT NOT NULL,
		gross TEXT NOT NULL,
		net TEXT NOT NULL,
		payment_state TEXT NOT NULL,
		adj_cancel_count INTEGER NOT NULL,
		adj_cancel_amount TEXT NOT NULL,
		adj_booking_count INTEGER NOT NULL,
		adj_booking_amount TEXT NOT NULL,
		UNIQUE (member_id, year, month)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIER + RUNNER - the same SQL serves s.db and an open transaction
// =============================================================================

// querier is the subset of *sql.DB and *sql.Tx the runner needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runner carries every SQL operation against a querier. Store methods
// wrap it around s.db under the mutex; WithTx wraps it around the open
// transaction.
type runner struct {
	q querier
}

var _ schedule.Store = runner{}

// WithTx executes fn within a single SQLite transaction. The Store's
// write lock is held for the duration, mirroring SQLite's single-writer
// model.
func (s *Store) WithTx(ctx context.Context, fn func(schedule.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}

	if err := fn(runner{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

// =============================================================================
// MEMBER STORE
// =============================================================================

func (s *Store) SaveMember(ctx context.Context, m schedule.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.SaveMember(ctx, m)
}

func (s *Store) GetMember(ctx context.Context, id schedule.MemberID) (*schedule.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.GetMember(ctx, id)
}

func (s *Store) ListMembers(ctx context.Context) ([]schedule.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.ListMembers(ctx)
}

func (r runner) SaveMember(ctx context.Context, m schedule.Member) error {
	query := `
		INSERT INTO members (id, name, join_date, package_tier, rate_override, active, deactivated_from)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			join_date = excluded.join_date,
			package_tier = excluded.package_tier,
			rate_override = excluded.rate_override,
			active = excluded.active,
			deactivated_from = excluded.deactivated_from
	`

	var override *string
	if m.RateOverride != nil {
		s := m.RateOverride.String()
		override = &s
	}
	var deactivated *string
	if m.DeactivatedFrom != nil {
		s := m.DeactivatedFrom.String()
		deactivated = &s
	}

	_, err := r.q.ExecContext(ctx, query,
		string(m.ID), m.Name, m.JoinDate.String(), m.PackageTier,
		override, m.Active, deactivated,
	)
	return mapSQLiteErr(err)
}

func (r runner) GetMember(ctx context.Context, id schedule.MemberID) (*schedule.Member, error) {
	query := `
		SELECT id, name, join_date, package_tier, rate_override, active, deactivated_from
		FROM members WHERE id = ?
	`
	m, err := scanMember(r.q.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r runner) ListMembers(ctx context.Context) ([]schedule.Member, error) {
	query := `
		SELECT id, name, join_date, package_tier, rate_override, active, deactivated_from
		FROM members ORDER BY id
	`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []schedule.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// scannable lets one scan helper serve *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanMember(row scannable) (schedule.Member, error) {
	var (
		m           schedule.Member
		id          string
		joinDate    string
		override    sql.NullString
		deactivated sql.NullString
	)
	if err := row.Scan(&id, &m.Name, &joinDate, &m.PackageTier, &override, &m.Active, &deactivated); err != nil {
		return schedule.Member{}, err
	}
	m.ID = schedule.MemberID(id)
	m.JoinDate = parseDay(joinDate)
	if override.Valid {
		d := parseDec(override.String)
		m.RateOverride = &d
	}
	if deactivated.Valid {
		d := parseDay(deactivated.String)
		m.DeactivatedFrom = &d
	}
	return m, nil
}

// =============================================================================
// ASSIGNMENT STORE
// =============================================================================

func (s *Store) SaveAssignment(ctx context.Context, a schedule.RecurringAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.SaveAssignment(ctx, a)
}

func (s *Store) GetAssignments(ctx context.Context, id schedule.MemberID) ([]schedule.RecurringAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.GetAssignments(ctx, id)
}

func (r runner) SaveAssignment(ctx context.Context, a schedule.RecurringAssignment) error {
	query := `
		INSERT INTO recurring_assignments (member_id, weekday, slot, start_min, end_min, active, effective_from)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id, weekday) DO UPDATE SET
			slot = excluded.slot,
			start_min = excluded.start_min,
			end_min = excluded.end_min,
			active = excluded.active,
			effective_from = excluded.effective_from
	`
	_, err := r.q.ExecContext(ctx, query,
		string(a.MemberID), a.Weekday, a.Slot,
		a.Start.Minutes(), a.End.Minutes(), a.Active, a.EffectiveFrom.String(),
	)
	return mapSQLiteErr(err)
}

func (r runner) GetAssignments(ctx context.Context, id schedule.MemberID) ([]schedule.RecurringAssignment, error) {
	query := `
		SELECT member_id, weekday, slot, start_min, end_min, active, effective_from
		FROM recurring_assignments WHERE member_id = ? ORDER BY weekday
	`
	rows, err := r.q.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []schedule.RecurringAssignment
	for rows.Next() {
		var (
			a             schedule.RecurringAssignment
			memberID      string
			startMin      int
			endMin        int
			effectiveFrom string
		)
		if err := rows.Scan(&memberID, &a.Weekday, &a.Slot, &startMin, &endMin, &a.Active, &effectiveFrom); err != nil {
			return nil, err
		}
		a.MemberID = schedule.MemberID(memberID)
		a.Start = schedule.ClockTime(startMin)
		a.End = schedule.ClockTime(endMin)
		a.EffectiveFrom = parseDay(effectiveFrom)
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// =============================================================================
// ABSENCE STORE
// =============================================================================

func (s *Store) SaveAbsence(ctx context.Context, ab schedule.AdminAbsence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.SaveAbsence(ctx, ab)
}

func (s *Store) GetAbsence(ctx context.Context, id schedule.AbsenceID) (*schedule.AdminAbsence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.GetAbsence(ctx, id)
}

func (s *Store) ListAbsences(ctx context.Context) ([]schedule.AdminAbsence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.ListAbsences(ctx)
}

func (r runner) SaveAbsence(ctx context.Context, ab schedule.AdminAbsence) error {
	query := `
		INSERT INTO admin_absences (id, kind, start_date, end_date, blocked_slots_json, reason, active, sub_start_min, sub_end_min)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			blocked_slots_json = excluded.blocked_slots_json,
			reason = excluded.reason,
			active = excluded.active,
			sub_start_min = excluded.sub_start_min,
			sub_end_min = excluded.sub_end_min
	`

	var slotsJSON *string
	if len(ab.BlockedSlots) > 0 {
		b, err := json.Marshal(ab.BlockedSlots)
		if err != nil {
			return err
		}
		s := string(b)
		slotsJSON = &s
	}
	var subStart, subEnd *int
	if ab.Substitute != nil {
		st, en := ab.Substitute.Start.Minutes(), ab.Substitute.End.Minutes()
		subStart, subEnd = &st, &en
	}

	_, err := r.q.ExecContext(ctx, query,
		string(ab.ID), string(ab.Kind), ab.Start.String(), ab.End.String(),
		slotsJSON, ab.Reason, ab.Active, subStart, subEnd,
	)
	return mapSQLiteErr(err)
}

func (r runner) GetAbsence(ctx context.Context, id schedule.AbsenceID) (*schedule.AdminAbsence, error) {
	query := `
		SELECT id, kind, start_date, end_date, blocked_slots_json, reason, active, sub_start_min, sub_end_min
		FROM admin_absences WHERE id = ?
	`
	ab, err := scanAbsence(r.q.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ab, nil
}

func (r runner) ListAbsences(ctx context.Context) ([]schedule.AdminAbsence, error) {
	query := `
		SELECT id, kind, start_date, end_date, blocked_slots_json, reason, active, sub_start_min, sub_end_min
		FROM admin_absences ORDER BY start_date, id
	`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var absences []schedule.AdminAbsence
	for rows.Next() {
		ab, err := scanAbsence(rows)
		if err != nil {
			return nil, err
		}
		absences = append(absences, ab)
	}
	return absences, rows.Err()
}

func scanAbsence(row scannable) (schedule.AdminAbsence, error) {
	var (
		ab        schedule.AdminAbsence
		id        string
		kind      string
		startDate string
		endDate   string
		slotsJSON sql.NullString
		reason    sql.NullString
		subStart  sql.NullInt64
		subEnd    sql.NullInt64
	)
	if err := row.Scan(&id, &kind, &startDate, &endDate, &slotsJSON, &reason, &ab.Active, &subStart, &subEnd); err != nil {
		return schedule.AdminAbsence{}, err
	}
	ab.ID = schedule.AbsenceID(id)
	ab.Kind = schedule.AbsenceKind(kind)
	ab.Start = parseDay(startDate)
	ab.End = parseDay(endDate)
	ab.Reason = reason.String
	if slotsJSON.Valid {
		if err := json.Unmarshal([]byte(slotsJSON.String), &ab.BlockedSlots); err != nil {
			return schedule.AdminAbsence{}, fmt.Errorf("absence %s: bad blocked slots: %w", id, err)
		}
	}
	if subStart.Valid && subEnd.Valid {
		ab.Substitute = &schedule.Window{
			Start: schedule.ClockTime(subStart.Int64),
			End:   schedule.ClockTime(subEnd.Int64),
		}
	}
	return ab, nil
}

// =============================================================================
// CANCELLATION LOG
// =============================================================================

func (s *Store) AppendCancellation(ctx context.Context, rec schedule.CancellationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.AppendCancellation(ctx, rec)
}

func (s *Store) CancellationForOccurrence(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.CancellationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.CancellationForOccurrence(ctx, id, key)
}

func (s *Store) CancellationsForMember(ctx context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.CancellationsForMember(ctx, id, from, to)
}

func (s *Store) CancellationsForKey(ctx context.Context, key schedule.SlotKey) ([]schedule.CancellationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.CancellationsForKey(ctx, key)
}

func (s *Store) CancellationsInRange(ctx context.Context, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.CancellationsInRange(ctx, from, to)
}

func (s *Store) DeactivateByAbsence(ctx context.Context, id schedule.AbsenceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.DeactivateByAbsence(ctx, id)
}

const cancellationColumns = `id, member_id, date, start_min, end_min, source, late, absence_id, active, created_at`

func (r runner) AppendCancellation(ctx context.Context, rec schedule.CancellationRecord) error {
	query := `
		INSERT INTO cancellations (` + cancellationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.q.ExecContext(ctx, query,
		string(rec.ID), string(rec.MemberID),
		rec.Key.Date.String(), rec.Key.Start.Minutes(), rec.Key.End.Minutes(),
		string(rec.Source), rec.Late, string(rec.AbsenceID), rec.Active,
		rec.CreatedAt.String(),
	)
	if isUniqueConstraintErr(err) {
		return schedule.ErrAlreadyCancelled
	}
	return mapSQLiteErr(err)
}

func (r runner) CancellationForOccurrence(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.CancellationRecord, error) {
	query := `
		SELECT ` + cancellationColumns + ` FROM cancellations
		WHERE member_id = ? AND date = ? AND start_min = ? AND end_min = ?
	`
	rec, err := scanCancellation(r.q.QueryRowContext(ctx, query,
		string(id), key.Date.String(), key.Start.Minutes(), key.End.Minutes()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r runner) CancellationsForMember(ctx context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	query := `
		SELECT ` + cancellationColumns + ` FROM cancellations
		WHERE member_id = ? AND date >= ? AND date <= ?
		ORDER BY date, start_min
	`
	return r.queryCancellations(ctx, query, string(id), from.String(), to.String())
}

func (r runner) CancellationsForKey(ctx context.Context, key schedule.SlotKey) ([]schedule.CancellationRecord, error) {
	query := `
		SELECT ` + cancellationColumns + ` FROM cancellations
		WHERE date = ? AND start_min = ? AND end_min = ?
		ORDER BY member_id
	`
	return r.queryCancellations(ctx, query, key.Date.String(), key.Start.Minutes(), key.End.Minutes())
}

func (r runner) CancellationsInRange(ctx context.Context, from, to schedule.DayDate) ([]schedule.CancellationRecord, error) {
	query := `
		SELECT ` + cancellationColumns + ` FROM cancellations
		WHERE date >= ? AND date <= ?
		ORDER BY date, start_min, member_id
	`
	return r.queryCancellations(ctx, query, from.String(), to.String())
}

func (r runner) DeactivateByAbsence(ctx context.Context, id schedule.AbsenceID) error {
	query := `
		UPDATE cancellations SET active = 0
		WHERE absence_id = ? AND source = 'system'
	`
	_, err := r.q.ExecContext(ctx, query, string(id))
	return mapSQLiteErr(err)
}

func (r runner) queryCancellations(ctx context.Context, query string, args ...any) ([]schedule.CancellationRecord, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []schedule.CancellationRecord
	for rows.Next() {
		rec, err := scanCancellation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanCancellation(row scannable) (schedule.CancellationRecord, error) {
	var (
		rec       schedule.CancellationRecord
		id        string
		memberID  string
		date      string
		startMin  int
		endMin    int
		source    string
		absenceID string
		createdAt string
	)
	if err := row.Scan(&id, &memberID, &date, &startMin, &endMin, &source, &rec.Late, &absenceID, &rec.Active, &createdAt); err != nil {
		return schedule.CancellationRecord{}, err
	}
	rec.ID = schedule.CancellationID(id)
	rec.MemberID = schedule.MemberID(memberID)
	rec.Key = schedule.SlotKey{
		Date:  parseDay(date),
		Start: schedule.ClockTime(startMin),
		End:   schedule.ClockTime(endMin),
	}
	rec.Source = schedule.CancellationSource(source)
	rec.AbsenceID = schedule.AbsenceID(absenceID)
	rec.CreatedAt = parseDay(createdAt)
	return rec, nil
}

// =============================================================================
// BOOKING LOG
// =============================================================================

func (s *Store) InsertBookingIfSeatAvailable(ctx context.Context, b schedule.VariableBooking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.InsertBookingIfSeatAvailable(ctx, b)
}

func (s *Store) WithdrawBooking(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.WithdrawBooking(ctx, id, key)
}

func (s *Store) ConfirmedBooking(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.VariableBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.ConfirmedBooking(ctx, id, key)
}

func (s *Store) BookingsForMember(ctx context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.VariableBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.BookingsForMember(ctx, id, from, to)
}

func (s *Store) BookingsForKey(ctx context.Context, key schedule.SlotKey) ([]schedule.VariableBooking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.BookingsForKey(ctx, key)
}

const bookingColumns = `id, member_id, date, start_min, end_min, status, origin_date, origin_start_min, origin_end_min, created_at`

// InsertBookingIfSeatAvailable claims a seat with a single conditional
// insert: the row lands only while active cancellations at the key
// outnumber existing bookings. Zero rows affected means the vacancy
// was already full.
func (r runner) InsertBookingIfSeatAvailable(ctx context.Context, b schedule.VariableBooking) error {
	// Self-duplicates first: with the seat count exhausted by the
	// member's own confirmed row, the conditional insert would report
	// SlotFull instead. The unique index remains the backstop.
	if existing, err := r.ConfirmedBooking(ctx, b.MemberID, b.Key); err != nil {
		return err
	} else if existing != nil {
		return schedule.ErrAlreadyBookedBySelf
	}

	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM cancellations
			WHERE date = ? AND start_min = ? AND end_min = ? AND active = 1)
		    - (SELECT COUNT(*) FROM bookings
			WHERE date = ? AND start_min = ? AND end_min = ?) > 0
	`
	res, err := r.q.ExecContext(ctx, query,
		string(b.ID), string(b.MemberID),
		b.Key.Date.String(), b.Key.Start.Minutes(), b.Key.End.Minutes(),
		string(b.Status),
		b.Origin.Date.String(), b.Origin.Start.Minutes(), b.Origin.End.Minutes(),
		b.CreatedAt.String(),
		b.Key.Date.String(), b.Key.Start.Minutes(), b.Key.End.Minutes(),
		b.Key.Date.String(), b.Key.Start.Minutes(), b.Key.End.Minutes(),
	)
	if isUniqueConstraintErr(err) {
		return schedule.ErrAlreadyBookedBySelf
	}
	if err != nil {
		return mapSQLiteErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &schedule.SlotFullError{Key: b.Key}
	}
	return nil
}

func (r runner) WithdrawBooking(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) error {
	query := `
		UPDATE bookings SET status = 'withdrawn'
		WHERE member_id = ? AND date = ? AND start_min = ? AND end_min = ? AND status = 'confirmed'
	`
	res, err := r.q.ExecContext(ctx, query,
		string(id), key.Date.String(), key.Start.Minutes(), key.End.Minutes())
	if err != nil {
		return mapSQLiteErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schedule.ErrOccurrenceNotCancellable
	}
	return nil
}

func (r runner) ConfirmedBooking(ctx context.Context, id schedule.MemberID, key schedule.SlotKey) (*schedule.VariableBooking, error) {
	query := `
		SELECT ` + bookingColumns + ` FROM bookings
		WHERE member_id = ? AND date = ? AND start_min = ? AND end_min = ? AND status = 'confirmed'
	`
	b, err := scanBooking(r.q.QueryRowContext(ctx, query,
		string(id), key.Date.String(), key.Start.Minutes(), key.End.Minutes()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r runner) BookingsForMember(ctx context.Context, id schedule.MemberID, from, to schedule.DayDate) ([]schedule.VariableBooking, error) {
	query := `
		SELECT ` + bookingColumns + ` FROM bookings
		WHERE member_id = ? AND date >= ? AND date <= ?
		ORDER BY date, start_min
	`
	return r.queryBookings(ctx, query, string(id), from.String(), to.String())
}

func (r runner) BookingsForKey(ctx context.Context, key schedule.SlotKey) ([]schedule.VariableBooking, error) {
	query := `
		SELECT ` + bookingColumns + ` FROM bookings
		WHERE date = ? AND start_min = ? AND end_min = ?
		ORDER BY member_id
	`
	return r.queryBookings(ctx, query, key.Date.String(), key.Start.Minutes(), key.End.Minutes())
}

func (r runner) queryBookings(ctx context.Context, query string, args ...any) ([]schedule.VariableBooking, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []schedule.VariableBooking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func scanBooking(row scannable) (schedule.VariableBooking, error) {
	var (
		b           schedule.VariableBooking
		id          string
		memberID    string
		date        string
		startMin    int
		endMin      int
		status      string
		originDate  string
		originStart int
		originEnd   int
		createdAt   string
	)
	if err := row.Scan(&id, &memberID, &date, &startMin, &endMin, &status,
		&originDate, &originStart, &originEnd, &createdAt); err != nil {
		return schedule.VariableBooking{}, err
	}
	b.ID = schedule.BookingID(id)
	b.MemberID = schedule.MemberID(memberID)
	b.Key = schedule.SlotKey{
		Date:  parseDay(date),
		Start: schedule.ClockTime(startMin),
		End:   schedule.ClockTime(endMin),
	}
	b.Status = schedule.BookingStatus(status)
	b.Origin = schedule.SlotKey{
		Date:  parseDay(originDate),
		Start: schedule.ClockTime(originStart),
		End:   schedule.ClockTime(originEnd),
	}
	b.CreatedAt = parseDay(createdAt)
	return b, nil
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (s *Store) UpsertInvoice(ctx context.Context, inv schedule.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runner{s.db}.UpsertInvoice(ctx, inv)
}

func (s *Store) GetInvoice(ctx context.Context, id schedule.MemberID, ym schedule.YearMonth) (*schedule.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.GetInvoice(ctx, id, ym)
}

func (s *Store) ListInvoices(ctx context.Context, ym schedule.YearMonth) ([]schedule.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return runner{s.db}.ListInvoices(ctx, ym)
}

const invoiceColumns = `id, member_id, year, month, classes_billed, unit_price, discount_pct, gross, net, payment_state, adj_cancel_count, adj_cancel_amount, adj_booking_count, adj_booking_amount`

func (r runner) UpsertInvoice(ctx context.Context, inv schedule.Invoice) error {
	if inv.Estimate {
		return fmt.Errorf("invoice %s: estimates are never persisted", inv.ID)
	}

	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(member_id, year, month) DO UPDATE SET
			classes_billed = excluded.classes_billed,
			unit_price = excluded.unit_price,
			discount_pct = excluded.discount_pct,
			gross = excluded.gross,
			net = excluded.net,
			payment_state = excluded.payment_state,
			adj_cancel_count = excluded.adj_cancel_count,
			adj_cancel_amount = excluded.adj_cancel_amount,
			adj_booking_count = excluded.adj_booking_count,
			adj_booking_amount = excluded.adj_booking_amount
	`
	_, err := r.q.ExecContext(ctx, query,
		string(inv.ID), string(inv.Member), inv.Period.Year, int(inv.Period.Month),
		inv.ClassesBilled, inv.UnitPrice.String(), inv.DiscountPct.String(),
		inv.Gross.String(), inv.Net.String(), string(inv.PaymentState),
		inv.Adjustment.CancellationCount, inv.Adjustment.CancellationAmount.String(),
		inv.Adjustment.BookingCount, inv.Adjustment.BookingAmount.String(),
	)
	return mapSQLiteErr(err)
}

func (r runner) GetInvoice(ctx context.Context, id schedule.MemberID, ym schedule.YearMonth) (*schedule.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE member_id = ? AND year = ? AND month = ?
	`
	inv, err := scanInvoice(r.q.QueryRowContext(ctx, query, string(id), ym.Year, int(ym.Month)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r runner) ListInvoices(ctx context.Context, ym schedule.YearMonth) ([]schedule.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE year = ? AND month = ? ORDER BY member_id
	`
	rows, err := r.q.QueryContext(ctx, query, ym.Year, int(ym.Month))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []schedule.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row scannable) (schedule.Invoice, error) {
	var (
		inv          schedule.Invoice
		id           string
		memberID     string
		year         int
		month        int
		unitPrice    string
		discountPct  string
		gross        string
		net          string
		paymentState string
		cancelAmount string
		bookAmount   string
	)
	if err := row.Scan(&id, &memberID, &year, &month, &inv.ClassesBilled,
		&unitPrice, &discountPct, &gross, &net, &paymentState,
		&inv.Adjustment.CancellationCount, &cancelAmount,
		&inv.Adjustment.BookingCount, &bookAmount); err != nil {
		return schedule.Invoice{}, err
	}
	inv.ID = schedule.InvoiceID(id)
	inv.Member = schedule.MemberID(memberID)
	inv.Period = schedule.YearMonth{Year: year, Month: time.Month(month)}
	inv.UnitPrice = parseDec(unitPrice)
	inv.DiscountPct = parseDec(discountPct)
	inv.Gross = parseDec(gross)
	inv.Net = parseDec(net)
	inv.PaymentState = schedule.PaymentState(paymentState)
	inv.Adjustment.CancellationAmount = parseDec(cancelAmount)
	inv.Adjustment.BookingAmount = parseDec(bookAmount)
	return inv, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDay(s string) schedule.DayDate {
	d, _ := schedule.ParseDayDate(s)
	return d
}

func parseDec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func isUniqueConstraintErr(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// mapSQLiteErr translates driver-level contention into the retryable
// conflict error the engines understand.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return schedule.ErrConcurrencyConflict
	}
	return err
}
