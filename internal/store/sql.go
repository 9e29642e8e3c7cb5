package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/xiaot623/livesession/internal/domain"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open picks the driver from the DSN: postgres:// and postgresql:// URLs use pgx,
// anything else is handed to sqlite3.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(dsn)
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return newSQLStore(db, dialectSQLite)
}

// NewPostgresStore creates a new PostgreSQL store through the pgx driver.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLStore) migrate() error {
	types := strings.NewReplacer(
		"{{ts}}", s.pick("DATETIME", "TIMESTAMPTZ"),
		"{{serial}}", s.pick("INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY"),
	)
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			provider_name TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			rate_per_minute TEXT NOT NULL,
			multiplier TEXT NOT NULL,
			start_paused BOOLEAN NOT NULL DEFAULT FALSE,
			started_at {{ts}} NOT NULL,
			ended_at {{ts}}
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_display_name TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at {{ts}} NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			byte_size BIGINT NOT NULL,
			uploaded_by_role TEXT NOT NULL,
			uploaded_by_id TEXT NOT NULL,
			storage_reference TEXT NOT NULL,
			created_at {{ts}} NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_session ON files(session_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS control_events (
			seq {{serial}},
			event_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			new_rate TEXT,
			new_multiplier TEXT,
			sender_role TEXT,
			sender_id TEXT,
			occurred_at {{ts}} NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_control_events_session ON control_events(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			invoice_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			provider_name TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			elapsed_seconds BIGINT NOT NULL,
			billed_minutes BIGINT NOT NULL,
			rate_per_minute TEXT NOT NULL,
			multiplier TEXT NOT NULL,
			tax_rate TEXT NOT NULL,
			subtotal TEXT NOT NULL,
			tax_amount TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			generated_at {{ts}} NOT NULL,
			due_at {{ts}} NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_session ON invoices(session_id, generated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(types.Replace(m)); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *SQLStore) pick(sqlite, postgres string) string {
	if s.dialect == dialectPostgres {
		return postgres
	}
	return sqlite
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// dbTime normalizes timestamps to UTC microseconds, the finest precision both
// dialects keep.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLStore) CreateSession(ctx context.Context, session *domain.Session) error {
	session.StartedAt = dbTime(session.StartedAt)
	_, err := s.exec(ctx,
		`INSERT INTO sessions (session_id, provider_name, customer_name, rate_per_minute, multiplier, start_paused, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.ProviderName, session.CustomerName,
		session.RatePerMinute.String(), session.Multiplier.String(), session.StartPaused, session.StartedAt)
	return err
}

// GetSession retrieves a session by ID. It returns nil, nil when none exists.
func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var endedAt sql.NullTime
	err := s.queryRow(ctx,
		`SELECT session_id, provider_name, customer_name, rate_per_minute, multiplier, start_paused, started_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.ProviderName, &session.CustomerName,
		&session.RatePerMinute, &session.Multiplier, &session.StartPaused, &session.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.StartedAt = session.StartedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		session.EndedAt = &t
	}
	return &session, nil
}

// EndSession stamps ended_at once. It reports whether this call ended the session.
func (s *SQLStore) EndSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		dbTime(at), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateMessage inserts a message unless its id already exists.
func (s *SQLStore) CreateMessage(ctx context.Context, message *domain.Message) (bool, error) {
	message.CreatedAt = dbTime(message.CreatedAt)
	res, err := s.exec(ctx,
		`INSERT INTO messages (id, session_id, sender_role, sender_id, sender_display_name, body, created_at) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		message.ID, message.SessionID, message.SenderRole, message.SenderID, message.SenderDisplayName, message.Body, message.CreatedAt)
	return inserted(res, err)
}

// ListMessages returns a session's messages oldest first, id as tiebreak.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.query(ctx,
		`SELECT id, session_id, sender_role, sender_id, sender_display_name, body, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.SenderRole, &msg.SenderID, &msg.SenderDisplayName, &msg.Body, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateFile inserts a file record unless its id already exists.
func (s *SQLStore) CreateFile(ctx context.Context, file *domain.FileAsset) (bool, error) {
	file.CreatedAt = dbTime(file.CreatedAt)
	res, err := s.exec(ctx,
		`INSERT INTO files (id, session_id, name, mime_type, byte_size, uploaded_by_role, uploaded_by_id, storage_reference, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		file.ID, file.SessionID, file.Name, file.MimeType, file.ByteSize, file.UploadedByRole, file.UploadedByID, file.StorageReference, file.CreatedAt)
	return inserted(res, err)
}

// ListFiles returns a session's files newest first.
func (s *SQLStore) ListFiles(ctx context.Context, sessionID string) ([]domain.FileAsset, error) {
	rows, err := s.query(ctx,
		`SELECT id, session_id, name, mime_type, byte_size, uploaded_by_role, uploaded_by_id, storage_reference, created_at FROM files WHERE session_id = ? ORDER BY created_at DESC, id DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []domain.FileAsset{}
	for rows.Next() {
		var f domain.FileAsset
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Name, &f.MimeType, &f.ByteSize, &f.UploadedByRole, &f.UploadedByID, &f.StorageReference, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.CreatedAt = f.CreatedAt.UTC()
		files = append(files, f)
	}
	return files, rows.Err()
}

// CreateControlEvent appends to the control log and fills in event.Seq.
// A repeated event id leaves the log unchanged and reports the original seq.
func (s *SQLStore) CreateControlEvent(ctx context.Context, event *domain.ControlEvent) (bool, error) {
	event.OccurredAt = dbTime(event.OccurredAt)
	err := s.queryRow(ctx,
		`INSERT INTO control_events (event_id, session_id, kind, new_rate, new_multiplier, sender_role, sender_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (event_id) DO NOTHING RETURNING seq`,
		event.EventID, event.SessionID, event.Kind, nullDecimal(event.NewRate), nullDecimal(event.NewMultiplier),
		nullString(string(event.SenderRole)), nullString(event.SenderID), event.OccurredAt).Scan(&event.Seq)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if err := s.queryRow(ctx, `SELECT seq FROM control_events WHERE event_id = ?`, event.EventID).Scan(&event.Seq); err != nil {
		return false, err
	}
	return false, nil
}

// ListControlEvents returns the control log after afterSeq in append order.
func (s *SQLStore) ListControlEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.ControlEvent, error) {
	rows, err := s.query(ctx,
		`SELECT seq, event_id, session_id, kind, new_rate, new_multiplier, sender_role, sender_id, occurred_at FROM control_events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.ControlEvent{}
	for rows.Next() {
		var ev domain.ControlEvent
		var rate, multiplier decimal.NullDecimal
		var role, senderID sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.SessionID, &ev.Kind, &rate, &multiplier, &role, &senderID, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if rate.Valid {
			ev.NewRate = &rate.Decimal
		}
		if multiplier.Valid {
			ev.NewMultiplier = &multiplier.Decimal
		}
		ev.SenderRole = domain.Role(role.String)
		ev.SenderID = senderID.String
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveInvoice stores an invoice once. When the id already exists the stored row is
// returned unchanged with created=false.
func (s *SQLStore) SaveInvoice(ctx context.Context, inv *domain.Invoice) (*domain.Invoice, bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO invoices (invoice_id, session_id, provider_name, customer_name, elapsed_seconds, billed_minutes, rate_per_minute, multiplier, tax_rate, subtotal, tax_amount, total_amount, generated_at, due_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (invoice_id) DO NOTHING`,
		inv.InvoiceID, inv.SessionID, inv.ProviderName, inv.CustomerName, inv.ElapsedSeconds, inv.BilledMinutes,
		inv.RatePerMinute.String(), inv.Multiplier.String(), inv.TaxRate.String(),
		inv.Subtotal.StringFixed(2), inv.TaxAmount.StringFixed(2), inv.TotalAmount.StringFixed(2),
		dbTime(inv.GeneratedAt), dbTime(inv.DueAt))
	created, err := inserted(res, err)
	if err != nil {
		return nil, false, err
	}

	stored, err := s.getInvoice(ctx, inv.InvoiceID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *SQLStore) getInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	row := s.queryRow(ctx, invoiceSelect+` WHERE invoice_id = ?`, invoiceID)
	return scanInvoice(row)
}

// ListInvoices returns a session's invoices oldest first.
func (s *SQLStore) ListInvoices(ctx context.Context, sessionID string) ([]domain.Invoice, error) {
	rows, err := s.query(ctx, invoiceSelect+` WHERE session_id = ? ORDER BY generated_at ASC, invoice_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := []domain.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

const invoiceSelect = `SELECT invoice_id, session_id, provider_name, customer_name, elapsed_seconds, billed_minutes, rate_per_minute, multiplier, tax_rate, subtotal, tax_amount, total_amount, generated_at, due_at FROM invoices`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var inv domain.Invoice
	if err := row.Scan(&inv.InvoiceID, &inv.SessionID, &inv.ProviderName, &inv.CustomerName,
		&inv.ElapsedSeconds, &inv.BilledMinutes, &inv.RatePerMinute, &inv.Multiplier, &inv.TaxRate,
		&inv.Subtotal, &inv.TaxAmount, &inv.TotalAmount, &inv.GeneratedAt, &inv.DueAt); err != nil {
		return nil, err
	}
	inv.GeneratedAt = inv.GeneratedAt.UTC()
	inv.DueAt = inv.DueAt.UTC()
	return &inv, nil
}

func inserted(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
