package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"herald/internal/domain/notification"

	_ "modernc.org/sqlite" // Pure Go SQLite driver.
)

var _ notification.Store = (*SQLiteStore)(nil)

// migration represents a single schema migration step.
type migration struct {
	version int
	sql     string
}

// migrations holds all schema migrations in order. Each migration is applied
// exactly once, tracked by the schema_migrations table.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE notifications (
    id                  TEXT PRIMARY KEY,
    channel             TEXT NOT NULL,
    template            TEXT NOT NULL,
    recipient_id        TEXT NOT NULL,
    recipient_address   TEXT NOT NULL,
    subject             TEXT NOT NULL DEFAULT '',
    body_text           TEXT NOT NULL DEFAULT '',
    body_html           TEXT NOT NULL DEFAULT '',
    data                TEXT NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL,
    provider            TEXT NOT NULL DEFAULT '',
    provider_message_id TEXT NOT NULL DEFAULT '',
    attempts            INTEGER NOT NULL DEFAULT 0,
    error_message       TEXT NOT NULL DEFAULT '',
    metadata            TEXT NOT NULL DEFAULT '{}',
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    sent_at             DATETIME,
    delivered_at        DATETIME
);
CREATE INDEX idx_notifications_provider_message ON notifications(provider, provider_message_id);
CREATE INDEX idx_notifications_created ON notifications(created_at);

CREATE TABLE delivery_status_events (
    seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
    id                  TEXT NOT NULL UNIQUE,
    notification_id     TEXT NOT NULL REFERENCES notifications(id),
    status              TEXT NOT NULL,
    disposition         TEXT NOT NULL,
    timestamp           DATETIME NOT NULL,
    provider            TEXT NOT NULL,
    provider_message_id TEXT NOT NULL DEFAULT '',
    error_message       TEXT NOT NULL DEFAULT '',
    attempt             INTEGER NOT NULL,
    metadata            TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_delivery_status_events_notification ON delivery_status_events(notification_id, seq);
`,
	},
}

// SQLiteStore implements notification.Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, configures
// pragmas for WAL mode and foreign keys, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite is single-writer; serialize all access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			closeQuietly(db)
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateNotification inserts a new notification record.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *notification.Notification) error {
	data, err := marshalMap(n.Content.Data)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(n.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, channel, template, recipient_id, recipient_address,
			subject, body_text, body_html, data, status, provider,
			provider_message_id, attempts, error_message, metadata,
			created_at, updated_at, sent_at, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Channel), string(n.Template), n.Recipient.ID, n.Recipient.Address,
		n.Content.Subject, n.Content.BodyText, n.Content.BodyHTML, data, string(n.Status), n.Provider,
		n.ProviderMessageID, n.Attempts, n.ErrorMessage, metadata,
		n.CreatedAt.UTC(), n.UpdatedAt.UTC(), nullableTime(n.SentAt), nullableTime(n.DeliveredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

const notificationColumns = `
	id, channel, template, recipient_id, recipient_address,
	subject, body_text, body_html, data, status, provider,
	provider_message_id, attempts, error_message, metadata,
	created_at, updated_at, sent_at, delivered_at`

// GetNotificationByID returns nil, nil when no record exists.
func (s *SQLiteStore) GetNotificationByID(ctx context.Context, id string) (*notification.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	return n, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ApplyTransition applies update if the stored status equals expected and
// appends event in the same transaction.
// sent_at and delivered_at are only ever written once.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, id string, expected notification.Status, update notification.StatusUpdate, event *notification.DeliveryStatusEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status transition: %w", err)
	}

	if err := updateStatus(ctx, tx, id, expected, update); err != nil {
		rollbackTransition(tx, id)
		return err
	}
	if event != nil {
		if err := insertEvent(ctx, tx, event); err != nil {
			rollbackTransition(tx, id)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status transition: %w", err)
	}
	return nil
}

func updateStatus(ctx context.Context, db execer, id string, expected notification.Status, update notification.StatusUpdate) error {
	res, err := db.ExecContext(ctx, `
		UPDATE notifications SET
			status = ?,
			attempts = ?,
			updated_at = ?,
			provider = CASE WHEN ? = '' THEN provider ELSE ? END,
			provider_message_id = CASE WHEN ? = '' THEN provider_message_id ELSE ? END,
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			sent_at = COALESCE(sent_at, ?),
			delivered_at = COALESCE(delivered_at, ?)
		WHERE id = ? AND status = ?`,
		string(update.Status), update.Attempts, update.UpdatedAt.UTC(),
		update.Provider, update.Provider,
		update.ProviderMessageID, update.ProviderMessageID,
		update.ErrorMessage, update.ErrorMessage,
		nullableTime(update.SentAt), nullableTime(update.DeliveredAt),
		id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("updating notification status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking notification existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("notification %s does not exist", id)
	}
	return notification.ErrStatusConflict
}

// AppendDeliveryStatusEvent appends an immutable status event.
func (s *SQLiteStore) AppendDeliveryStatusEvent(ctx context.Context, e *notification.DeliveryStatusEvent) error {
	return insertEvent(ctx, s.db, e)
}

func insertEvent(ctx context.Context, db execer, e *notification.DeliveryStatusEvent) error {
	metadata, err := marshalMap(e.Metadata)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO delivery_status_events (
			id, notification_id, status, disposition, timestamp, provider,
			provider_message_id, error_message, attempt, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.NotificationID, string(e.Status), string(e.Disposition), e.Timestamp.UTC(), e.Provider,
		e.ProviderMessageID, e.ErrorMessage, e.Attempt, metadata,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery status event: %w", err)
	}
	return nil
}

// ListDeliveryStatusEvents returns a notification's events in insertion order.
func (s *SQLiteStore) ListDeliveryStatusEvents(ctx context.Context, notificationID string) (events []*notification.DeliveryStatusEvent, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, notification_id, status, disposition, timestamp, provider,
			provider_message_id, error_message, attempt, metadata
		FROM delivery_status_events
		WHERE notification_id = ?
		ORDER BY seq ASC`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("querying delivery status events: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	events = []*notification.DeliveryStatusEvent{}
	for rows.Next() {
		var (
			e                            notification.DeliveryStatusEvent
			status, disposition, rawMeta string
		)
		if err := rows.Scan(&e.ID, &e.NotificationID, &status, &disposition, &e.Timestamp, &e.Provider,
			&e.ProviderMessageID, &e.ErrorMessage, &e.Attempt, &rawMeta); err != nil {
			return nil, fmt.Errorf("scanning delivery status event: %w", err)
		}
		e.Status = notification.Status(status)
		e.Disposition = notification.Disposition(disposition)
		if e.Metadata, err = unmarshalMap(rawMeta); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery status events: %w", err)
	}
	return events, nil
}

// FindNotificationByProviderMessageID returns nil, nil when nothing matches.
func (s *SQLiteStore) FindNotificationByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*notification.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+`
		FROM notifications
		WHERE provider = ? AND provider_message_id = ?
		LIMIT 1`, provider, providerMessageID)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching notification by provider message id: %w", err)
	}
	return n, nil
}

// ListNotifications retrieves notifications newest first with pagination and filtering.
func (s *SQLiteStore) ListNotifications(ctx context.Context, filter notification.ListFilter) (items []*notification.Notification, total int, err error) {
	filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RecipientID != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if filter.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, filter.Channel)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting notifications: %w", err)
	}

	offset := (filter.Page - 1) * filter.PageSize
	pageArgs := append(append([]any{}, args...), filter.PageSize, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications`+clause+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing rows: %w", cerr)
		}
	}()

	items = []*notification.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning notification row: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating notification rows: %w", err)
	}
	return items, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(row scanner) (*notification.Notification, error) {
	var (
		n                                       notification.Notification
		channel, tmpl, status, rawData, rawMeta string
		sentAt, deliveredAt                     sql.NullTime
	)
	err := row.Scan(
		&n.ID, &channel, &tmpl, &n.Recipient.ID, &n.Recipient.Address,
		&n.Content.Subject, &n.Content.BodyText, &n.Content.BodyHTML, &rawData, &status, &n.Provider,
		&n.ProviderMessageID, &n.Attempts, &n.ErrorMessage, &rawMeta,
		&n.CreatedAt, &n.UpdatedAt, &sentAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	n.Channel = notification.Channel(channel)
	n.Template = notification.Template(tmpl)
	n.Status = notification.Status(status)
	if sentAt.Valid {
		t := sentAt.Time
		n.SentAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		n.DeliveredAt = &t
	}
	if n.Content.Data, err = unmarshalMap(rawData); err != nil {
		return nil, err
	}
	if n.Metadata, err = unmarshalMap(rawMeta); err != nil {
		return nil, err
	}
	return &n, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("querying current schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs a single schema migration inside a transaction.
func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		rollbackQuietly(tx, m.version)
		return fmt.Errorf("migration %d: %w", m.version, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.version, time.Now().UTC(),
	); err != nil {
		rollbackQuietly(tx, m.version)
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

func rollbackTransition(tx *sql.Tx, id string) {
	if err := tx.Rollback(); err != nil {
		slog.Error("failed to rollback status transition", "notification_id", id, "error", err)
	}
}

func rollbackQuietly(tx *sql.Tx, version int) {
	if err := tx.Rollback(); err != nil {
		slog.Error("failed to rollback migration", "version", version, "error", err)
	}
}

func closeQuietly(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding json column: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decoding json column: %w", err)
	}
	return m, nil
}
