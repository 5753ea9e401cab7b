package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/storage/migrations"
	"github.com/herbtrace/anchor/pkg/types"
)

const eventColumns = `id, species, latitude, longitude, collected_at, moisture, photo_hash, notes,
	provenance, flags, status, retry_count, last_error, tx_id, block_hash, synced_at, created_at, updated_at`

// SQLStore implements EventStore and AuditStore over database/sql. The same
// queries run on SQLite and PostgreSQL; placeholders are rebound per driver.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and applies pending migrations.
func Open(driver, dsn string) (*SQLStore, error) {
	if driver == migrations.DriverSQLite && !strings.Contains(dsn, "?") && dsn != ":memory:" {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == migrations.DriverSQLite {
		// single writer avoids SQLITE_BUSY between workers
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.MigrateUp(db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, driver: driver, now: time.Now}, nil
}

// DB exposes the underlying handle for tooling.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != migrations.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) CreateEvent(ctx context.Context, event *types.CollectionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = types.SyncStatusPending
	}
	if !event.Status.Valid() {
		return serrors.Validation("create event", fmt.Sprintf("unknown status %q", event.Status))
	}
	if err := event.CheckInvariants(); err != nil {
		return serrors.Validation("create event", err.Error())
	}

	now := s.now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = now

	provenance, err := json.Marshal(event.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}
	flags, err := json.Marshal(event.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO collection_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Species, event.Latitude, event.Longitude, event.CollectedAt.UnixNano(),
		event.Moisture, event.PhotoHash, event.Notes, string(provenance), string(flags),
		string(event.Status), event.RetryCount, event.LastError, event.TxID, event.BlockHash,
		nanosPtr(event.SyncedAt), event.CreatedAt.UnixNano(), event.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
	}
	return nil
}

func (s *SQLStore) GetEvent(ctx context.Context, id string) (*types.CollectionEvent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM collection_events WHERE id = ?`), id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, serrors.NotFound("get event", "event", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event %s: %w", id, err)
	}
	return event, nil
}

func (s *SQLStore) MarkUploading(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE collection_events SET status = ?, updated_at = ?
		WHERE id = ? AND status <> ?`,
		string(types.SyncStatusUploading), s.now().UnixNano(), id, string(types.SyncStatusSynced))
	if err != nil {
		return fmt.Errorf("failed to mark event %s uploading: %w", id, err)
	}
	return s.expectRow(ctx, res, "mark uploading", id)
}

func (s *SQLStore) MarkSynced(ctx context.Context, id string, receipt types.LedgerReceipt, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE collection_events
		SET status = ?, tx_id = ?, block_hash = ?, synced_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ?`,
		string(types.SyncStatusSynced), receipt.TxID, receipt.BlockHash, at.UnixNano(), s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s synced: %w", id, err)
	}
	return s.expectRow(ctx, res, "mark synced", id)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, lastError string) (int, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx, s.rebind(`UPDATE collection_events
		SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status <> ?
		RETURNING retry_count`),
		string(types.SyncStatusFailed), lastError, s.now().UnixNano(), id, string(types.SyncStatusSynced)).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetEvent(ctx, id); getErr != nil {
			return 0, getErr
		}
		return 0, fmt.Errorf("event %s is already synced", id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark event %s failed: %w", id, err)
	}
	return retryCount, nil
}

func (s *SQLStore) ResetForRetry(ctx context.Context, id string, ceiling int) (bool, error) {
	res, err := s.exec(ctx, `UPDATE collection_events SET status = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count < ?`,
		string(types.SyncStatusPending), s.now().UnixNano(), id, string(types.SyncStatusFailed), ceiling)
	if err != nil {
		return false, fmt.Errorf("failed to reset event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status types.SyncStatus, limit int) ([]*types.CollectionEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM collection_events WHERE status = ? ORDER BY updated_at DESC, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *SQLStore) ListRetryable(ctx context.Context, ceiling int) ([]*types.CollectionEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM collection_events
		WHERE status = ? AND retry_count < ? ORDER BY retry_count, updated_at, id`,
		string(types.SyncStatusFailed), ceiling)
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[types.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM collection_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.SyncStatus]int, len(types.AllSyncStatuses))
	for _, st := range types.AllSyncStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) AppendAudit(ctx context.Context, entry *types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO audit_log (id, action, entity_type, entity_id, ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Action), entry.EntityType, entry.EntityID, entry.Timestamp.UnixNano(), string(metadata))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAudit(ctx context.Context, entityID string) ([]*types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, action, entity_type, entity_id, ts, metadata
		FROM audit_log WHERE entity_id = ? ORDER BY ts, id`), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		var (
			entry    types.AuditEntry
			action   string
			ts       int64
			metadata string
		)
		if err := rows.Scan(&entry.ID, &action, &entry.EntityType, &entry.EntityID, &ts, &metadata); err != nil {
			return nil, err
		}
		entry.Action = types.AuditAction(action)
		entry.Timestamp = time.Unix(0, ts)
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata %s: %w", entry.ID, err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *SQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]*types.CollectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*types.CollectionEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *SQLStore) expectRow(ctx context.Context, res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetEvent(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%s: event %s is already synced", op, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*types.CollectionEvent, error) {
	var (
		e                         types.CollectionEvent
		collectedAt, created, upd int64
		moisture                  sql.NullFloat64
		photoHash, lastErr        sql.NullString
		txID, blockHash           sql.NullString
		syncedAt                  sql.NullInt64
		provenance, flags, status string
	)
	err := row.Scan(&e.ID, &e.Species, &e.Latitude, &e.Longitude, &collectedAt, &moisture, &photoHash,
		&e.Notes, &provenance, &flags, &status, &e.RetryCount, &lastErr, &txID, &blockHash, &syncedAt,
		&created, &upd)
	if err != nil {
		return nil, err
	}

	e.CollectedAt = time.Unix(0, collectedAt)
	e.CreatedAt = time.Unix(0, created)
	e.UpdatedAt = time.Unix(0, upd)
	e.Status = types.SyncStatus(status)
	if moisture.Valid {
		e.Moisture = &moisture.Float64
	}
	e.PhotoHash = stringPtr(photoHash)
	e.LastError = stringPtr(lastErr)
	e.TxID = stringPtr(txID)
	e.BlockHash = stringPtr(blockHash)
	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64)
		e.SyncedAt = &t
	}
	if err := json.Unmarshal([]byte(provenance), &e.Provenance); err != nil {
		return nil, fmt.Errorf("failed to decode provenance of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(flags), &e.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode flags of %s: %w", e.ID, err)
	}
	return &e, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
