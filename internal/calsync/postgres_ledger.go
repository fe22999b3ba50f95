package calsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	postgresRelationTable    = "calendar_event_relations"
	postgresLogTable         = "calendar_sync_logs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLedger is the production SyncLedger. Tables are created lazily on
// first use; pass commits run in a single transaction so relation mutations
// and the pass log are durable together or not at all.
type PostgresLedger struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLedger{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (l *PostgresLedger) ensureReady() error {
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS ` + postgresRelationTable + ` (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				local_event_id TEXT NOT NULL DEFAULT '',
				google_event_id TEXT NOT NULL DEFAULT '',
				related_id TEXT NOT NULL DEFAULT '',
				related_type TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				start_at TIMESTAMPTZ,
				end_at TIMESTAMPTZ,
				all_day BOOLEAN NOT NULL DEFAULT FALSE,
				recurrence_rule TEXT NOT NULL DEFAULT '',
				remote_fingerprint TEXT NOT NULL DEFAULT '',
				sync_status TEXT NOT NULL,
				sync_error TEXT NOT NULL DEFAULT '',
				last_synced_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS ` + postgresRelationTable + `_user_idx
				ON ` + postgresRelationTable + ` (user_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + postgresRelationTable + `_local_idx
				ON ` + postgresRelationTable + ` (user_id, local_event_id)
				WHERE sync_status <> 'deleted' AND local_event_id <> ''`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ` + postgresRelationTable + `_remote_idx
				ON ` + postgresRelationTable + ` (user_id, google_event_id)
				WHERE sync_status <> 'deleted' AND google_event_id <> ''`,
			`CREATE TABLE IF NOT EXISTS ` + postgresLogTable + ` (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				sync_type TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ NOT NULL,
				events_created INTEGER NOT NULL DEFAULT 0,
				events_updated INTEGER NOT NULL DEFAULT 0,
				events_deleted INTEGER NOT NULL DEFAULT 0,
				events_failed INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				details TEXT[] NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS ` + postgresLogTable + `_user_idx
				ON ` + postgresLogTable + ` (user_id, completed_at DESC)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				l.initErr = err
				return
			}
		}
		l.db = db
	})
	return l.initErr
}

const relationColumns = `id, user_id, local_event_id, google_event_id, related_id, related_type,
	title, start_at, end_at, all_day, recurrence_rule, remote_fingerprint,
	sync_status, sync_error, last_synced_at, updated_at`

func (l *PostgresLedger) FindRelationByLocalEvent(ctx context.Context, userID, localEventID string) (*EventRelation, error) {
	if localEventID == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + relationColumns + ` FROM ` + postgresRelationTable + `
		WHERE user_id = $1 AND local_event_id = $2 AND sync_status <> 'deleted'`
	return l.findRelation(ctx, query, userID, localEventID)
}

func (l *PostgresLedger) FindRelationByRemoteEvent(ctx context.Context, userID, googleEventID string) (*EventRelation, error) {
	if googleEventID == "" {
		return nil, ErrNotFound
	}
	query := `SELECT ` + relationColumns + ` FROM ` + postgresRelationTable + `
		WHERE user_id = $1 AND google_event_id = $2 AND sync_status <> 'deleted'`
	return l.findRelation(ctx, query, userID, googleEventID)
}

func (l *PostgresLedger) findRelation(ctx context.Context, query string, args ...any) (*EventRelation, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rel, err := scanRelation(l.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rel, nil
}

func (l *PostgresLedger) ListRelations(ctx context.Context, userID string) ([]EventRelation, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := `SELECT ` + relationColumns + ` FROM ` + postgresRelationTable + `
		WHERE user_id = $1 ORDER BY id`
	rows, err := l.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EventRelation, 0)
	for rows.Next() {
		rel, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) UpsertRelation(ctx context.Context, rel *EventRelation) (*EventRelation, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	stored, err := upsertRelationExec(ctx, l.db, rel)
	if err != nil {
		return nil, translatePQError(err)
	}
	return stored, nil
}

func (l *PostgresLedger) MarkDeleted(ctx context.Context, userID, relationID string) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := `UPDATE ` + postgresRelationTable + `
		SET sync_status = 'deleted', updated_at = NOW()
		WHERE user_id = $1 AND id = $2`
	result, err := l.db.ExecContext(ctx, query, userID, relationID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) AppendLog(ctx context.Context, entry *SyncLog) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return appendLogExec(ctx, l.db, entry)
}

func (l *PostgresLedger) ListLogs(ctx context.Context, userID string, limit int) ([]SyncLog, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	query := `SELECT id, user_id, sync_type, status, started_at, completed_at,
			events_created, events_updated, events_deleted, events_failed,
			error_message, details
		FROM ` + postgresLogTable + `
		WHERE user_id = $1 ORDER BY completed_at DESC, id DESC LIMIT $2`
	rows, err := l.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SyncLog, 0, limit)
	for rows.Next() {
		var entry SyncLog
		var details pq.StringArray
		err := rows.Scan(&entry.ID, &entry.UserID, &entry.SyncType, &entry.Status,
			&entry.StartedAt, &entry.CompletedAt,
			&entry.EventsCreated, &entry.EventsUpdated, &entry.EventsDeleted, &entry.EventsFailed,
			&entry.ErrorMessage, &details)
		if err != nil {
			return nil, err
		}
		entry.Details = []string(details)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) CommitPass(ctx context.Context, userID string, relations []*EventRelation, entry *SyncLog) error {
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, rel := range relations {
		if rel == nil {
			continue
		}
		if rel.UserID == "" {
			rel.UserID = userID
		}
		if _, err := upsertRelationExec(ctx, tx, rel); err != nil {
			return translatePQError(err)
		}
	}
	if entry != nil {
		if err := appendLogExec(ctx, tx, entry); err != nil {
			return translatePQError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return translatePQError(err)
	}
	committed = true
	return nil
}

func (l *PostgresLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertRelationExec(ctx context.Context, db execer, rel *EventRelation) (*EventRelation, error) {
	if rel == nil || strings.TrimSpace(rel.UserID) == "" {
		return nil, ErrInvalidInput
	}
	stored := *rel
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	query := `INSERT INTO ` + postgresRelationTable + ` (` + relationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id) DO UPDATE SET
			local_event_id = EXCLUDED.local_event_id,
			google_event_id = EXCLUDED.google_event_id,
			related_id = EXCLUDED.related_id,
			related_type = EXCLUDED.related_type,
			title = EXCLUDED.title,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			all_day = EXCLUDED.all_day,
			recurrence_rule = EXCLUDED.recurrence_rule,
			remote_fingerprint = EXCLUDED.remote_fingerprint,
			sync_status = EXCLUDED.sync_status,
			sync_error = EXCLUDED.sync_error,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = NOW()`
	_, err := db.ExecContext(ctx, query,
		stored.ID, stored.UserID, stored.LocalEventID, stored.GoogleEventID,
		stored.RelatedID, stored.RelatedType, stored.Title,
		nullableTime(stored.Start), nullableTime(stored.End), stored.AllDay,
		stored.RecurrenceRule, stored.RemoteFingerprint,
		string(stored.SyncStatus), stored.SyncError, nullableTime(stored.LastSyncedAt))
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func appendLogExec(ctx context.Context, db execer, entry *SyncLog) error {
	if entry == nil || strings.TrimSpace(entry.UserID) == "" {
		return ErrInvalidInput
	}
	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `INSERT INTO ` + postgresLogTable + ` (id, user_id, sync_type, status,
			started_at, completed_at, events_created, events_updated, events_deleted,
			events_failed, error_message, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := db.ExecContext(ctx, query,
		id, entry.UserID, string(entry.SyncType), string(entry.Status),
		entry.StartedAt, entry.CompletedAt,
		entry.EventsCreated, entry.EventsUpdated, entry.EventsDeleted, entry.EventsFailed,
		entry.ErrorMessage, pq.Array(entry.Details))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelation(row rowScanner) (*EventRelation, error) {
	var rel EventRelation
	var status string
	var startAt, endAt, lastSyncedAt sql.NullTime
	err := row.Scan(&rel.ID, &rel.UserID, &rel.LocalEventID, &rel.GoogleEventID,
		&rel.RelatedID, &rel.RelatedType, &rel.Title,
		&startAt, &endAt, &rel.AllDay, &rel.RecurrenceRule, &rel.RemoteFingerprint,
		&status, &rel.SyncError, &lastSyncedAt, &rel.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rel.SyncStatus = SyncStatus(status)
	rel.Start = startAt.Time
	rel.End = endAt.Time
	rel.LastSyncedAt = lastSyncedAt.Time
	return &rel, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// translatePQError maps a unique-index violation onto the ledger's conflict
// sentinel so callers can apply the re-read/re-diff retry.
func translatePQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrConflict
	}
	return err
}
