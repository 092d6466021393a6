package reminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTime is fixed-width so that text comparison orders like time.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteColumns = `id, owner_id, subject_ref, title, priority, state, created_at, updated_at,
	due_at, last_fired_at, next_fire_at, fire_count, failed_fires, dispatch_attempts, version`

// SQLiteStore provides SQLite-backed storage for reminders.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and
// ensures the reminders table exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; the engine never holds a connection across a
	// sink call, so this only serialises short statements.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createSQLiteSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reminders (
			id                TEXT    PRIMARY KEY,
			owner_id          TEXT    NOT NULL,
			subject_ref       TEXT    NOT NULL,
			title             TEXT    NOT NULL DEFAULT '',
			priority          TEXT    NOT NULL,
			state             TEXT    NOT NULL,
			created_at        TEXT    NOT NULL,
			updated_at        TEXT    NOT NULL,
			due_at            TEXT    NOT NULL,
			last_fired_at     TEXT,
			next_fire_at      TEXT,
			fire_count        INTEGER NOT NULL DEFAULT 0,
			failed_fires      INTEGER NOT NULL DEFAULT 0,
			dispatch_attempts INTEGER NOT NULL DEFAULT 0,
			version           INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS reminders_active_subject
			ON reminders (owner_id, subject_ref)
			WHERE state NOT IN ('acknowledged', 'cancelled', 'expired');
		CREATE INDEX IF NOT EXISTS reminders_next_fire
			ON reminders (next_fire_at)
			WHERE next_fire_at IS NOT NULL;
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM reminders WHERE id = ?`, id)

	r, err := scanSQLiteReminder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, unavailable("load reminder", err)
	}
	return r, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Reminder) error {
	return s.save(ctx, s.db, r)
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) save(ctx context.Context, q sqlExecer, r *Reminder) error {
	result, err := q.ExecContext(ctx, `
		UPDATE reminders SET
			title = ?, priority = ?, state = ?, updated_at = ?, due_at = ?,
			last_fired_at = ?, next_fire_at = ?, fire_count = ?, failed_fires = ?,
			dispatch_attempts = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, r.Title, string(r.Priority), string(r.State), formatSQLiteTime(r.UpdatedAt), formatSQLiteTime(r.DueAt),
		nullSQLiteTime(r.LastFired), nullSQLiteTime(r.NextFireAt), r.FireCount, r.FailedFires,
		r.DispatchAttempts, r.ID, r.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: subject %q already has an active reminder", ErrConflict, r.SubjectRef)
		}
		return unavailable("update reminder", err)
	}

	n, _ := result.RowsAffected()
	if n == 0 {
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM reminders WHERE id = ?`, r.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrConflict, r.ID, r.Version)
	}

	r.Version++
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, r *Reminder, replaced *Reminder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if replaced != nil {
		prev := replaced.Version
		if err := s.save(ctx, tx, replaced); err != nil {
			return err
		}
		// Undo the in-memory bump if the transaction does not commit.
		defer func() {
			if err != nil {
				replaced.Version = prev
			}
		}()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reminders (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, r.ID, r.OwnerID, r.SubjectRef, r.Title, string(r.Priority), string(r.State),
		formatSQLiteTime(r.CreatedAt), formatSQLiteTime(r.UpdatedAt), formatSQLiteTime(r.DueAt),
		nullSQLiteTime(r.LastFired), nullSQLiteTime(r.NextFireAt), r.FireCount, r.FailedFires, r.DispatchAttempts)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: subject %q already has an active reminder", ErrConflict, r.SubjectRef)
			return err
		}
		err = unavailable("insert reminder", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		err = unavailable("commit insert", err)
		return err
	}
	r.Version = 1
	return nil
}

func (s *SQLiteStore) FindDue(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM reminders
		WHERE next_fire_at IS NOT NULL AND next_fire_at <= ?
		  AND state NOT IN ('acknowledged', 'cancelled', 'expired')
		ORDER BY next_fire_at ASC
	`, formatSQLiteTime(before))
	if err != nil {
		return nil, unavailable("find due reminders", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan reminder id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("find due reminders", err)
	}
	return ids, nil
}

func (s *SQLiteStore) FindBySubject(ctx context.Context, ownerID, subjectRef string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM reminders
		WHERE owner_id = ? AND subject_ref = ?
		  AND state NOT IN ('acknowledged', 'cancelled', 'expired')
	`, ownerID, subjectRef).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("find reminder by subject", err)
	}
	return id, true, nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM reminders
		WHERE owner_id = ? AND state NOT IN ('acknowledged', 'cancelled', 'expired')
		ORDER BY due_at ASC
	`, ownerID)
	if err != nil {
		return nil, unavailable("list reminders", err)
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		r, err := scanSQLiteReminder(rows)
		if err != nil {
			return nil, unavailable("scan reminder", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list reminders", err)
	}
	return reminders, nil
}

// Purge deletes terminal reminders last updated before the cutoff.
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM reminders
		WHERE state IN ('acknowledged', 'cancelled', 'expired') AND updated_at < ?
	`, formatSQLiteTime(before))
	if err != nil {
		return 0, unavailable("purge reminders", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSQLiteReminder reads a single row into a Reminder.
func scanSQLiteReminder(row rowScanner) (*Reminder, error) {
	var (
		r                         Reminder
		priority, state           string
		createdAt, updatedAt, due string
		lastFired, nextFire       sql.NullString
	)

	if err := row.Scan(&r.ID, &r.OwnerID, &r.SubjectRef, &r.Title, &priority, &state,
		&createdAt, &updatedAt, &due, &lastFired, &nextFire,
		&r.FireCount, &r.FailedFires, &r.DispatchAttempts, &r.Version); err != nil {
		return nil, err
	}

	r.Priority = Tier(priority)
	r.State = State(state)
	r.CreatedAt, _ = time.Parse(sqliteTime, createdAt)
	r.UpdatedAt, _ = time.Parse(sqliteTime, updatedAt)
	r.DueAt, _ = time.Parse(sqliteTime, due)
	r.LastFired = parseNullSQLiteTime(lastFired)
	r.NextFireAt = parseNullSQLiteTime(nextFire)

	return &r, nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func nullSQLiteTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatSQLiteTime(*t), Valid: true}
}

func parseNullSQLiteTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(sqliteTime, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
