package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

const pgColumns = `id, owner_id, subject_ref, title, priority, state, created_at, updated_at,
due_at, last_fired_at, next_fire_at, fire_count, failed_fires, dispatch_attempts, version`

const pgSchema = `
CREATE TABLE IF NOT EXISTS reminders (
	id                TEXT        PRIMARY KEY,
	owner_id          TEXT        NOT NULL,
	subject_ref       TEXT        NOT NULL,
	title             TEXT        NOT NULL DEFAULT '',
	priority          TEXT        NOT NULL,
	state             TEXT        NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	due_at            TIMESTAMPTZ NOT NULL,
	last_fired_at     TIMESTAMPTZ,
	next_fire_at      TIMESTAMPTZ,
	fire_count        INTEGER     NOT NULL DEFAULT 0,
	failed_fires      INTEGER     NOT NULL DEFAULT 0,
	dispatch_attempts INTEGER     NOT NULL DEFAULT 0,
	version           BIGINT      NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS reminders_active_subject
	ON reminders (owner_id, subject_ref)
	WHERE state NOT IN ('acknowledged', 'cancelled', 'expired');
CREATE INDEX IF NOT EXISTS reminders_next_fire
	ON reminders (next_fire_at)
	WHERE next_fire_at IS NOT NULL;
`

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps reminders in PostgreSQL.
type PostgresStore struct {
	pool pgxPool
}

// NewPostgresStore connects to the database and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "failed to reach database")
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, pkgerrors.Wrap(err, "failed to create schema")
	}
	return &PostgresStore{pool: pool}, nil
}

func newPostgresStoreWithPool(pool pgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return pgUnavailable(err, "ping")
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*Reminder, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM reminders WHERE id = $1`, id)

	r, err := scanPgReminder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, pgUnavailable(err, "failed loading reminder")
	}
	return r, nil
}

func (s *PostgresStore) Save(ctx context.Context, r *Reminder) error {
	return s.save(ctx, s.pool, r)
}

func (s *PostgresStore) save(ctx context.Context, q pgxQuerier, r *Reminder) error {
	tag, err := q.Exec(ctx, `UPDATE reminders SET
title=$1, priority=$2, state=$3, updated_at=$4, due_at=$5, last_fired_at=$6, next_fire_at=$7,
fire_count=$8, failed_fires=$9, dispatch_attempts=$10, version=version+1
WHERE id=$11 AND version=$12`,
		r.Title, string(r.Priority), string(r.State), r.UpdatedAt.UTC(), r.DueAt.UTC(), r.LastFired, r.NextFireAt,
		r.FireCount, r.FailedFires, r.DispatchAttempts, r.ID, int64(r.Version))
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: subject %q already has an active reminder", ErrConflict, r.SubjectRef)
		}
		return pgUnavailable(err, "failed updating reminder")
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM reminders WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
			return pgUnavailable(err, "failed checking reminder")
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrConflict, r.ID, r.Version)
	}

	r.Version++
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *Reminder, replaced *Reminder) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgUnavailable(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if replaced != nil {
		prev := replaced.Version
		if err := s.save(ctx, tx, replaced); err != nil {
			return err
		}
		defer func() {
			if err != nil {
				replaced.Version = prev
			}
		}()
	}

	if _, err := tx.Exec(ctx, `INSERT INTO reminders(`+pgColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)`,
		r.ID, r.OwnerID, r.SubjectRef, r.Title, string(r.Priority), string(r.State),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(), r.DueAt.UTC(), r.LastFired, r.NextFireAt,
		r.FireCount, r.FailedFires, r.DispatchAttempts); err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: subject %q already has an active reminder", ErrConflict, r.SubjectRef)
		}
		return pgUnavailable(err, "failed inserting reminder")
	}

	if err := tx.Commit(ctx); err != nil {
		return pgUnavailable(err, "failed to commit")
	}
	r.Version = 1
	return nil
}

func (s *PostgresStore) FindDue(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM reminders
WHERE next_fire_at IS NOT NULL AND next_fire_at <= $1
AND state NOT IN ('acknowledged', 'cancelled', 'expired')
ORDER BY next_fire_at ASC`, before.UTC())
	if err != nil {
		return nil, pgUnavailable(err, "failed finding due reminders")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, pgUnavailable(err, "failed scanning reminder id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, pgUnavailable(err, "failed finding due reminders")
	}
	return ids, nil
}

func (s *PostgresStore) FindBySubject(ctx context.Context, ownerID, subjectRef string) (string, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id FROM reminders
WHERE owner_id=$1 AND subject_ref=$2 AND state NOT IN ('acknowledged', 'cancelled', 'expired')`,
		ownerID, subjectRef).Scan(&id)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, pgUnavailable(err, "failed finding reminder by subject")
	}
	return id, true, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Reminder, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgColumns+` FROM reminders
WHERE owner_id=$1 AND state NOT IN ('acknowledged', 'cancelled', 'expired')
ORDER BY due_at ASC`, ownerID)
	if err != nil {
		return nil, pgUnavailable(err, "failed listing reminders")
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanPgReminder(rows)
		if err != nil {
			return nil, pgUnavailable(err, "failed scanning reminder")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, pgUnavailable(err, "failed listing reminders")
	}
	return out, nil
}

// Purge deletes terminal reminders last updated before the cutoff.
func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reminders
WHERE state IN ('acknowledged', 'cancelled', 'expired') AND updated_at < $1`, before.UTC())
	if err != nil {
		return 0, pgUnavailable(err, "failed purging reminders")
	}
	return int(tag.RowsAffected()), nil
}

func scanPgReminder(row pgx.Row) (*Reminder, error) {
	var (
		r               Reminder
		priority, state string
		version         int64
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.SubjectRef, &r.Title, &priority, &state,
		&r.CreatedAt, &r.UpdatedAt, &r.DueAt, &r.LastFired, &r.NextFireAt,
		&r.FireCount, &r.FailedFires, &r.DispatchAttempts, &version); err != nil {
		return nil, err
	}
	r.Priority = Tier(priority)
	r.State = State(state)
	r.Version = uint64(version)
	return &r, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func pgUnavailable(err error, msg string) error {
	return pkgerrors.Wrapf(ErrStoreUnavailable, "%s: %v", msg, err)
}
