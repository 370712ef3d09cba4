package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/daybook-io/daybook/pkg/models"
)

// PostgresArchive keeps a durable copy of finished entries in PostgreSQL.
// It is optional: the engine runs against the in-memory store alone, and
// archiving failures are logged, never fatal. Users provide their own
// instance via DAYBOOK_POSTGRES_URL.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive connects to PostgreSQL and creates the entries table
// if it doesn't exist.
func NewPostgresArchive(ctx context.Context, connURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	a := &PostgresArchive{pool: pool}
	if err := a.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres entry archive initialized")
	return a, nil
}

func (a *PostgresArchive) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS db_entries (
			id         TEXT PRIMARY KEY,
			category   TEXT NOT NULL,
			event_id   TEXT NOT NULL,
			event_name TEXT NOT NULL,
			content    TEXT NOT NULL,
			emotion    TEXT NOT NULL DEFAULT '',
			provider   TEXT NOT NULL,
			model      TEXT NOT NULL,
			claimed    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_db_entries_category ON db_entries (category);
		CREATE INDEX IF NOT EXISTS idx_db_entries_created ON db_entries (created_at);
	`
	_, err := a.pool.Exec(ctx, ddl)
	return err
}

// ArchiveEntry writes one entry to the archive. Re-archiving the same id
// is a no-op.
func (a *PostgresArchive) ArchiveEntry(ctx context.Context, e *models.Entry) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO db_entries (id, category, event_id, event_name, content, emotion, provider, model, claimed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Category, e.EventID, e.EventName, e.Text, e.Emotion, e.Provider, e.Model, e.Claimed, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", e.ID, err)
	}
	return nil
}

// ListArchived returns the most recent archived entries.
func (a *PostgresArchive) ListArchived(ctx context.Context, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT id, category, event_id, event_name, content, emotion, provider, model, claimed, created_at
		FROM db_entries ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close()

	var out []models.Entry
	for rows.Next() {
		var e models.Entry
		if err := rows.Scan(&e.ID, &e.Category, &e.EventID, &e.EventName, &e.Text, &e.Emotion, &e.Provider, &e.Model, &e.Claimed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan archived entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}
