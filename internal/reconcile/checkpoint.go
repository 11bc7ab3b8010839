package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Checkpoint persists a local "last swept" watermark in sqlite so a restart
// right after a clean sweep doesn't have to re-flatten ghosts it already
// just resolved (single-row table, same id=1 pattern as the teacher's
// engine/simple sqlite store).
type Checkpoint struct {
	db *sql.DB
}

// OpenCheckpoint opens (creating if needed) the sqlite watermark database at
// dbPath.
func OpenCheckpoint(dbPath string) (*Checkpoint, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open reconcile checkpoint db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping reconcile checkpoint db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL on reconcile checkpoint db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS reconcile_checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_swept_at INTEGER NOT NULL,
		zombies_closed INTEGER NOT NULL,
		ghosts_closed INTEGER NOT NULL,
		ghosts_adopted INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create reconcile checkpoint table: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// LastSwept returns the timestamp of the last recorded sweep, or the zero
// time if none has been recorded yet.
func (c *Checkpoint) LastSwept(ctx context.Context) (time.Time, error) {
	var unixNano int64
	err := c.db.QueryRowContext(ctx, `SELECT last_swept_at FROM reconcile_checkpoint WHERE id = 1`).Scan(&unixNano)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read reconcile checkpoint: %w", err)
	}
	return time.Unix(0, unixNano), nil
}

// Record stores the outcome of a completed sweep as the new watermark.
func (c *Checkpoint) Record(ctx context.Context, at time.Time, res Result) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO reconcile_checkpoint (id, last_swept_at, zombies_closed, ghosts_closed, ghosts_adopted)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_swept_at=excluded.last_swept_at,
			zombies_closed=excluded.zombies_closed, ghosts_closed=excluded.ghosts_closed, ghosts_adopted=excluded.ghosts_adopted`,
		at.UnixNano(), res.ZombiesClosed, res.GhostsClosed, res.GhostsAdopted)
	if err != nil {
		return fmt.Errorf("record reconcile checkpoint: %w", err)
	}
	return nil
}

func (c *Checkpoint) Close() error {
	return c.db.Close()
}
