// Package checkpoint persists the session supervisor's recovery state
// — session identity, direction identifiers, and receive high-water
// marks — to a sqlite-backed store, so a restarted supervisor can
// resume replay-window tracking without re-handshaking. Session keys
// are never persisted: a checkpoint lets the supervisor reject
// already-seen sequence numbers after restart, not resume
// cryptographic state.
package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is the CBOR-encoded payload stored per session. Keys are
// intentionally absent from this type: nothing here can be used to
// decrypt traffic, only to reject replays after a restart.
type Record struct {
	SessionID     string
	DirectionIDs  []uint32
	RxHighWaters  map[uint32]uint64
	InstalledAtMS int64
}

// Store is a sqlite-backed checkpoint table, opened once per process.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and
// applies any pending embedded migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Save upserts the checkpoint for rec.SessionID, CBOR-encoding rec
// into the stored blob.
func (s *Store) Save(ctx context.Context, rec Record) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, record, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		rec.SessionID, blob)
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load retrieves the checkpoint for sessionID. Returns sql.ErrNoRows
// if none exists.
func (s *Store) Load(ctx context.Context, sessionID string) (Record, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&blob)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return Record{}, fmt.Errorf("checkpoint: decode record: %w", err)
	}
	return rec, nil
}

// Delete removes the checkpoint for sessionID, e.g. once a session
// closes cleanly and its replay state no longer matters.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("checkpoint: delete: %w", err)
	}
	return nil
}
