package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/record"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoint_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	input_fingerprint TEXT NOT NULL,
	last_completed_index INTEGER NOT NULL,
	saved_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
	idx INTEGER PRIMARY KEY,
	kind TEXT NOT NULL,
	body TEXT NOT NULL
);`

// SQLiteBackend stores one row per outcome; each Save is a single transaction.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create checkpoint dir for %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// One writer; keeps the pure-Go driver from contending with itself.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %q", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create checkpoint schema")
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (Checkpoint, bool, error) {
	var (
		cp      Checkpoint
		savedAt string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT version, run_id, input_fingerprint, last_completed_index, saved_at FROM checkpoint_meta WHERE id = 1`,
	).Scan(&cp.Version, &cp.RunID, &cp.InputFingerprint, &cp.LastCompletedIndex, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errors.Wrap(err, "read checkpoint meta")
	}
	if cp.Version > FormatVersion {
		return Checkpoint{}, false, errors.Newf("unsupported checkpoint version %d", cp.Version)
	}
	if cp.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt); err != nil {
		return Checkpoint{}, false, errors.Wrap(err, "parse saved_at")
	}

	rows, err := b.db.QueryContext(ctx, `SELECT idx, body FROM outcomes ORDER BY idx`)
	if err != nil {
		return Checkpoint{}, false, errors.Wrap(err, "read outcomes")
	}
	defer func() {
		_ = rows.Close()
	}()
	for rows.Next() {
		var (
			idx  int
			body string
		)
		if err := rows.Scan(&idx, &body); err != nil {
			return Checkpoint{}, false, errors.Wrap(err, "scan outcome")
		}
		var o record.Outcome
		if err := json.Unmarshal([]byte(body), &o); err != nil {
			return Checkpoint{}, false, errors.Wrapf(err, "decode outcome %d", idx)
		}
		cp.Outcomes = append(cp.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return Checkpoint{}, false, errors.Wrap(err, "iterate outcomes")
	}
	return cp, true, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, cp Checkpoint) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin checkpoint tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO checkpoint_meta (id, version, run_id, input_fingerprint, last_completed_index, saved_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	version = excluded.version,
	run_id = excluded.run_id,
	input_fingerprint = excluded.input_fingerprint,
	last_completed_index = excluded.last_completed_index,
	saved_at = excluded.saved_at`,
		cp.Version, cp.RunID, cp.InputFingerprint, cp.LastCompletedIndex, cp.SavedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return errors.Wrap(err, "write checkpoint meta")
	}

	// The snapshot is the whole outcome set; released indices must not survive it.
	if _, err = tx.ExecContext(ctx, `DELETE FROM outcomes`); err != nil {
		return errors.Wrap(err, "clear outcomes")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outcomes (idx, kind, body) VALUES (?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare outcome insert")
	}
	defer func() {
		_ = stmt.Close()
	}()
	for _, o := range cp.Outcomes {
		body, mErr := json.Marshal(o)
		if mErr != nil {
			err = errors.Wrapf(mErr, "encode outcome %d", o.Index)
			return err
		}
		if _, err = stmt.ExecContext(ctx, o.Index, string(o.Kind), string(body)); err != nil {
			return errors.Wrapf(err, "write outcome %d", o.Index)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit checkpoint")
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
