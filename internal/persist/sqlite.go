package persist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/lampbot/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
  key TEXT NOT NULL PRIMARY KEY,
  data BLOB NOT NULL,
  updated_at TEXT NOT NULL
);`

const snapshotKey = "state"

// SQLiteStore keeps the snapshot as a single row.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database. tuning applies the extra
// pragmas from applySQLitePragmas.
func OpenSQLite(path string, tuning bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if tuning {
		applySQLitePragmas(context.Background(), db)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE key = ?`, snapshotKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(core.ErrNotFound, "sqlite snapshot")
	}
	if err != nil {
		return nil, errors.Wrap(err, "select snapshot")
	}
	return data, nil
}

func (s *SQLiteStore) Store(ctx context.Context, data []byte) error {
	const q = `INSERT INTO snapshots (key, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at;`
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, q, snapshotKey, data, ts)
	return errors.Wrap(err, "upsert snapshot")
}
