package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"msgarchive/internal/domain"
	"msgarchive/internal/storage"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS msg (
	ulid TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	retain INTEGER NOT NULL DEFAULT 0,
	qos INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_msg_topic_ulid ON msg(topic, ulid);
`

const (
	insertSQL = `INSERT INTO msg (ulid, topic, payload, timestamp, retain, qos) VALUES (?1, ?2, ?3, ?4, ?5, ?6)`
	deleteSQL = `DELETE FROM msg WHERE topic = ?1 AND ulid = ?2`
	latestSQL = `SELECT ulid FROM msg WHERE topic = ?1 ORDER BY ulid DESC LIMIT 1`
)

// Store keeps archived messages in a single SQLite database in WAL mode.
type Store struct {
	db     *sql.DB
	insert *sql.Stmt
	remove *sql.Stmt
	latest *sql.Stmt
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open creates the database file and schema if needed and prepares the
// statements used at runtime. Any failure closes the handle.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir data dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	var err error
	if s.insert, err = s.db.PrepareContext(ctx, insertSQL); err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	if s.remove, err = s.db.PrepareContext(ctx, deleteSQL); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	if s.latest, err = s.db.PrepareContext(ctx, latestSQL); err != nil {
		return fmt.Errorf("prepare latest: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx, insert: tx.StmtContext(ctx, s.insert)}, nil
}

func (s *Store) Delete(ctx context.Context, topic, id string) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	res, err := s.remove.ExecContext(ctx, topic, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) LatestID(ctx context.Context, topic string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, storage.ErrClosed
	}
	var id string
	err := s.latest.QueryRowContext(ctx, topic).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, st := range []*sql.Stmt{s.insert, s.remove, s.latest} {
		if st == nil {
			continue
		}
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type txn struct {
	tx     *sql.Tx
	insert *sql.Stmt
}

// Insert relies on SQLite rolling back only the failing statement, so a
// rejected row leaves the rest of the transaction intact.
func (t *txn) Insert(ctx context.Context, rec domain.Record) error {
	_, err := t.insert.ExecContext(ctx, rec.ID, rec.Topic, rec.Payload, rec.Timestamp, boolToInt(rec.Retain), int(rec.QoS))
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, rec.ID)
	}
	return err
}

func (t *txn) Commit() error { return t.tx.Commit() }

func (t *txn) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isConstraint(err error) bool {
	var se *msqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
