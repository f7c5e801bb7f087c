// Package store provides the durable local cache of sync records, scoped to
// a single device profile.
//
// The store is a SQLite database opened in WAL mode so that several
// processes ("tabs") on the same device can read and write it concurrently.
// It is the only resource shared between sync engine instances: there is no
// distributed lock, and safety relies on checksum validation on every read,
// version comparison rejecting stale overwrites, and conflict resolution
// living one layer up.
//
// Every accepted write also appends a row to the oplog table. Other
// processes watch the oplog to learn about mutations they did not perform
// themselves (see the notify package).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pitchcall/pitchcall/internal/record"
)

// ErrNotFound is returned by Get when no valid record exists for an id.
// Corrupt rows (checksum mismatch) are reported as not found so that callers
// re-fetch from the remote store instead of trusting damaged data.
var ErrNotFound = errors.New("record not found")

// ConflictError is returned by Put when the incoming version does not
// advance past the stored one. The store performs no resolution itself;
// callers route both versions through the conflict resolver and persist the
// winner with ForcePut.
type ConflictError struct {
	Existing *record.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on record %s: stored version %d",
		e.Existing.ID, e.Existing.Meta.Version)
}

// Change is one oplog row: a record mutation visible to every process
// sharing the store.
type Change struct {
	Seq      int64
	RecordID string
	Origin   string
	Version  int64
	At       time.Time
}

// Store wraps the SQLite connection holding records, the oplog, and the
// device profile metadata.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the record store at the given path.
//
// The database is opened in WAL mode with a busy timeout so concurrent
// processes block briefly instead of failing. The caller MUST call Close()
// when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return s, nil
}

// Path returns the database file path. The notify package watches its
// directory for write activity.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		origin TEXT NOT NULL,
		version INTEGER NOT NULL,
		checksum INTEGER NOT NULL,
		class TEXT NOT NULL,
		state INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS oplog (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		version INTEGER NOT NULL,
		at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_state ON records(state);
	CREATE INDEX IF NOT EXISTS idx_oplog_record ON oplog(record_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Put inserts or overwrites the record under its id.
//
// If a row already exists and the incoming version does not advance past it,
// Put returns a *ConflictError carrying the stored record and leaves the
// store untouched: resolution is the caller's job. Re-putting a record that
// is byte-identical to the stored one (same version and checksum) is a
// no-op, so idempotent replays succeed silently.
func (s *Store) Put(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getTx(ctx, tx, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if rec.Meta.Version == existing.Meta.Version && rec.Meta.Checksum == existing.Meta.Checksum {
			return nil // idempotent replay
		}
		if rec.Meta.Version <= existing.Meta.Version {
			return &ConflictError{Existing: existing}
		}
		if existing.State == record.StateConflicted && rec.State != record.StatePending {
			// An unresolved conflict may only be replaced by a
			// resolution, which always re-enters as a pending write.
			return &ConflictError{Existing: existing}
		}
	}

	if err := upsertTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := appendOplogTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit put: %w", err)
	}
	return nil
}

// ForcePut overwrites the record unconditionally. This is the persistence
// path for conflict-resolution winners, whose version has already been
// advanced past every version they replaced.
func (s *Store) ForcePut(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTx(ctx, tx, rec); err != nil {
		return err
	}
	if err := appendOplogTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit force put: %w", err)
	}
	return nil
}

// Get returns the current record for id, or ErrNotFound.
//
// The payload checksum is validated on every read. A mismatch means the
// local copy is corrupt: the row is deleted and ErrNotFound returned so the
// caller falls back to the remote store.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	rec, err := getConn(ctx, s.conn, id)
	if err != nil {
		return nil, err
	}

	if !rec.VerifyChecksum() {
		if _, derr := s.conn.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); derr != nil {
			return nil, fmt.Errorf("failed to drop corrupt record %s: %w", id, derr)
		}
		return nil, ErrNotFound
	}

	return rec, nil
}

// MarkSynced flips a record to cloud-confirmed, but only if it still carries
// the version that was uploaded. A record mutated mid-upload stays pending.
func (s *Store) MarkSynced(ctx context.Context, id string, version int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET state = ?, class = ? WHERE id = ? AND version = ?`,
		record.StateSynced, record.ClassCloud, id, version)
	if err != nil {
		return fmt.Errorf("failed to mark record %s synced: %w", id, err)
	}
	return nil
}

// ListIDs returns every record id currently held in the store.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list record ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record ids: %w", err)
	}
	return ids, nil
}

// Count returns the number of records in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// DeviceID returns the stable identifier for this device profile,
// generating and persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'device_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id = uuid.NewString()
	// Another process may have raced us; keep whichever landed first.
	if _, err := s.conn.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('device_id', ?)
		 ON CONFLICT(key) DO NOTHING`, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	if err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'device_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to re-read device id: %w", err)
	}
	return id, nil
}

// LatestSeq returns the newest oplog sequence number, or 0 when the log is
// empty. Watchers start from here so they only see future mutations.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM oplog`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest oplog seq: %w", err)
	}
	return seq.Int64, nil
}

// ChangesSince returns oplog entries with a sequence number greater than
// seq, oldest first.
func (s *Store) ChangesSince(ctx context.Context, seq int64) ([]Change, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, record_id, origin, version, at FROM oplog WHERE seq > ? ORDER BY seq ASC`, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query oplog: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var at string
		if err := rows.Scan(&c.Seq, &c.RecordID, &c.Origin, &c.Version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan oplog row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			c.At = t
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating oplog: %w", err)
	}
	return changes, nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, rec *record.Record) error {
	query := `
	INSERT INTO records (
		id, payload, created_at, modified_at, origin,
		version, checksum, class, state
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		modified_at = excluded.modified_at,
		origin = excluded.origin,
		version = excluded.version,
		checksum = excluded.checksum,
		class = excluded.class,
		state = excluded.state
	`

	_, err := tx.ExecContext(ctx, query,
		rec.ID,
		[]byte(rec.Payload),
		rec.Meta.CreatedAt.Format(time.RFC3339Nano),
		rec.Meta.ModifiedAt.Format(time.RFC3339Nano),
		rec.Meta.Origin,
		rec.Meta.Version,
		rec.Meta.Checksum,
		string(rec.Meta.Class),
		rec.State,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}
	return nil
}

func appendOplogTx(ctx context.Context, tx *sql.Tx, rec *record.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO oplog (record_id, origin, version, at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Meta.Origin, rec.Meta.Version, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append oplog entry for %s: %w", rec.ID, err)
	}
	return nil
}

// querier covers both *sql.DB and *sql.Tx for the shared read path.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getConn(ctx context.Context, q querier, id string) (*record.Record, error) {
	return scanRecord(q.QueryRowContext(ctx, `
	SELECT id, payload, created_at, modified_at, origin,
	       version, checksum, class, state
	FROM records WHERE id = ?`, id))
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*record.Record, error) {
	return getConn(ctx, tx, id)
}

func scanRecord(row *sql.Row) (*record.Record, error) {
	var rec record.Record
	var payload []byte
	var createdAt, modifiedAt, class string
	var state int

	err := row.Scan(
		&rec.ID,
		&payload,
		&createdAt,
		&modifiedAt,
		&rec.Meta.Origin,
		&rec.Meta.Version,
		&rec.Meta.Checksum,
		&class,
		&state,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Payload = payload
	rec.Meta.Class = record.Class(class)
	rec.State = record.State(state)

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.Meta.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, modifiedAt); err == nil {
		rec.Meta.ModifiedAt = t
	}

	return &rec, nil
}
