// Package sqlite implements store.Store on a local SQLite file using the
// CGO-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/hostd/internal/metrics"
	"github.com/loykin/hostd/internal/store"
)

const busyTimeoutMS = 5000

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at DESC, id DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_records_synced ON records(synced);`,
	`CREATE TABLE IF NOT EXISTS settings(
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
}

// DB implements store.Store. All statements run on a single connection, so
// writers are serialised.
type DB struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
	now    func() time.Time
}

var _ store.Store = (*DB)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, store.WriteError("open", err)
		}
	}
	dsn := fmt.Sprintf(":memory:?_pragma=busy_timeout(%d)", busyTimeoutMS)
	if p != ":memory:" {
		var err error
		if dsn, err = fileDSN(p); err != nil {
			return nil, store.ReadError("open", err)
		}
	}
	d, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, store.ReadError("open", err)
	}
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	d.SetConnMaxLifetime(0)

	s := &DB{db: d, path: p, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

// fileDSN turns a filesystem path into a sqlite URI. The path is escaped so
// '?', '#' and '%' in directory names reach the filesystem unchanged.
func fileDSN(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	path := filepath.ToSlash(abs)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path // C:/x -> /C:/x
	}
	u := url.URL{
		Scheme:   "file",
		Path:     path,
		RawQuery: fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", busyTimeoutMS),
	}
	return u.String(), nil
}

// Path returns the database file path.
func (s *DB) Path() string { return s.path }

func (s *DB) ensureSchema(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return store.WriteError("ensure_schema", err)
		}
	}
	return nil
}

func (s *DB) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	if err := s.db.PingContext(ctx); err != nil {
		return store.ReadError("ping", err)
	}
	return nil
}

func (s *DB) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *DB) observe(op string, err error) error {
	metrics.ObserveStoreOp(op, err)
	return err
}

func (s *DB) SaveRecord(ctx context.Context, kind string, payload []byte) (id int64, err error) {
	defer func() { _ = s.observe("save_record", err) }()
	if s.closed.Load() {
		return 0, store.ErrClosed
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return 0, store.ErrInvalidPayload
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(kind, payload, created_at, synced) VALUES(?, ?, ?, 0);`,
		kind, string(payload), s.now().UTC().UnixNano())
	if err != nil {
		return 0, store.WriteError("save_record", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, store.WriteError("save_record", err)
	}
	return id, nil
}

func (s *DB) ListRecords(ctx context.Context, limit, offset int) (recs []store.Record, err error) {
	defer func() { _ = s.observe("list_records", err) }()
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, created_at, synced
		FROM records
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?;`, store.NormalizeLimit(limit), offset)
	if err != nil {
		return nil, store.ReadError("list_records", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows, "list_records")
}

func (s *DB) ListUnsynced(ctx context.Context, limit int) (recs []store.Record, err error) {
	defer func() { _ = s.observe("list_unsynced", err) }()
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, created_at, synced
		FROM records
		WHERE synced = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?;`, store.NormalizeLimit(limit))
	if err != nil {
		return nil, store.ReadError("list_unsynced", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows, "list_unsynced")
}

func (s *DB) GetRecord(ctx context.Context, id int64) (rec store.Record, err error) {
	defer func() {
		if !errors.Is(err, store.ErrNotFound) {
			_ = s.observe("get_record", err)
		}
	}()
	if s.closed.Load() {
		return store.Record{}, store.ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, payload, created_at, synced FROM records WHERE id = ?;`, id)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, store.ReadError("get_record", err)
	}
	return rec, nil
}

func (s *DB) DeleteRecord(ctx context.Context, id int64) (deleted bool, err error) {
	defer func() { _ = s.observe("delete_record", err) }()
	if s.closed.Load() {
		return false, store.ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?;`, id)
	if err != nil {
		return false, store.WriteError("delete_record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.WriteError("delete_record", err)
	}
	return n > 0, nil
}

// MarkSynced flags the given records as uploaded and returns how many changed.
func (s *DB) MarkSynced(ctx context.Context, ids ...int64) (n int64, err error) {
	defer func() { _ = s.observe("mark_synced", err) }()
	if s.closed.Load() {
		return 0, store.ErrClosed
	}
	if len(ids) == 0 {
		return 0, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET synced = 1 WHERE synced = 0 AND id IN (`+ph+`);`, args...)
	if err != nil {
		return 0, store.WriteError("mark_synced", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, store.WriteError("mark_synced", err)
	}
	return n, nil
}

func (s *DB) CountRecords(ctx context.Context) (n int64, err error) {
	defer func() { _ = s.observe("count_records", err) }()
	if s.closed.Load() {
		return 0, store.ErrClosed
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records;`).Scan(&n); err != nil {
		return 0, store.ReadError("count_records", err)
	}
	return n, nil
}

// PurgeSyncedBefore deletes synced records created before the cutoff.
// Unsynced records are never purged.
func (s *DB) PurgeSyncedBefore(ctx context.Context, before time.Time) (n int64, err error) {
	defer func() { _ = s.observe("purge_synced", err) }()
	if s.closed.Load() {
		return 0, store.ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE synced = 1 AND created_at < ?;`, before.UTC().UnixNano())
	if err != nil {
		return 0, store.WriteError("purge_synced", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, store.WriteError("purge_synced", err)
	}
	return n, nil
}

func (s *DB) GetSetting(ctx context.Context, key string) (st store.Setting, err error) {
	defer func() {
		if !errors.Is(err, store.ErrNotFound) {
			_ = s.observe("get_setting", err)
		}
	}()
	if s.closed.Load() {
		return store.Setting{}, store.ErrClosed
	}
	var updated int64
	err = s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = ?;`, key).
		Scan(&st.Key, &st.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Setting{}, store.ErrNotFound
	}
	if err != nil {
		return store.Setting{}, store.ReadError("get_setting", err)
	}
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return st, nil
}

func (s *DB) SetSetting(ctx context.Context, key, value string) (err error) {
	defer func() { _ = s.observe("set_setting", err) }()
	if s.closed.Load() {
		return store.ErrClosed
	}
	if strings.TrimSpace(key) == "" {
		return store.ErrInvalidKey
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at;`,
		key, value, s.now().UTC().UnixNano())
	if err != nil {
		return store.WriteError("set_setting", err)
	}
	return nil
}

func (s *DB) DeleteSetting(ctx context.Context, key string) (deleted bool, err error) {
	defer func() { _ = s.observe("delete_setting", err) }()
	if s.closed.Load() {
		return false, store.ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?;`, key)
	if err != nil {
		return false, store.WriteError("delete_setting", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.WriteError("delete_setting", err)
	}
	return n > 0, nil
}

func (s *DB) ListSettings(ctx context.Context) (out []store.Setting, err error) {
	defer func() { _ = s.observe("list_settings", err) }()
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM settings ORDER BY key;`)
	if err != nil {
		return nil, store.ReadError("list_settings", err)
	}
	defer func() { _ = rows.Close() }()
	out = make([]store.Setting, 0)
	for rows.Next() {
		var st store.Setting
		var updated int64
		if err := rows.Scan(&st.Key, &st.Value, &updated); err != nil {
			return nil, store.ReadError("list_settings", err)
		}
		st.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, store.ReadError("list_settings", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (store.Record, error) {
	var r store.Record
	var payload string
	var created int64
	var synced int
	if err := sc.Scan(&r.ID, &r.Kind, &payload, &created, &synced); err != nil {
		return store.Record{}, err
	}
	r.Payload = json.RawMessage(payload)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.Synced = synced != 0
	return r, nil
}

func scanRecords(rows *sql.Rows, op string) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, store.ReadError(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, store.ReadError(op, err)
	}
	return out, nil
}
