package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

func openSQLiteDB(cfg Backend) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(string(b)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return db, nil
}

// ---- queue ----

// SQLiteQueue stores queues in one database file; processes sharing the
// file form one fleet.
type SQLiteQueue struct {
	db   *sql.DB
	opts queueOpts
}

func OpenSQLiteQueue(cfg Backend, opts ...QueueOption) (*SQLiteQueue, error) {
	db, err := openSQLiteDB(cfg)
	if err != nil {
		return nil, err
	}
	return &SQLiteQueue{db: db, opts: defaultQueueOpts(opts)}, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) NameOf(id string) string { return nameOf(id) }

func (q *SQLiteQueue) Create(ctx context.Context, name string) (string, error) {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queues(name, created_at) VALUES(?,?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return queueID("sqlite", name), nil
}

func (q *SQLiteQueue) exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `SELECT 1 FROM queues WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (q *SQLiteQueue) Lookup(ctx context.Context, name string) (string, error) {
	ok, err := q.exists(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrQueueNotFound
	}
	return queueID("sqlite", name), nil
}

func (q *SQLiteQueue) Delete(ctx context.Context, id string) error {
	name := nameOf(id)
	res, err := q.db.ExecContext(ctx, `DELETE FROM queues WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueueNotFound
	}
	_, err = q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE queue = ?`, name)
	return err
}

func (q *SQLiteQueue) Send(ctx context.Context, id, body string) (string, error) {
	name := nameOf(id)
	ok, err := q.exists(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrQueueNotFound
	}
	mid := uuid.NewString()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_messages(id, queue, body, visible_after) VALUES(?,?,?,0)`,
		mid, name, body,
	)
	if err != nil {
		return "", err
	}
	return mid, nil
}

func (q *SQLiteQueue) Poll(ctx context.Context, id string, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	name := nameOf(id)
	deadline := time.Now().Add(wait)
	for {
		ok, err := q.exists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrQueueNotFound
		}
		out, err := q.claim(ctx, name, max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, q.opts.pollEvery))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// claim hides up to max visible messages in a single statement.
func (q *SQLiteQueue) claim(ctx context.Context, name string, max int) ([]Delivery, error) {
	now := time.Now()
	rows, err := q.db.QueryContext(ctx,
		`UPDATE queue_messages
		   SET receipt = ? || ':' || id, visible_after = ?
		 WHERE seq IN (
			SELECT seq FROM queue_messages
			 WHERE queue = ? AND visible_after <= ?
			 ORDER BY seq LIMIT ?)
		 RETURNING seq, id, receipt, body`,
		uuid.NewString(), now.Add(q.opts.visibility).UnixMilli(), name, now.UnixMilli(), max,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type claimed struct {
		seq int64
		d   Delivery
	}
	var got []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.seq, &c.d.ID, &c.d.Receipt, &c.d.Body); err != nil {
			return nil, err
		}
		got = append(got, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.Slice(got, func(i, j int) bool { return got[i].seq < got[j].seq })
	out := make([]Delivery, 0, len(got))
	for _, c := range got {
		out = append(out, c.d)
	}
	return out, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, id, receipt string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = ? AND receipt = ?`, nameOf(id), receipt)
	return err
}

func (q *SQLiteQueue) ListIDs(ctx context.Context, namePrefix string, includeWork bool) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT name FROM queues WHERE substr(name, 1, ?) = ? ORDER BY name`,
		len(namePrefix), namePrefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !includeWork && isWorkQueue(name) {
			continue
		}
		out = append(out, queueID("sqlite", name))
	}
	return out, rows.Err()
}

// ---- key/value ----

type SQLiteKV struct {
	db *sql.DB
}

func OpenSQLiteKV(cfg Backend) (*SQLiteKV, error) {
	db, err := openSQLiteDB(cfg)
	if err != nil {
		return nil, err
	}
	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) Close() error { return s.db.Close() }

func (s *SQLiteKV) HasTable(ctx context.Context, table string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM kv_tables WHERE name = ?`, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteKV) requireTable(ctx context.Context, table string) error {
	ok, err := s.HasTable(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTableNotFound
	}
	return nil
}

func (s *SQLiteKV) CreateTable(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_tables(name) VALUES(?) ON CONFLICT(name) DO NOTHING`, table)
	return err
}

func (s *SQLiteKV) DropTable(ctx context.Context, table string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = ?`, table); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_tables WHERE name = ?`, table); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteKV) Put(ctx context.Context, table string, recs ...Record) error {
	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, r := range recs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv_records(tbl, id, value) VALUES(?,?,?)
			 ON CONFLICT(tbl, id) DO UPDATE SET value = excluded.value`,
			table, r.ID, r.Value,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteKV) Get(ctx context.Context, table, id string) (Record, bool, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return Record{}, false, err
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_records WHERE tbl = ? AND id = ?`, table, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return Record{ID: id, Value: v}, true, nil
}

func (s *SQLiteKV) Query(ctx context.Context, table string, ids []string) ([]Record, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, table)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return s.scan(s.db.QueryContext(ctx,
		`SELECT id, value FROM kv_records WHERE tbl = ? AND id IN (`+placeholders+`) ORDER BY id`, args...))
}

func (s *SQLiteKV) List(ctx context.Context, table string) ([]Record, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	return s.scan(s.db.QueryContext(ctx, `SELECT id, value FROM kv_records WHERE tbl = ? ORDER BY id`, table))
}

func (s *SQLiteKV) scan(rows *sql.Rows, err error) ([]Record, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteKV) Delete(ctx context.Context, table string, ids ...string) error {
	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE tbl = ? AND id = ?`, table, id); err != nil {
			return err
		}
	}
	return nil
}

// ---- blobs ----

type SQLiteBlobs struct {
	db *sql.DB
}

func OpenSQLiteBlobs(cfg Backend) (*SQLiteBlobs, error) {
	db, err := openSQLiteDB(cfg)
	if err != nil {
		return nil, err
	}
	return &SQLiteBlobs{db: db}, nil
}

func (b *SQLiteBlobs) Close() error { return b.db.Close() }

func (b *SQLiteBlobs) Put(ctx context.Context, category, key string, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO blobs(category, key, data) VALUES(?,?,?)
		 ON CONFLICT(category, key) DO UPDATE SET data = excluded.data`,
		category, key, data,
	)
	return err
}

func (b *SQLiteBlobs) Get(ctx context.Context, category, key string) ([]byte, bool, error) {
	var v []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE category = ? AND key = ?`, category, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *SQLiteBlobs) Delete(ctx context.Context, category, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE category = ? AND key = ?`, category, key)
	return err
}

func (b *SQLiteBlobs) List(ctx context.Context, category, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE category = ? AND substr(key, 1, ?) = ? ORDER BY key`,
		category, len(prefix), prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
