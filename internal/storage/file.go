package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	logx "fleetd/pkg/logx"
)

// FileKV is a single-process KeyValue backend.
//
// Files per table under the root directory:
//   - <table>.snapshot.json (periodic snapshot)
//   - <table>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type FileKV struct {
	log  logx.Logger
	root string

	mu     sync.Mutex
	tables map[string]*fileTable
}

type fileTable struct {
	records map[string][]byte
	journal *os.File
	writes  int
}

type journalOp struct {
	Op    string `json:"op"` // put | del
	ID    string `json:"id"`
	Value []byte `json:"value,omitempty"`
}

const compactEvery = 1000

func OpenFileKV(cfg Backend, log logx.Logger) (*FileKV, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	s := &FileKV{log: log, root: root, tables: map[string]*fileTable{}}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".journal.jsonl")
		if !ok || e.IsDir() {
			continue
		}
		if err := s.load(name); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *FileKV) snapshotPath(table string) string {
	return filepath.Join(s.root, table+".snapshot.json")
}

func (s *FileKV) journalPath(table string) string {
	return filepath.Join(s.root, table+".journal.jsonl")
}

func (s *FileKV) load(table string) error {
	recs := map[string][]byte{}
	if f, err := os.Open(s.snapshotPath(table)); err == nil {
		err = json.NewDecoder(f).Decode(&recs)
		_ = f.Close()
		if err != nil {
			s.log.Warn("file kv snapshot unreadable", logx.String("table", table), logx.Err(err))
			recs = map[string][]byte{}
		}
	}
	if err := replayJournal(s.journalPath(table), recs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	jf, err := os.OpenFile(s.journalPath(table), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.tables[table] = &fileTable{records: recs, journal: jf}
	return nil
}

func replayJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.ID == "" {
			continue
		}
		switch op.Op {
		case "put":
			out[op.ID] = op.Value
		case "del":
			delete(out, op.ID)
		}
	}
	return sc.Err()
}

func (s *FileKV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for _, t := range s.tables {
		if t.journal != nil {
			errs = multierr.Append(errs, t.journal.Close())
			t.journal = nil
		}
	}
	return errs
}

func (s *FileKV) HasTable(_ context.Context, table string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[table]
	return ok, nil
}

func (s *FileKV) CreateTable(_ context.Context, table string) error {
	if strings.ContainsAny(table, `/\`) || table == "" {
		return errors.New("invalid table name: " + table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; ok {
		return nil
	}
	return s.load(table)
}

func (s *FileKV) DropTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	delete(s.tables, table)
	var errs error
	if t.journal != nil {
		errs = multierr.Append(errs, t.journal.Close())
	}
	for _, p := range []string{s.journalPath(table), s.snapshotPath(table)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *FileKV) table(name string) (*fileTable, error) {
	t, ok := s.tables[name]
	if !ok || t.journal == nil {
		return nil, ErrTableNotFound
	}
	return t, nil
}

func (s *FileKV) append(table string, t *fileTable, ops ...journalOp) error {
	enc := json.NewEncoder(t.journal)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			return err
		}
	}
	t.writes += len(ops)
	if t.writes >= compactEvery {
		t.writes = 0
		if err := s.compact(table, t); err != nil {
			s.log.Debug("file kv compact failed", logx.String("table", table), logx.Err(err))
		}
	}
	return nil
}

func (s *FileKV) compact(table string, t *fileTable) error {
	snap := s.snapshotPath(table)
	tmp := snap + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(t.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, snap); err != nil {
		return err
	}
	if err := t.journal.Truncate(0); err != nil {
		return err
	}
	_, err = t.journal.Seek(0, 2)
	return err
}

func (s *FileKV) Put(_ context.Context, table string, recs ...Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	ops := make([]journalOp, 0, len(recs))
	for _, r := range recs {
		v := append([]byte(nil), r.Value...)
		t.records[r.ID] = v
		ops = append(ops, journalOp{Op: "put", ID: r.ID, Value: v})
	}
	return s.append(table, t, ops...)
}

func (s *FileKV) Get(_ context.Context, table, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return Record{}, false, err
	}
	v, ok := t.records[id]
	if !ok {
		return Record{}, false, nil
	}
	return Record{ID: id, Value: append([]byte(nil), v...)}, true, nil
}

func (s *FileKV) Query(_ context.Context, table string, ids []string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if v, ok := t.records[id]; ok {
			out = append(out, Record{ID: id, Value: append([]byte(nil), v...)})
		}
	}
	return out, nil
}

func (s *FileKV) List(_ context.Context, table string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(t.records))
	for id, v := range t.records {
		out = append(out, Record{ID: id, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileKV) Delete(_ context.Context, table string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	ops := make([]journalOp, 0, len(ids))
	for _, id := range ids {
		delete(t.records, id)
		ops = append(ops, journalOp{Op: "del", ID: id})
	}
	return s.append(table, t, ops...)
}

// ---- blobs ----

// FileBlobs keeps one file per blob under <root>/<category>/<key>.
type FileBlobs struct {
	root string
}

func OpenFileBlobs(cfg Backend) (*FileBlobs, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileBlobs{root: root}, nil
}

func (b *FileBlobs) path(category, key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.ContainsAny(category, `/\`) || key == ".." {
		return "", errors.New("invalid blob key: " + category + "/" + key)
	}
	return filepath.Join(b.root, category, key), nil
}

func (b *FileBlobs) Put(_ context.Context, category, key string, data []byte) error {
	p, err := b.path(category, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (b *FileBlobs) Get(_ context.Context, category, key string) ([]byte, bool, error) {
	p, err := b.path(category, key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBlobs) Delete(_ context.Context, category, key string) error {
	p, err := b.path(category, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBlobs) List(_ context.Context, category, prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, category))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasSuffix(n, ".tmp") || !strings.HasPrefix(n, prefix) {
			continue
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (b *FileBlobs) Close() error { return nil }
