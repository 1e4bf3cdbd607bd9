package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBKV maps tables onto key prefixes of one LevelDB database:
//
//	t\x00<table>          table marker
//	r\x00<table>\x00<id>  record
type LevelDBKV struct {
	db *leveldb.DB
}

func OpenLevelDBKV(cfg Backend) (*LevelDBKV, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, &ldbopts.Options{
		Compression: ldbopts.NoCompression,
		Strict:      ldbopts.StrictAll,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDBKV{db: db}, nil
}

func tableKey(table string) []byte { return []byte("t\x00" + table) }

func recordPrefix(table string) []byte { return []byte("r\x00" + table + "\x00") }

func recordKey(table, id string) []byte { return append(recordPrefix(table), id...) }

func (s *LevelDBKV) Close() error { return s.db.Close() }

func (s *LevelDBKV) HasTable(_ context.Context, table string) (bool, error) {
	return s.db.Has(tableKey(table), nil)
}

func (s *LevelDBKV) requireTable(ctx context.Context, table string) error {
	ok, err := s.HasTable(ctx, table)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTableNotFound
	}
	return nil
}

func (s *LevelDBKV) CreateTable(_ context.Context, table string) error {
	return s.db.Put(tableKey(table), nil, nil)
}

func (s *LevelDBKV) DropTable(_ context.Context, table string) error {
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(recordPrefix(table)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(tableKey(table))
	return s.db.Write(batch, nil)
}

func (s *LevelDBKV) Put(ctx context.Context, table string, recs ...Record) error {
	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, r := range recs {
		batch.Put(recordKey(table, r.ID), r.Value)
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBKV) Get(ctx context.Context, table, id string) (Record, bool, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return Record{}, false, err
	}
	v, err := s.db.Get(recordKey(table, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return Record{ID: id, Value: v}, true, nil
}

func (s *LevelDBKV) Query(ctx context.Context, table string, ids []string) ([]Record, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		v, err := s.db.Get(recordKey(table, id), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Record{ID: id, Value: v})
	}
	return out, nil
}

func (s *LevelDBKV) List(ctx context.Context, table string) ([]Record, error) {
	if err := s.requireTable(ctx, table); err != nil {
		return nil, err
	}
	prefix := recordPrefix(table)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []Record
	for it.Next() {
		out = append(out, Record{
			ID:    string(it.Key()[len(prefix):]),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return out, it.Error()
}

func (s *LevelDBKV) Delete(ctx context.Context, table string, ids ...string) error {
	if err := s.requireTable(ctx, table); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(recordKey(table, id))
	}
	return s.db.Write(batch, nil)
}
