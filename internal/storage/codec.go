package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"
)

// PutJSON upserts v encoded as JSON under id.
func PutJSON[T any](ctx context.Context, kv KeyValue, table, id string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, id, err)
	}
	return kv.Put(ctx, table, Record{ID: id, Value: b})
}

func GetJSON[T any](ctx context.Context, kv KeyValue, table, id string) (T, bool, error) {
	var out T
	rec, ok, err := kv.Get(ctx, table, id)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(rec.Value, &out); err != nil {
		return out, false, fmt.Errorf("decode %s/%s: %w", table, id, err)
	}
	return out, true, nil
}

// ListJSON decodes every record of a table. Undecodable records are skipped
// and reported in the returned error alongside the decoded values.
func ListJSON[T any](ctx context.Context, kv KeyValue, table string) ([]T, error) {
	recs, err := kv.List(ctx, table)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, recs)
}

func QueryJSON[T any](ctx context.Context, kv KeyValue, table string, ids []string) ([]T, error) {
	recs, err := kv.Query(ctx, table, ids)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](table, recs)
}

func decodeAll[T any](table string, recs []Record) ([]T, error) {
	out := make([]T, 0, len(recs))
	var errs error
	for _, r := range recs {
		var v T
		if err := json.Unmarshal(r.Value, &v); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("decode %s/%s: %w", table, r.ID, err))
			continue
		}
		out = append(out, v)
	}
	return out, errs
}
