package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/multierr"

	logx "fleetd/pkg/logx"
)

// Stores bundles the three collaborators opened from one Config.
type Stores struct {
	Queue Queue
	KV    KeyValue
	Blobs BlobStore

	closers []io.Closer
}

// Open initializes every configured collaborator. On error, whatever was
// already opened is closed.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Stores, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Stores{}

	q, err := OpenQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}
	s.Queue = q
	if c, ok := q.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}

	kv, err := OpenKeyValue(cfg.KV, log)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.KV = kv
	s.closers = append(s.closers, kv)

	blobs, err := OpenBlobStore(ctx, cfg.Blob, cfg.Minio)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.Blobs = blobs
	s.closers = append(s.closers, blobs)

	log.Info("storage opened",
		logx.String("queue", driverName(cfg.Queue.Driver)),
		logx.String("kv", driverName(cfg.KV.Driver)),
		logx.String("blob", driverName(cfg.Blob.Driver)),
	)
	return s, nil
}

func (s *Stores) Close() error {
	if s == nil {
		return nil
	}
	var errs error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, s.closers[i].Close())
	}
	s.closers = nil
	return errs
}

func driverName(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return "memory"
	}
	return d
}

func OpenQueue(cfg Backend, opts ...QueueOption) (Queue, error) {
	switch d := driverName(cfg.Driver); d {
	case "memory":
		return NewMemoryQueue(opts...), nil
	case "sqlite", "sqlite3":
		return OpenSQLiteQueue(cfg, opts...)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown queue driver: " + d)
	}
}

func OpenKeyValue(cfg Backend, log logx.Logger) (KeyValue, error) {
	switch d := driverName(cfg.Driver); d {
	case "memory":
		return NewMemoryKV(), nil
	case "sqlite", "sqlite3":
		return OpenSQLiteKV(cfg)
	case "file":
		return OpenFileKV(cfg, log)
	case "leveldb":
		return OpenLevelDBKV(cfg)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown kv driver: " + d)
	}
}

func OpenBlobStore(ctx context.Context, cfg Backend, mcfg MinioConfig) (BlobStore, error) {
	switch d := driverName(cfg.Driver); d {
	case "memory":
		return NewMemoryBlobs(), nil
	case "sqlite", "sqlite3":
		return OpenSQLiteBlobs(cfg)
	case "file":
		return OpenFileBlobs(cfg)
	case "minio", "s3":
		return OpenMinioBlobs(ctx, mcfg)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown blob driver: " + d)
	}
}
