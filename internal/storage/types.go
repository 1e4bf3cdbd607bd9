package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrQueueNotFound = errors.New("queue does not exist")
	ErrTableNotFound = errors.New("table does not exist")
	ErrNotFound      = errors.New("not found")
	ErrClosed        = errors.New("storage closed")
)

// WorkQueueSuffix marks shared work queues (location and global).
const WorkQueueSuffix = "-WORK-QUEUE"

// DefaultVisibility is how long a polled, unacknowledged message stays hidden.
const DefaultVisibility = 30 * time.Second

// Queue is an at-least-once message queue addressed by id.
// Ids have the form "<scheme>://<name>".
type Queue interface {
	Create(ctx context.Context, name string) (string, error)
	Lookup(ctx context.Context, name string) (string, error)
	Delete(ctx context.Context, id string) error
	Send(ctx context.Context, id, body string) (string, error)
	Poll(ctx context.Context, id string, max int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, id, receipt string) error
	ListIDs(ctx context.Context, namePrefix string, includeWork bool) ([]string, error)
	NameOf(id string) string
}

type Delivery struct {
	ID      string
	Receipt string
	Body    string
}

type Record struct {
	ID    string
	Value []byte
}

// KeyValue is a table-scoped record store; Put is an upsert by id.
type KeyValue interface {
	HasTable(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, table string) error
	DropTable(ctx context.Context, table string) error
	Put(ctx context.Context, table string, recs ...Record) error
	Get(ctx context.Context, table, id string) (Record, bool, error)
	Query(ctx context.Context, table string, ids []string) ([]Record, error)
	List(ctx context.Context, table string) ([]Record, error)
	Delete(ctx context.Context, table string, ids ...string) error
	Close() error
}

type BlobStore interface {
	Put(ctx context.Context, category, key string, data []byte) error
	Get(ctx context.Context, category, key string) ([]byte, bool, error)
	Delete(ctx context.Context, category, key string) error
	List(ctx context.Context, category, prefix string) ([]string, error)
	Close() error
}

// Backend selects a driver for one collaborator.
//
// Driver values: "memory", "sqlite", "file", "leveldb", "minio" (not all apply to every collaborator).
type Backend struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Secure    bool
}

type Config struct {
	Queue Backend
	KV    Backend
	Blob  Backend
	Minio MinioConfig
}

// queueID joins a scheme and a queue name.
func queueID(scheme, name string) string { return scheme + "://" + name }

// nameOf strips the scheme from a queue id.
func nameOf(id string) string {
	if i := strings.Index(id, "://"); i >= 0 {
		return id[i+3:]
	}
	return id
}

func isWorkQueue(name string) bool { return strings.HasSuffix(name, WorkQueueSuffix) }
