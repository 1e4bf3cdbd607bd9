package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---- queue ----

type QueueOption func(*queueOpts)

type queueOpts struct {
	visibility time.Duration
	pollEvery  time.Duration
}

// WithVisibility sets how long a polled message stays hidden before it is redelivered.
func WithVisibility(d time.Duration) QueueOption {
	return func(o *queueOpts) {
		if d > 0 {
			o.visibility = d
		}
	}
}

func defaultQueueOpts(opts []QueueOption) queueOpts {
	o := queueOpts{visibility: DefaultVisibility, pollEvery: 100 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type memMessage struct {
	id           string
	body         string
	receipt      string
	visibleAfter time.Time
}

type memQueueState struct {
	msgs   []*memMessage
	notify chan struct{}
}

// MemoryQueue is a process-local Queue. Several simulated instances may share one value.
type MemoryQueue struct {
	opts queueOpts

	mu     sync.Mutex
	queues map[string]*memQueueState
}

func NewMemoryQueue(opts ...QueueOption) *MemoryQueue {
	return &MemoryQueue{opts: defaultQueueOpts(opts), queues: map[string]*memQueueState{}}
}

func (q *MemoryQueue) NameOf(id string) string { return nameOf(id) }

func (q *MemoryQueue) Create(_ context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		q.queues[name] = &memQueueState{notify: make(chan struct{})}
	}
	return queueID("mem", name), nil
}

func (q *MemoryQueue) Lookup(_ context.Context, name string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		return "", ErrQueueNotFound
	}
	return queueID("mem", name), nil
}

func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	name := nameOf(id)
	st, ok := q.queues[name]
	if !ok {
		return ErrQueueNotFound
	}
	delete(q.queues, name)
	close(st.notify)
	return nil
}

func (q *MemoryQueue) Send(_ context.Context, id, body string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.queues[nameOf(id)]
	if !ok {
		return "", ErrQueueNotFound
	}
	m := &memMessage{id: uuid.NewString(), body: body}
	st.msgs = append(st.msgs, m)
	close(st.notify)
	st.notify = make(chan struct{})
	return m.id, nil
}

func (q *MemoryQueue) Poll(ctx context.Context, id string, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		out, notify, err := q.take(nameOf(id), max)
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
		case <-notify:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *MemoryQueue) take(name string, max int) ([]Delivery, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.queues[name]
	if !ok {
		return nil, nil, ErrQueueNotFound
	}
	now := time.Now()
	var out []Delivery
	for _, m := range st.msgs {
		if len(out) >= max {
			break
		}
		if now.Before(m.visibleAfter) {
			continue
		}
		m.receipt = uuid.NewString()
		m.visibleAfter = now.Add(q.opts.visibility)
		out = append(out, Delivery{ID: m.id, Receipt: m.receipt, Body: m.body})
	}
	return out, st.notify, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.queues[nameOf(id)]
	if !ok {
		return ErrQueueNotFound
	}
	for i, m := range st.msgs {
		if m.receipt == receipt {
			st.msgs = append(st.msgs[:i], st.msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) ListIDs(_ context.Context, namePrefix string, includeWork bool) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for name := range q.queues {
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		if !includeWork && isWorkQueue(name) {
			continue
		}
		out = append(out, queueID("mem", name))
	}
	sort.Strings(out)
	return out, nil
}

// Len reports the number of messages (visible or in flight) held by a queue.
func (q *MemoryQueue) Len(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.queues[nameOf(id)]; ok {
		return len(st.msgs)
	}
	return 0
}

// ---- key/value ----

type MemoryKV struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{tables: map[string]map[string][]byte{}}
}

func (s *MemoryKV) HasTable(_ context.Context, table string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[table]
	return ok, nil
}

func (s *MemoryKV) CreateTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = map[string][]byte{}
	}
	return nil
}

func (s *MemoryKV) DropTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, table)
	return nil
}

func (s *MemoryKV) Put(_ context.Context, table string, recs ...Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return ErrTableNotFound
	}
	for _, r := range recs {
		t[r.ID] = append([]byte(nil), r.Value...)
	}
	return nil
}

func (s *MemoryKV) Get(_ context.Context, table, id string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return Record{}, false, ErrTableNotFound
	}
	v, ok := t[id]
	if !ok {
		return Record{}, false, nil
	}
	return Record{ID: id, Value: append([]byte(nil), v...)}, true, nil
}

func (s *MemoryKV) Query(_ context.Context, table string, ids []string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, ErrTableNotFound
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if v, ok := t[id]; ok {
			out = append(out, Record{ID: id, Value: append([]byte(nil), v...)})
		}
	}
	return out, nil
}

func (s *MemoryKV) List(_ context.Context, table string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[table]
	if !ok {
		return nil, ErrTableNotFound
	}
	out := make([]Record, 0, len(t))
	for id, v := range t {
		out = append(out, Record{ID: id, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryKV) Delete(_ context.Context, table string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return ErrTableNotFound
	}
	for _, id := range ids {
		delete(t, id)
	}
	return nil
}

func (s *MemoryKV) Close() error { return nil }

// ---- blobs ----

type MemoryBlobs struct {
	mu   sync.RWMutex
	data map[string][]byte // category + "/" + key
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{data: map[string][]byte{}}
}

func blobPath(category, key string) string { return category + "/" + key }

func (b *MemoryBlobs) Put(_ context.Context, category, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[blobPath(category, key)] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBlobs) Get(_ context.Context, category, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[blobPath(category, key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *MemoryBlobs) Delete(_ context.Context, category, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, blobPath(category, key))
	return nil
}

func (b *MemoryBlobs) List(_ context.Context, category, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	full := blobPath(category, prefix)
	var out []string
	for k := range b.data {
		if strings.HasPrefix(k, full) {
			out = append(out, strings.TrimPrefix(k, category+"/"))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBlobs) Close() error { return nil }
