package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store that also watches itself, so it needs no
// polling. Watch channels are buffered and a slow reader stalls writers.
type Memory struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers map[int]*memWatch
	nextID   int
	closed   bool
}

type memWatch struct {
	prefix string
	ctx    context.Context
	out    chan Change
	mu     sync.Mutex
	done   bool
}

func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string][]byte),
		watchers: make(map[int]*memWatch),
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	val, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, val...), true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	val := append([]byte{}, value...)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.data[key] = val
	targets := m.matchLocked(key)
	m.mu.Unlock()
	m.notify(targets, Change{Key: key, Value: val})
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	_, existed := m.data[key]
	delete(m.data, key)
	var targets []*memWatch
	if existed {
		targets = m.matchLocked(key)
	}
	m.mu.Unlock()
	m.notify(targets, Change{Key: key, Deleted: true})
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	watchers := m.watchers
	m.watchers = make(map[int]*memWatch)
	m.mu.Unlock()
	for _, w := range watchers {
		w.close()
	}
	return nil
}

// Watch reports every Set and Delete under prefix made after the call.
func (m *Memory) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	w := &memWatch{prefix: prefix, ctx: ctx, out: make(chan Change, 256)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
		w.close()
	}()
	return w.out, nil
}

func (m *Memory) matchLocked(key string) []*memWatch {
	var out []*memWatch
	for _, w := range m.watchers {
		if strings.HasPrefix(key, w.prefix) {
			out = append(out, w)
		}
	}
	return out
}

func (m *Memory) notify(targets []*memWatch, ch Change) {
	for _, w := range targets {
		w.send(ch)
	}
}

func (w *memWatch) send(ch Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	select {
	case w.out <- ch:
	case <-w.ctx.Done():
	}
}

func (w *memWatch) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	close(w.out)
}
