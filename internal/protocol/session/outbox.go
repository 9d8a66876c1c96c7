package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/frame"
)

// PendingUpdate is one outbound update waiting for the link to come back.
type PendingUpdate struct {
	Key           string
	Kind          frame.Kind
	Value         []byte
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string

	seq uint64
}

// Outbox holds at most limit pending updates keyed by the exact bare key. A newer update
// for a queued key replaces it and moves to the back; when full, the oldest
// entry is evicted.
type Outbox struct {
	mu      sync.RWMutex
	limit   int
	seq     uint64
	evicted uint64
	items   map[string]PendingUpdate
}

func NewOutbox(limit int) *Outbox {
	if limit < 0 {
		limit = 0
	}
	return &Outbox{
		limit: limit,
		items: make(map[string]PendingUpdate),
	}
}

// Upsert queues item and reports the entry evicted to make room, if any.
func (o *Outbox) Upsert(item PendingUpdate) (PendingUpdate, bool) {
	key := item.Key
	if key == "" {
		return PendingUpdate{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit == 0 {
		o.evicted++
		return item, true
	}
	o.seq++
	item.seq = o.seq
	if _, exists := o.items[key]; exists {
		o.items[key] = item
		return PendingUpdate{}, false
	}

	var (
		victim PendingUpdate
		ok     bool
	)
	if len(o.items) >= o.limit {
		var oldest string
		oldest, victim, ok = o.oldestLocked()
		if ok {
			delete(o.items, oldest)
			o.evicted++
		}
	}
	o.items[key] = item
	return victim, ok
}

// oldestLocked returns the map key of the oldest entry along with it.
func (o *Outbox) oldestLocked() (string, PendingUpdate, bool) {
	var (
		key    string
		oldest PendingUpdate
		found  bool
	)
	for k, item := range o.items {
		if !found || item.seq < oldest.seq {
			key = k
			oldest = item
			found = true
		}
	}
	return key, oldest, found
}

func (o *Outbox) MarkAttempt(key string, at time.Time, lastErr string) (PendingUpdate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingUpdate{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

// RemoveIfCurrent drops key only when it still holds the entry returned by
// List, so a replacement queued during a flush survives.
func (o *Outbox) RemoveIfCurrent(item PendingUpdate) bool {
	key := item.Key
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.items[key]
	if !ok || cur.seq != item.seq {
		return false
	}
	delete(o.items, key)
	return true
}

func (o *Outbox) Remove(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(key string) (PendingUpdate, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

// List returns pending updates in queue order.
func (o *Outbox) List() []PendingUpdate {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingUpdate, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Evicted counts updates dropped because the queue was full.
func (o *Outbox) Evicted() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.evicted
}
