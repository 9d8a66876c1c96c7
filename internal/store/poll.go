package store

import (
	"bytes"
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/session"
	logs "github.com/danmuck/smplog"
)

// PollWatcher finds changes by rescanning the prefix on an interval and
// diffing against the previous scan. Keys present at the first scan are
// reported as sets.
type PollWatcher struct {
	Store    Store
	Interval time.Duration
	Backoff  session.BackoffConfig
}

func NewPollWatcher(s Store, interval time.Duration) *PollWatcher {
	return &PollWatcher{
		Store:    s,
		Interval: interval,
		Backoff:  session.DefaultConfig().Backoff,
	}
}

func (w *PollWatcher) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	if w.Store == nil {
		return nil, ErrClosed
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	out := make(chan Change, 64)
	go w.loop(ctx, prefix, interval, out)
	return out, nil
}

func (w *PollWatcher) loop(ctx context.Context, prefix string, interval time.Duration, out chan<- Change) {
	defer close(out)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	last := make(map[string][]byte)
	failures := 0
	for {
		next, err := w.scan(ctx, prefix)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logs.Warnf("store.PollWatcher.loop prefix=%q failures=%d err=%v", prefix, failures, err)
			if err := session.SleepBackoff(ctx, w.Backoff, failures, rng); err != nil {
				return
			}
			continue
		}
		failures = 0
		for _, ch := range diff(last, next) {
			if !emit(ctx, out, ch) {
				return
			}
		}
		last = next

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *PollWatcher) scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	keys, err := w.Store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	snap := make(map[string][]byte, len(keys))
	for _, k := range keys {
		val, ok, err := w.Store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		// deleted between SCAN and GET
		if !ok {
			continue
		}
		snap[k] = val
	}
	return snap, nil
}

// diff returns the changes that turn prev into next, ordered by key.
func diff(prev, next map[string][]byte) []Change {
	var out []Change
	for k, v := range next {
		if old, ok := prev[k]; !ok || !bytes.Equal(old, v) {
			out = append(out, Change{Key: k, Value: v})
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			out = append(out, Change{Key: k, Deleted: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
