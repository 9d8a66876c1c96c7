package store

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/go-redis/redis"

	"github.com/danmuck/serialsync/internal/protocol/session"
)

// NotifyFlags enables keyspace events for generic and string commands plus
// expirations.
const NotifyFlags = "K$gx"

// keyspaceSub is the part of *redis.PubSub the watcher reads.
type keyspaceSub interface {
	Channel() <-chan *redis.Message
	Close() error
}

// KeyspaceWatcher subscribes to redis keyspace notifications instead of
// polling. The server must have notify-keyspace-events covering NotifyFlags;
// set Configure to have the watcher issue CONFIG SET before subscribing.
//
// Subscribing happens in the background: an unreachable server is retried
// with Backoff. Every successful subscription first reports the keys already
// under the prefix as sets.
type KeyspaceWatcher struct {
	Redis     *Redis
	Configure bool
	Backoff   session.BackoffConfig

	subscribe func(pattern string) (keyspaceSub, error)
}

func NewKeyspaceWatcher(r *Redis, configure bool) *KeyspaceWatcher {
	return &KeyspaceWatcher{
		Redis:     r,
		Configure: configure,
		Backoff:   session.DefaultConfig().Backoff,
	}
}

// channelPrefix is the notification channel prefix for db.
func channelPrefix(db int) string {
	return fmt.Sprintf("__keyspace@%d__:", db)
}

// keyspacePattern subscribes to every key under prefix in db.
func keyspacePattern(db int, prefix string) string {
	return channelPrefix(db) + EscapeGlob(prefix) + "*"
}

// parseNotification maps one keyspace message to the affected key and
// whether the event is a write, a removal, or neither.
func parseNotification(db int, channel, event string) (key string, deleted bool, ok bool) {
	key = strings.TrimPrefix(channel, channelPrefix(db))
	if key == channel || key == "" {
		return "", false, false
	}
	switch event {
	case "set", "setrange", "append", "incrby", "incrbyfloat", "rename_to":
		return key, false, true
	case "del", "expired", "evicted", "rename_from":
		return key, true, true
	default:
		return "", false, false
	}
}

func (w *KeyspaceWatcher) Watch(ctx context.Context, prefix string) (<-chan Change, error) {
	if w.Redis == nil {
		return nil, ErrClosed
	}
	out := make(chan Change, 64)
	go w.loop(ctx, prefix, out)
	return out, nil
}

func (w *KeyspaceWatcher) subscribeRedis(pattern string) (keyspaceSub, error) {
	if w.Configure {
		if err := w.Redis.client.ConfigSet("notify-keyspace-events", NotifyFlags).Err(); err != nil {
			return nil, unavailable("config set notify-keyspace-events", err)
		}
	}
	pubsub := w.Redis.client.PSubscribe(pattern)
	if _, err := pubsub.Receive(); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("psubscribe "+pattern, err)
	}
	return pubsub, nil
}

func (w *KeyspaceWatcher) loop(ctx context.Context, prefix string, out chan<- Change) {
	defer close(out)
	db := w.Redis.DB()
	pattern := keyspacePattern(db, prefix)
	subscribe := w.subscribe
	if subscribe == nil {
		subscribe = w.subscribeRedis
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	for {
		sub, err := subscribe(pattern)
		if err == nil {
			if err = w.resync(ctx, prefix, out); err != nil {
				closeSub(sub, pattern)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logs.Warnf("store.KeyspaceWatcher.loop pattern=%q failures=%d err=%v", pattern, failures, err)
			if err := session.SleepBackoff(ctx, w.Backoff, failures, rng); err != nil {
				return
			}
			continue
		}

		failures = 0
		logs.Infof("store.KeyspaceWatcher.loop subscribed pattern=%q", pattern)
		done := w.drain(ctx, db, sub, out)
		closeSub(sub, pattern)
		if done {
			return
		}
		logs.Warnf("store.KeyspaceWatcher.loop subscription closed pattern=%q", pattern)
	}
}

// resync reports the keys present under prefix. Writes made while no
// subscription was active would otherwise be missed.
func (w *KeyspaceWatcher) resync(ctx context.Context, prefix string, out chan<- Change) error {
	keys, err := w.Redis.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		val, found, err := w.Redis.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if !emit(ctx, out, Change{Key: key, Value: val}) {
			return ctx.Err()
		}
	}
	return nil
}

// drain forwards notifications until ctx ends (true) or the subscription
// channel closes (false).
func (w *KeyspaceWatcher) drain(ctx context.Context, db int, sub keyspaceSub, out chan<- Change) bool {
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true
		case msg, open := <-msgs:
			if !open {
				return ctx.Err() != nil
			}
			key, deleted, ok := parseNotification(db, msg.Channel, msg.Payload)
			if !ok {
				continue
			}
			ch := Change{Key: key, Deleted: deleted}
			if !deleted {
				// notifications carry no value
				val, found, err := w.Redis.Get(ctx, key)
				if err != nil {
					logs.Warnf("store.KeyspaceWatcher.drain get key=%q err=%v", key, err)
					continue
				}
				if !found {
					ch = Change{Key: key, Deleted: true}
				} else {
					ch.Value = val
				}
			}
			if !emit(ctx, out, ch) {
				return true
			}
		}
	}
}

func closeSub(sub keyspaceSub, pattern string) {
	if err := sub.Close(); err != nil {
		logs.Debugf("store.KeyspaceWatcher close pattern=%q err=%v", pattern, err)
	}
}
