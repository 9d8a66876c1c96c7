package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/serialsync/internal/namespace"
	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/store"
	"github.com/danmuck/serialsync/internal/transport"
	logs "github.com/danmuck/smplog"
)

func (e *Engine) outbound(ctx context.Context, changes <-chan store.Change) error {
	flush := time.NewTicker(e.cfg.Link.FlushInterval)
	defer flush.Stop()
	var heartbeat <-chan time.Time
	if hb := e.cfg.Link.HeartbeatInterval; hb > 0 {
		ticker := time.NewTicker(hb)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrWatchClosed
			}
			e.handleChange(ctx, ch)
		case <-e.wake:
			e.flush(ctx)
		case <-flush.C:
			e.flush(ctx)
		case <-heartbeat:
			e.heartbeat(ctx)
		}
	}
}

func (e *Engine) handleChange(ctx context.Context, ch store.Change) {
	peer, bare, ok := namespace.RouteOutbound(ch.Key)
	if !ok {
		logs.Debugf("bridge.Engine.outbound skip key=%q", ch.Key)
		return
	}
	if peer != e.cfg.Peer {
		e.stats.foreign.Add(1)
		e.record(observability.DirectionOut, observability.ResultForeign)
		return
	}
	u := frame.Update{
		Kind:   frame.KindSet,
		Key:    bare,
		Value:  ch.Value,
		Origin: e.cfg.LocalNode,
		Target: peer,
	}
	if ch.Deleted {
		u.Kind = frame.KindDelete
		u.Value = nil
	}
	e.send(ctx, u)
}

// send writes u now, or queues it when the link is down. Updates that cannot
// be framed are dropped here and never queued.
func (e *Engine) send(ctx context.Context, u frame.Update) {
	wire, err := frame.Encode(u, e.cfg.Limits)
	if err != nil {
		e.stats.rejected.Add(1)
		e.record(observability.DirectionOut, observability.ResultRejected)
		logs.Warnf("bridge.Engine.send reject peer=%q key=%q err=%v", e.cfg.Peer, u.Key, err)
		// a queued older value must not resurface after a rejected newer one
		e.outbox.Remove(u.Key)
		return
	}

	if e.outbox.Len() > 0 {
		e.flush(ctx)
	}
	if e.link.State() != transport.Connected {
		e.enqueue(u, transport.ErrNotConnected)
		return
	}
	e.outbox.Remove(u.Key)
	e.write(ctx, u, wire)
}

func (e *Engine) write(ctx context.Context, u frame.Update, wire []byte) bool {
	if err := e.link.WriteFrame(ctx, wire); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			e.enqueue(u, err)
			return false
		}
		e.stats.dropped.Add(1)
		e.record(observability.DirectionOut, observability.ResultDropped)
		logs.Warnf("bridge.Engine.write drop peer=%q key=%q kind=%s err=%v", e.cfg.Peer, u.Key, u.Kind, err)
		return false
	}
	e.stats.sent.Add(1)
	e.record(observability.DirectionOut, observability.ResultSent)
	return true
}

func (e *Engine) enqueue(u frame.Update, cause error) {
	now := time.Now()
	victim, evicted := e.outbox.Upsert(session.PendingUpdate{
		Key:      u.Key,
		Kind:     u.Kind,
		Value:    u.Value,
		QueuedAt: now,
	})
	e.outbox.MarkAttempt(u.Key, now, cause.Error())
	e.stats.queued.Add(1)
	e.record(observability.DirectionOut, observability.ResultQueued)
	if evicted {
		e.stats.evicted.Add(1)
		e.record(observability.DirectionOut, observability.ResultEvicted)
		logs.Warnf("bridge.Engine.enqueue evict peer=%q key=%q queued_at=%s", e.cfg.Peer, victim.Key, victim.QueuedAt.Format(time.RFC3339))
	}
	observability.SetPendingDepth(e.cfg.LocalNode, e.outbox.Len())
}

// flush sends queued updates oldest first and stops at the first failure.
func (e *Engine) flush(ctx context.Context) {
	if e.outbox.Len() == 0 {
		return
	}
	defer func() {
		observability.SetPendingDepth(e.cfg.LocalNode, e.outbox.Len())
	}()
	for _, item := range e.outbox.List() {
		if ctx.Err() != nil || e.link.State() != transport.Connected {
			return
		}
		u := frame.Update{
			Kind:   item.Kind,
			Key:    item.Key,
			Value:  item.Value,
			Origin: e.cfg.LocalNode,
			Target: e.cfg.Peer,
		}
		wire, err := frame.Encode(u, e.cfg.Limits)
		if err != nil {
			e.outbox.RemoveIfCurrent(item)
			e.stats.rejected.Add(1)
			e.record(observability.DirectionOut, observability.ResultRejected)
			continue
		}
		// removed first so a failed write is dropped, not retried
		if !e.outbox.RemoveIfCurrent(item) {
			continue
		}
		if !e.write(ctx, u, wire) {
			return
		}
	}
	logs.Debugf("bridge.Engine.flush peer=%q pending=%d", e.cfg.Peer, e.outbox.Len())
}

func (e *Engine) heartbeat(ctx context.Context) {
	if e.link.State() != transport.Connected {
		return
	}
	wire, err := frame.Encode(frame.Update{Kind: frame.KindHeartbeat}, e.cfg.Limits)
	if err != nil {
		logs.Errorf(err, "bridge.Engine.heartbeat encode")
		return
	}
	if err := e.link.WriteFrame(ctx, wire); err != nil {
		logs.Debugf("bridge.Engine.heartbeat peer=%q err=%v", e.cfg.Peer, err)
		return
	}
	e.stats.heartbeatsOut.Add(1)
}
