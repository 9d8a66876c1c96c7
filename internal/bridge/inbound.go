package bridge

import (
	"context"
	"errors"

	"github.com/danmuck/serialsync/internal/namespace"
	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/transport"
	logs "github.com/danmuck/smplog"
)

// inbound drains the link until ctx ends. No frame or link error stops it.
func (e *Engine) inbound(ctx context.Context) error {
	for {
		raw, err := e.link.ReadFrame(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, transport.ErrFrameOverflow) {
				e.stats.overflow.Add(1)
				e.record(observability.DirectionIn, observability.ResultOverflow)
				logs.Warnf("bridge.Engine.inbound discard peer=%q err=%v", e.cfg.Peer, err)
				continue
			}
			// the transport reconnects on its own; the next read waits for it
			logs.Debugf("bridge.Engine.inbound read peer=%q err=%v", e.cfg.Peer, err)
			continue
		}
		e.apply(ctx, raw)
	}
}

func (e *Engine) apply(ctx context.Context, raw []byte) {
	u, err := frame.Decode(raw, e.cfg.Limits)
	if err != nil {
		if errors.Is(err, frame.ErrChecksumMismatch) {
			e.stats.checksum.Add(1)
			e.record(observability.DirectionIn, observability.ResultChecksum)
		} else {
			e.stats.malformed.Add(1)
			e.record(observability.DirectionIn, observability.ResultMalformed)
		}
		logs.Warnf("bridge.Engine.inbound discard peer=%q len=%d err=%v", e.cfg.Peer, len(raw), err)
		return
	}
	if u.Kind == frame.KindHeartbeat {
		e.stats.heartbeatsIn.Add(1)
		return
	}
	// a bare key with the delimiter would not round trip through rx:<peer>:<key>
	if !namespace.ValidSegment(u.Key) {
		e.stats.malformed.Add(1)
		e.record(observability.DirectionIn, observability.ResultMalformed)
		logs.Warnf("bridge.Engine.inbound discard peer=%q key=%q: invalid bare key", e.cfg.Peer, u.Key)
		return
	}

	key := namespace.RouteInbound(e.cfg.Peer, u.Key)
	switch u.Kind {
	case frame.KindDelete:
		err = e.store.Delete(ctx, key)
	default:
		err = e.store.Set(ctx, key, u.Value)
	}
	if err != nil {
		e.stats.storeErrors.Add(1)
		e.record(observability.DirectionIn, observability.ResultStore)
		logs.Warnf("bridge.Engine.inbound store peer=%q key=%q kind=%s err=%v", e.cfg.Peer, key, u.Kind, err)
		return
	}
	if u.Kind == frame.KindDelete {
		e.stats.deleted.Add(1)
	} else {
		e.stats.applied.Add(1)
	}
	e.record(observability.DirectionIn, observability.ResultApplied)
}
