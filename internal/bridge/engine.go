package bridge

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/serialsync/internal/namespace"
	"github.com/danmuck/serialsync/internal/observability"
	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/store"
	"github.com/danmuck/serialsync/internal/transport"
	logs "github.com/danmuck/smplog"
)

// Link is the framed byte stream an Engine drives. *transport.Transport
// satisfies it.
type Link interface {
	Run(ctx context.Context) error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, p []byte) error
	State() transport.State
	OnStateChange(fn func(from, to transport.State))
}

var _ Link = (*transport.Transport)(nil)

// Counters are cumulative per-engine totals.
type Counters struct {
	Sent          uint64 `json:"sent"`
	Queued        uint64 `json:"queued"`
	Evicted       uint64 `json:"evicted"`
	Dropped       uint64 `json:"dropped"`
	Rejected      uint64 `json:"rejected"`
	Foreign       uint64 `json:"foreign"`
	HeartbeatsOut uint64 `json:"heartbeats_out"`
	Applied       uint64 `json:"applied"`
	Deleted       uint64 `json:"deleted"`
	Checksum      uint64 `json:"checksum_errors"`
	Malformed     uint64 `json:"malformed"`
	Overflow      uint64 `json:"overflow"`
	StoreErrors   uint64 `json:"store_errors"`
	HeartbeatsIn  uint64 `json:"heartbeats_in"`
}

// Status is a point-in-time view of one engine.
type Status struct {
	LocalNode string   `json:"local_node"`
	Peer      string   `json:"peer"`
	Running   bool     `json:"running"`
	Link      string   `json:"link"`
	Pending   int      `json:"pending"`
	Counters  Counters `json:"counters"`
}

type counters struct {
	sent          atomic.Uint64
	queued        atomic.Uint64
	evicted       atomic.Uint64
	dropped       atomic.Uint64
	rejected      atomic.Uint64
	foreign       atomic.Uint64
	heartbeatsOut atomic.Uint64
	applied       atomic.Uint64
	deleted       atomic.Uint64
	checksum      atomic.Uint64
	malformed     atomic.Uint64
	overflow      atomic.Uint64
	storeErrors   atomic.Uint64
	heartbeatsIn  atomic.Uint64
}

// Engine relays one peer's namespace across one Link.
type Engine struct {
	cfg     Config
	store   store.Store
	watcher store.Watcher
	link    Link
	outbox  *session.Outbox

	// wake is poked when the link reaches Connected so queued updates flush
	// without waiting for the next tick.
	wake    chan struct{}
	running atomic.Bool
	stats   counters
}

func New(cfg Config, st store.Store, w store.Watcher, link Link) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || w == nil || link == nil {
		return nil, errors.New("bridge: store, watcher and link are required")
	}
	e := &Engine{
		cfg:     cfg,
		store:   st,
		watcher: w,
		link:    link,
		outbox:  session.NewOutbox(cfg.Link.PendingQueueSize),
		wake:    make(chan struct{}, 1),
	}
	link.OnStateChange(e.onLinkState)
	return e, nil
}

func (e *Engine) onLinkState(from, to transport.State) {
	observability.RecordLinkState(e.cfg.LocalNode, to.String(), int(to))
	logs.Infof("bridge.Engine.link local=%q peer=%q from=%s to=%s", e.cfg.LocalNode, e.cfg.Peer, from, to)
	if to == transport.Connected {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// Run relays until ctx is cancelled. Shutdown stops taking store changes,
// lets an in-flight write finish, closes the link, then waits for the
// inbound duty to drain.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	prefix := namespace.OutboundPrefix(e.cfg.Peer)
	changes, err := e.watcher.Watch(ctx, prefix)
	if err != nil {
		return err
	}
	logs.Infof("bridge.Engine.Run local=%q peer=%q prefix=%q", e.cfg.LocalNode, e.cfg.Peer, prefix)

	// the link outlives ctx until outbound has returned
	linkCtx, stopLink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopLink()
	g, gctx := errgroup.WithContext(linkCtx)
	g.Go(func() error {
		return e.link.Run(gctx)
	})
	g.Go(func() error {
		return e.inbound(gctx)
	})

	outErr := e.outbound(ctx, changes)
	stopLink()
	linkErr := g.Wait()
	logs.Infof("bridge.Engine.Run stopped local=%q peer=%q pending=%d", e.cfg.LocalNode, e.cfg.Peer, e.outbox.Len())
	if outErr != nil {
		return outErr
	}
	return linkErr
}

func (e *Engine) Status() Status {
	return Status{
		LocalNode: e.cfg.LocalNode,
		Peer:      e.cfg.Peer,
		Running:   e.running.Load(),
		Link:      e.link.State().String(),
		Pending:   e.outbox.Len(),
		Counters: Counters{
			Sent:          e.stats.sent.Load(),
			Queued:        e.stats.queued.Load(),
			Evicted:       e.stats.evicted.Load(),
			Dropped:       e.stats.dropped.Load(),
			Rejected:      e.stats.rejected.Load(),
			Foreign:       e.stats.foreign.Load(),
			HeartbeatsOut: e.stats.heartbeatsOut.Load(),
			Applied:       e.stats.applied.Load(),
			Deleted:       e.stats.deleted.Load(),
			Checksum:      e.stats.checksum.Load(),
			Malformed:     e.stats.malformed.Load(),
			Overflow:      e.stats.overflow.Load(),
			StoreErrors:   e.stats.storeErrors.Load(),
			HeartbeatsIn:  e.stats.heartbeatsIn.Load(),
		},
	}
}

// Pending lists queued outbound updates in flush order.
func (e *Engine) Pending() []session.PendingUpdate {
	return e.outbox.List()
}

func (e *Engine) record(direction, result string) {
	observability.RecordFrame(e.cfg.LocalNode, direction, result)
}
