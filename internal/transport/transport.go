package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
	logs "github.com/danmuck/smplog"
)

var (
	ErrDeviceUnavailable = errors.New("transport: device unavailable")
	ErrNotConnected      = errors.New("transport: not connected")
	ErrLinkIdle          = errors.New("transport: no frame within idle timeout")
	ErrFrameOverflow     = errors.New("transport: frame exceeds buffer limit")
	ErrPathRequired      = errors.New("transport: device path required")
	ErrInvalidBaud       = errors.New("transport: invalid baud rate")
	errShutdown          = errors.New("transport: shutdown")
)

const readChunk = 4096

// Config describes one serial link.
type Config struct {
	Path          string
	Baud          int
	MaxFrameBytes int
	Link          session.Config
}

// Stats is a counter snapshot.
type Stats struct {
	Connects    uint64
	Disconnects uint64
	FramesIn    uint64
	FramesOut   uint64
	BytesIn     uint64
	BytesOut    uint64
	Overflows   uint64
}

// conn is one open port. lost closes exactly once, when the port fails or the
// transport shuts down; the read buffer dies with it.
type conn struct {
	port      Port
	openedAt  time.Time
	lost      chan struct{}
	once      sync.Once
	err       error
	buf       []byte
	chunk     []byte
	skipping  bool
	lastFrame time.Time
}

func newConn(port Port, now time.Time) *conn {
	return &conn{
		port:      port,
		openedAt:  now,
		lost:      make(chan struct{}),
		chunk:     make([]byte, readChunk),
		lastFrame: now,
	}
}

// Transport keeps one serial link open and moves whole frames across it.
type Transport struct {
	cfg  Config
	open Opener
	rng  *rand.Rand

	state atomic.Int32

	mu        sync.Mutex
	cur       *conn
	changed   chan struct{}
	observers []func(from, to State)

	wmu sync.Mutex

	connects    atomic.Uint64
	disconnects atomic.Uint64
	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	overflows   atomic.Uint64
}

func New(cfg Config, open Opener) (*Transport, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrPathRequired
	}
	if cfg.Baud <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBaud, cfg.Baud)
	}
	if open == nil {
		open = OpenSerial
	}
	cfg.Link = cfg.Link.WithDefaults()
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = frame.DefaultLimits().MaxFrameBytes()
	}
	return &Transport{
		cfg:     cfg,
		open:    open,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		changed: make(chan struct{}),
	}, nil
}

func (t *Transport) State() State {
	return State(t.state.Load())
}

// OnStateChange registers fn for every transition. fn runs on the goroutine
// that caused the transition and must not block.
func (t *Transport) OnStateChange(fn func(from, to State)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

func (t *Transport) Stats() Stats {
	return Stats{
		Connects:    t.connects.Load(),
		Disconnects: t.disconnects.Load(),
		FramesIn:    t.framesIn.Load(),
		FramesOut:   t.framesOut.Load(),
		BytesIn:     t.bytesIn.Load(),
		BytesOut:    t.bytesOut.Load(),
		Overflows:   t.overflows.Load(),
	}
}

// transition moves to state to if guard (run under t.mu) allows it.
func (t *Transport) transition(to State, guard func() bool) bool {
	t.mu.Lock()
	if guard != nil && !guard() {
		t.mu.Unlock()
		return false
	}
	from := State(t.state.Load())
	if from == to {
		t.mu.Unlock()
		return true
	}
	t.state.Store(int32(to))
	close(t.changed)
	t.changed = make(chan struct{})
	observers := append([]func(State, State){}, t.observers...)
	t.mu.Unlock()

	logs.Debugf("transport.Transport.transition path=%q from=%s to=%s", t.cfg.Path, from, to)
	for _, fn := range observers {
		fn(from, to)
	}
	return true
}

// Run supervises the link until ctx is cancelled, reopening the device after
// every failure.
func (t *Transport) Run(ctx context.Context) error {
	retry := session.NewReconnect(t.cfg.Link.Backoff, t.rng)
	for {
		if ctx.Err() != nil {
			t.transition(Disconnected, nil)
			return nil
		}

		t.transition(Connecting, nil)
		port, err := t.openPort()
		if err != nil {
			attempt := retry.OpenFailed()
			t.transition(Disconnected, nil)
			logs.Warnf("transport.Transport.Run open attempt=%d path=%q err=%v", attempt, t.cfg.Path, err)
			if err := retry.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		c := newConn(port, time.Now())
		t.connects.Add(1)
		t.transition(Connected, func() bool {
			t.cur = c
			return true
		})
		logs.Infof("transport.Transport.Run connected path=%q baud=%d", t.cfg.Path, t.cfg.Baud)

		select {
		case <-ctx.Done():
			c.once.Do(func() {
				c.err = errShutdown
				close(c.lost)
			})
			t.release(c)
			return nil
		case <-c.lost:
		}

		t.release(c)
		uptime := time.Since(c.openedAt)
		attempt := retry.SessionEnded(uptime)
		logs.Warnf("transport.Transport.Run link lost path=%q uptime=%s attempt=%d err=%v",
			t.cfg.Path, uptime.Round(time.Millisecond), attempt, c.err)
		if err := retry.Wait(ctx); err != nil {
			t.transition(Disconnected, nil)
			return nil
		}
	}
}

func (t *Transport) openPort() (Port, error) {
	port, err := t.open(t.cfg.Path, t.cfg.Baud)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil, err
	}
	if err := port.SetReadTimeout(t.cfg.Link.ReadPollInterval); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: set read timeout: %v", ErrDeviceUnavailable, err)
	}
	return port, nil
}

// release closes c's port and drops back to Disconnected.
func (t *Transport) release(c *conn) {
	if err := c.port.Close(); err != nil {
		logs.Debugf("transport.Transport.release close path=%q err=%v", t.cfg.Path, err)
	}
	t.disconnects.Add(1)
	t.transition(Disconnected, func() bool {
		if t.cur == c {
			t.cur = nil
		}
		return true
	})
}

// fail marks c as lost. Only the current connection degrades the link.
func (t *Transport) fail(c *conn, err error) {
	c.once.Do(func() {
		c.err = err
		t.transition(Degraded, func() bool {
			return t.cur == c
		})
		close(c.lost)
	})
}

func (t *Transport) connected() *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil || State(t.state.Load()) != Connected {
		return nil
	}
	return t.cur
}

func (t *Transport) waitConn(ctx context.Context) (*conn, error) {
	for {
		t.mu.Lock()
		c := t.cur
		st := State(t.state.Load())
		changed := t.changed
		t.mu.Unlock()
		if c != nil && st == Connected {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// ReadFrame blocks until one delimiter terminated frame arrives and returns
// it without the delimiter. Bytes buffered when the link drops are discarded.
func (t *Transport) ReadFrame(ctx context.Context) ([]byte, error) {
	c, err := t.waitConn(ctx)
	if err != nil {
		return nil, err
	}
	return t.readFrom(ctx, c)
}

func (t *Transport) readFrom(ctx context.Context, c *conn) ([]byte, error) {
	idle := t.cfg.Link.IdleTimeout
	for {
		if i := bytes.IndexByte(c.buf, frame.Delimiter); i >= 0 {
			line := c.buf[:i]
			rest := c.buf[i+1:]
			if c.skipping {
				c.skipping = false
				c.buf = append(c.buf[:0], rest...)
				c.lastFrame = time.Now()
				t.overflows.Add(1)
				return nil, ErrFrameOverflow
			}
			out := append([]byte(nil), line...)
			c.buf = append(c.buf[:0], rest...)
			c.lastFrame = time.Now()
			t.framesIn.Add(1)
			return out, nil
		}
		if t.cfg.MaxFrameBytes > 0 && len(c.buf) > t.cfg.MaxFrameBytes {
			c.skipping = true
			c.buf = c.buf[:0]
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.lost:
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, c.err)
		default:
		}

		n, err := c.port.Read(c.chunk)
		if n > 0 {
			c.buf = append(c.buf, c.chunk[:n]...)
			t.bytesIn.Add(uint64(n))
		}
		if err != nil {
			err = fmt.Errorf("%w: read: %v", ErrDeviceUnavailable, err)
			t.fail(c, err)
			return nil, err
		}
		if idle > 0 && bytes.IndexByte(c.buf, frame.Delimiter) < 0 && time.Since(c.lastFrame) > idle {
			err := fmt.Errorf("%w: %w after %s", ErrDeviceUnavailable, ErrLinkIdle, idle)
			t.fail(c, err)
			return nil, err
		}
	}
}

// WriteFrame writes p in full or fails. Concurrent callers are serialized so
// frames never interleave on the wire.
func (t *Transport) WriteFrame(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()

	c := t.connected()
	if c == nil {
		return ErrNotConnected
	}
	for written := 0; written < len(p); {
		n, err := c.port.Write(p[written:])
		written += n
		if err == nil && n == 0 {
			err = errors.New("short write")
		}
		if err != nil {
			err = fmt.Errorf("%w: write: %v", ErrDeviceUnavailable, err)
			t.fail(c, err)
			return err
		}
	}
	t.framesOut.Add(1)
	t.bytesOut.Add(uint64(len(p)))
	return nil
}
