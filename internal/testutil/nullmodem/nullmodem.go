// Package nullmodem provides an in-process serial cable for tests.
//
// Each end behaves like a go.bug.st/serial port: a Read that hits the read
// timeout returns 0, nil. Closing either end breaks the cable for both.
package nullmodem

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrUnplugged = errors.New("nullmodem: cable unplugged")

// DefaultWriteTimeout bounds a write the far end never drains.
const DefaultWriteTimeout = 2 * time.Second

// Port is one end of the cable.
type Port struct {
	conn         net.Conn
	readTimeout  atomic.Int64
	writeTimeout time.Duration
	closed       atomic.Bool
}

func newPort(conn net.Conn) *Port {
	return &Port{conn: conn, writeTimeout: DefaultWriteTimeout}
}

// Pair returns two connected ends.
func Pair() (*Port, *Port) {
	a, b := net.Pipe()
	return newPort(a), newPort(b)
}

func (p *Port) SetReadTimeout(d time.Duration) error {
	p.readTimeout.Store(int64(d))
	return nil
}

func (p *Port) Read(b []byte) (int, error) {
	if d := time.Duration(p.readTimeout.Load()); d > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(d))
	}
	n, err := p.conn.Read(b)
	var ne net.Error
	if err != nil && errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func (p *Port) Write(b []byte) (int, error) {
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.conn.Write(b)
}

func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.conn.Close()
}

func (p *Port) Closed() bool {
	return p.closed.Load()
}

// End selects a side of the cable.
type End int

const (
	A End = iota
	B
)

// Cable hands out fresh ends on every open, like a tty reopened after a
// fault. Reopening an end that was already handed out re-wires the cable, so
// the far side sees a disconnect and must reopen too.
type Cable struct {
	mu      sync.Mutex
	plugged bool
	ends    [2]*Port
	taken   [2]bool
	opens   [2]int
}

func NewCable() *Cable {
	c := &Cable{plugged: true}
	c.rewireLocked()
	return c
}

func (c *Cable) rewireLocked() {
	for _, p := range c.ends {
		if p != nil {
			_ = p.Close()
		}
	}
	a, b := Pair()
	c.ends = [2]*Port{a, b}
	c.taken = [2]bool{}
}

// Open returns the next port for end.
func (c *Cable) Open(end End) (*Port, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.plugged {
		return nil, ErrUnplugged
	}
	if c.taken[end] {
		c.rewireLocked()
	}
	c.taken[end] = true
	c.opens[end]++
	return c.ends[end], nil
}

// Opens counts successful opens of end.
func (c *Cable) Opens(end End) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens[end]
}

// Unplug breaks the cable; opens fail until Plug.
func (c *Cable) Unplug() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugged = false
	for _, p := range c.ends {
		if p != nil {
			_ = p.Close()
		}
	}
}

func (c *Cable) Plug() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugged = true
	c.rewireLocked()
}
