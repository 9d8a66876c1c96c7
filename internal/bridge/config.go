package bridge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/serialsync/internal/namespace"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
)

var (
	ErrPeerRequired   = errors.New("bridge: peer node required")
	ErrInvalidNode    = errors.New("bridge: invalid node id")
	ErrWatchClosed    = errors.New("bridge: store watch closed")
	ErrAlreadyRunning = errors.New("bridge: engine already running")
)

const DefaultLocalNode = "local"

// Config identifies both ends of one link and carries its timing.
type Config struct {
	// LocalNode labels logs and metrics. It never goes on the wire.
	LocalNode string
	Peer      string
	Link      session.Config
	Limits    frame.Limits
}

func DefaultConfig() Config {
	return Config{
		LocalNode: DefaultLocalNode,
		Link:      session.DefaultConfig(),
		Limits:    frame.DefaultLimits(),
	}
}

func (c Config) WithDefaults() Config {
	c.LocalNode = strings.TrimSpace(c.LocalNode)
	if c.LocalNode == "" {
		c.LocalNode = DefaultLocalNode
	}
	c.Peer = strings.TrimSpace(c.Peer)
	c.Link = c.Link.WithDefaults()
	return c
}

func (c Config) Validate() error {
	if c.Peer == "" {
		return ErrPeerRequired
	}
	if !namespace.ValidSegment(c.Peer) {
		return fmt.Errorf("%w: peer=%q", ErrInvalidNode, c.Peer)
	}
	if !namespace.ValidSegment(c.LocalNode) {
		return fmt.Errorf("%w: local=%q", ErrInvalidNode, c.LocalNode)
	}
	if c.Limits.MaxPayloadBytes < 0 {
		return fmt.Errorf("bridge: negative payload limit %d", c.Limits.MaxPayloadBytes)
	}
	return c.Link.Validate()
}
