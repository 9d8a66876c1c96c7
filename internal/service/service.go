// Package service assembles one serialsync process: store, watcher, serial
// transport, bridge engine and the optional admin surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danmuck/serialsync/internal/admin"
	"github.com/danmuck/serialsync/internal/bridge"
	"github.com/danmuck/serialsync/internal/protocol/frame"
	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/store"
	"github.com/danmuck/serialsync/internal/transport"
	logs "github.com/danmuck/smplog"
)

var (
	ErrDeviceRequired   = errors.New("service: serial device path required")
	ErrInvalidWatchMode = errors.New("service: invalid watch mode")
	ErrInvalidBackend   = errors.New("service: invalid store backend")
)

// WatchMode selects how outbound changes are discovered.
type WatchMode string

const (
	WatchPoll     WatchMode = "poll"
	WatchKeyspace WatchMode = "keyspace"
)

// Backend selects the store implementation.
type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

const DefaultBaud = 921600

// ServiceConfig configures one bridge process.
type ServiceConfig struct {
	LocalNode         string
	Peer              string
	Device            string
	Baud              int
	Backend           Backend
	Redis             store.RedisConfig
	WatchMode         WatchMode
	PollInterval      time.Duration
	ConfigureKeyspace bool
	Link              session.Config
	MaxPayloadBytes   int
	StatusInterval    time.Duration
	AdminListenAddr   string
	CORSOrigins       []string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		LocalNode:       bridge.DefaultLocalNode,
		Baud:            DefaultBaud,
		Backend:         BackendRedis,
		Redis:           store.DefaultRedisConfig(),
		WatchMode:       WatchPoll,
		PollInterval:    100 * time.Millisecond,
		Link:            session.DefaultConfig(),
		MaxPayloadBytes: frame.DefaultLimits().MaxPayloadBytes,
		StatusInterval:  time.Minute,
	}
}

func (c ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return ErrDeviceRequired
	}
	if c.Baud <= 0 {
		return fmt.Errorf("%w: %d", transport.ErrInvalidBaud, c.Baud)
	}
	switch c.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.Backend)
	}
	switch c.WatchMode {
	case WatchPoll:
	case WatchKeyspace:
		if c.Backend != BackendRedis {
			return fmt.Errorf("%w: keyspace needs the redis backend", ErrInvalidWatchMode)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidWatchMode, c.WatchMode)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("service: invalid db index %d", c.Redis.DB)
	}
	return c.bridgeConfig().WithDefaults().Validate()
}

func (c ServiceConfig) bridgeConfig() bridge.Config {
	return bridge.Config{
		LocalNode: c.LocalNode,
		Peer:      c.Peer,
		Link:      c.Link,
		Limits:    frame.Limits{MaxPayloadBytes: c.MaxPayloadBytes},
	}
}

// Service runs one link until interrupted.
type Service struct {
	cfg ServiceConfig
	// Open overrides the serial opener; nil opens a real device.
	Open transport.Opener
	// Store overrides the configured backend and is polled. Serve closes it.
	Store store.Store

	engine atomic.Pointer[bridge.Engine]
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg}
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Engine is nil until Serve has assembled it.
func (s *Service) Engine() *bridge.Engine {
	return s.engine.Load()
}

// Run serves until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

func (s *Service) Serve(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	st, watcher, err := s.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logs.Warnf("service.Service.Serve store close err=%v", err)
		}
	}()

	limits := frame.Limits{MaxPayloadBytes: s.cfg.MaxPayloadBytes}
	tr, err := transport.New(transport.Config{
		Path:          s.cfg.Device,
		Baud:          s.cfg.Baud,
		MaxFrameBytes: limits.MaxFrameBytes(),
		Link:          s.cfg.Link,
	}, s.Open)
	if err != nil {
		return err
	}
	engine, err := bridge.New(s.cfg.bridgeConfig(), st, watcher, tr)
	if err != nil {
		return err
	}
	s.engine.Store(engine)
	logs.Infof(
		"service.Service.Serve local=%q peer=%q device=%q baud=%d backend=%s watch=%s db=%d",
		s.cfg.LocalNode, s.cfg.Peer, s.cfg.Device, s.cfg.Baud, s.cfg.Backend, s.cfg.WatchMode, s.cfg.Redis.DB,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		srv := admin.New(s.cfg.LocalNode, addr, engine, s.cfg.CORSOrigins)
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	if s.cfg.StatusInterval > 0 {
		g.Go(func() error {
			s.logStatus(gctx)
			return nil
		})
	}
	err = g.Wait()
	logs.Infof("service.Service.Serve shutdown local=%q peer=%q", s.cfg.LocalNode, s.cfg.Peer)
	return err
}

func (s *Service) openStore() (store.Store, store.Watcher, error) {
	if s.Store != nil {
		return s.Store, store.NewPollWatcher(s.Store, s.cfg.PollInterval), nil
	}
	if s.cfg.Backend == BackendMemory {
		mem := store.NewMemory()
		return mem, mem, nil
	}
	r, err := store.NewRedis(s.cfg.Redis)
	if err != nil {
		// an unreachable server is retried by the watcher and the inbound duty
		if r == nil {
			return nil, nil, err
		}
		logs.Warnf("service.Service.openStore redis unavailable at startup err=%v", err)
	}
	if s.cfg.WatchMode == WatchKeyspace {
		return r, store.NewKeyspaceWatcher(r, s.cfg.ConfigureKeyspace), nil
	}
	return r, store.NewPollWatcher(r, s.cfg.PollInterval), nil
}

func (s *Service) logStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.Engine().Status()
			logs.Infof(
				"service.Service.status peer=%q link=%s pending=%d sent=%d applied=%d checksum=%d malformed=%d dropped=%d",
				st.Peer, st.Link, st.Pending, st.Counters.Sent, st.Counters.Applied,
				st.Counters.Checksum, st.Counters.Malformed, st.Counters.Dropped,
			)
		}
	}
}
