package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis"

	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/store"
	"github.com/danmuck/serialsync/internal/testutil/nullmodem"
	"github.com/danmuck/serialsync/internal/testutil/testlog"
	"github.com/danmuck/serialsync/internal/transport"
)

func testConfig(local, peer, addr string, db int) ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.LocalNode = local
	cfg.Peer = peer
	cfg.Device = "/dev/null-" + local
	cfg.Redis = store.RedisConfig{Addr: addr, DB: db, DialTimeout: time.Second}
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StatusInterval = 0
	cfg.Link.ReadPollInterval = 10 * time.Millisecond
	cfg.Link.FlushInterval = 20 * time.Millisecond
	cfg.Link.HeartbeatInterval = 0
	cfg.Link.IdleTimeout = 0
	cfg.Link.Backoff = session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	return cfg
}

func TestServiceConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Peer = "node1"
	if err := cfg.Validate(); !errors.Is(err, ErrDeviceRequired) {
		t.Fatalf("expected ErrDeviceRequired, got %v", err)
	}
	cfg.Device = "/dev/ttyUSB0"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.Baud != 921600 {
		t.Fatalf("default baud got=%d", cfg.Baud)
	}

	bad := cfg
	bad.WatchMode = "push"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidWatchMode) {
		t.Fatalf("expected ErrInvalidWatchMode, got %v", err)
	}
	bad = cfg
	bad.Backend = BackendMemory
	bad.WatchMode = WatchKeyspace
	if err := bad.Validate(); !errors.Is(err, ErrInvalidWatchMode) {
		t.Fatalf("keyspace on memory should fail, got %v", err)
	}
	bad = cfg
	bad.Backend = "etcd"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidBackend) {
		t.Fatalf("expected ErrInvalidBackend, got %v", err)
	}
	bad = cfg
	bad.Baud = 0
	if err := bad.Validate(); !errors.Is(err, transport.ErrInvalidBaud) {
		t.Fatalf("expected ErrInvalidBaud, got %v", err)
	}
}

func serve(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve %s: %v", s.Config().LocalNode, err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve %s did not stop", s.Config().LocalNode)
		}
	})
}

// Two databases on one redis server stand in for two hosts, as the soak
// harness does with db 0 and db 1.
func TestTwoDatabasesSyncOverCable(t *testing.T) {
	testlog.Start(t)
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer srv.Close()
	cable := nullmodem.NewCable()

	s0 := NewService(testConfig("node0", "node1", srv.Addr(), 0))
	s0.Open = func(string, int) (transport.Port, error) { return cable.Open(nullmodem.A) }
	s1 := NewService(testConfig("node1", "node0", srv.Addr(), 1))
	s1.Open = func(string, int) (transport.Port, error) { return cable.Open(nullmodem.B) }
	serve(t, s0)
	serve(t, s1)

	db0, err := store.NewRedis(store.RedisConfig{Addr: srv.Addr(), DB: 0})
	if err != nil {
		t.Fatalf("db0: %v", err)
	}
	defer db0.Close()
	db1, err := store.NewRedis(store.RedisConfig{Addr: srv.Addr(), DB: 1})
	if err != nil {
		t.Fatalf("db1: %v", err)
	}
	defer db1.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))
	want := make(map[string]string)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("%08x", rng.Uint32())
		val := fmt.Sprintf("%0*d", 64+rng.Intn(512), i)
		want[id] = val
		if err := db0.Set(ctx, "tx:node1:test-"+id, []byte(val)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for id, val := range want {
		key := "rx:node0:test-" + id
		for {
			got, ok, err := db1.Get(ctx, key)
			if err == nil && ok && string(got) == val {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", key)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if e := s0.Engine(); e == nil || e.Status().Counters.Sent < 10 {
		t.Fatalf("unexpected node0 engine status")
	}
}

func TestMemoryBackendServesAndStops(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("node0", "node1", "", 0)
	cfg.Backend = BackendMemory
	cfg.AdminListenAddr = "127.0.0.1:0"
	cfg.StatusInterval = 10 * time.Millisecond
	s := NewService(cfg)
	s.Open = func(string, int) (transport.Port, error) { return nil, errors.New("no device") }
	serve(t, s)

	deadline := time.Now().Add(5 * time.Second)
	for s.Engine() == nil || !s.Engine().Status().Running {
		if time.Now().After(deadline) {
			t.Fatalf("engine never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.Engine().Status().Link; got == "connected" {
		t.Fatalf("link should not connect without a device")
	}
}

func TestKeyspaceModeSurvivesRedisDownAtStartup(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig("node0", "node1", "127.0.0.1:1", 0)
	cfg.WatchMode = WatchKeyspace
	cfg.ConfigureKeyspace = true
	s := NewService(cfg)
	s.Open = func(string, int) (transport.Port, error) { return nil, errors.New("no device") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("serve exited while redis was down: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	if e := s.Engine(); e == nil || !e.Status().Running {
		t.Fatalf("engine should keep running while redis is down")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
