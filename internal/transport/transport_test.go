package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/serialsync/internal/protocol/session"
	"github.com/danmuck/serialsync/internal/testutil/nullmodem"
	"github.com/danmuck/serialsync/internal/testutil/testlog"
)

func testLink() session.Config {
	cfg := session.DefaultConfig()
	cfg.ReadPollInterval = 10 * time.Millisecond
	cfg.IdleTimeout = 0
	cfg.HeartbeatInterval = 0
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     50 * time.Millisecond,
	}
	return cfg
}

func cableOpener(c *nullmodem.Cable, end nullmodem.End) Opener {
	return func(string, int) (Port, error) {
		return c.Open(end)
	}
}

func newTestTransport(t *testing.T, name string, open Opener, link session.Config) *Transport {
	t.Helper()
	tr, err := New(Config{Path: name, Baud: 921600, Link: link}, open)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	return tr
}

// run starts tr's supervisor and stops it when the test ends.
func run(t *testing.T, tr *Transport) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("transport %s did not stop", tr.cfg.Path)
		}
	})
	return ctx
}

type readResult struct {
	frame []byte
	err   error
}

// pump reads frames until ctx ends, the way the inbound duty does.
func pump(ctx context.Context, tr *Transport) <-chan readResult {
	out := make(chan readResult, 128)
	go func() {
		for {
			fr, err := tr.ReadFrame(ctx)
			if ctx.Err() != nil {
				return
			}
			out <- readResult{frame: fr, err: err}
		}
	}()
	return out
}

func waitState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport %s state=%s want=%s", tr.cfg.Path, tr.State(), want)
}

func nextFrame(t *testing.T, ch <-chan readResult) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-ch:
			if r.err != nil {
				continue
			}
			return r.frame
		case <-deadline:
			t.Fatalf("timed out waiting for frame")
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{Baud: 9600}, nil); !errors.Is(err, ErrPathRequired) {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	if _, err := New(Config{Path: "/dev/null"}, nil); !errors.Is(err, ErrInvalidBaud) {
		t.Fatalf("expected ErrInvalidBaud, got %v", err)
	}
}

func TestStateStrings(t *testing.T) {
	testlog.Start(t)
	for st, want := range map[State]string{
		Disconnected: "disconnected",
		Connecting:   "connecting",
		Connected:    "connected",
		Degraded:     "degraded",
		State(42):    "unknown",
	} {
		if st.String() != want {
			t.Fatalf("state %d got=%q want=%q", st, st.String(), want)
		}
	}
}

func TestWriteFrameWhenDisconnected(t *testing.T) {
	testlog.Start(t)
	tr := newTestTransport(t, "idle", cableOpener(nullmodem.NewCable(), nullmodem.A), testLink())
	if tr.State() != Disconnected {
		t.Fatalf("initial state=%s", tr.State())
	}
	if err := tr.WriteFrame(context.Background(), []byte("x\n")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestFramesCrossTheCable(t *testing.T) {
	testlog.Start(t)
	cable := nullmodem.NewCable()
	a := newTestTransport(t, "a", cableOpener(cable, nullmodem.A), testLink())
	b := newTestTransport(t, "b", cableOpener(cable, nullmodem.B), testLink())
	run(t, a)
	ctxB := run(t, b)
	frames := pump(ctxB, b)
	waitState(t, a, Connected)
	waitState(t, b, Connected)

	want := [][]byte{[]byte("first"), bytes.Repeat([]byte("z"), 9000), []byte("")}
	for _, w := range want {
		if err := a.WriteFrame(context.Background(), append(append([]byte{}, w...), '\n')); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, w := range want {
		if got := nextFrame(t, frames); !bytes.Equal(got, w) {
			t.Fatalf("frame mismatch len got=%d want=%d", len(got), len(w))
		}
	}
	if st := a.Stats(); st.FramesOut != 3 || st.Connects != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPartialReadsAndOverflowResync(t *testing.T) {
	testlog.Start(t)
	local, remote := nullmodem.Pair()
	opened := false
	open := func(string, int) (Port, error) {
		if opened {
			return nil, errors.New("single use")
		}
		opened = true
		return local, nil
	}
	link := testLink()
	tr, err := New(Config{Path: "pair", Baud: 9600, MaxFrameBytes: 32, Link: link}, open)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := run(t, tr)
	results := pump(ctx, tr)
	waitState(t, tr, Connected)

	writes := []string{"par", "tial\n", strings.Repeat("x", 100), "yyy\nnext\n"}
	go func() {
		for _, w := range writes {
			_, _ = remote.Write([]byte(w))
		}
	}()

	expect := []readResult{{frame: []byte("partial")}, {err: ErrFrameOverflow}, {frame: []byte("next")}}
	for i, want := range expect {
		select {
		case got := <-results:
			if want.err != nil {
				if !errors.Is(got.err, want.err) {
					t.Fatalf("result %d expected %v, got %+v", i, want.err, got)
				}
				continue
			}
			if got.err != nil || string(got.frame) != string(want.frame) {
				t.Fatalf("result %d got=%q err=%v want=%q", i, got.frame, got.err, want.frame)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out on result %d", i)
		}
	}
}

func TestConcurrentWritersNeverInterleave(t *testing.T) {
	testlog.Start(t)
	cable := nullmodem.NewCable()
	a := newTestTransport(t, "a", cableOpener(cable, nullmodem.A), testLink())
	b := newTestTransport(t, "b", cableOpener(cable, nullmodem.B), testLink())
	run(t, a)
	ctxB := run(t, b)
	frames := pump(ctxB, b)
	waitState(t, a, Connected)
	waitState(t, b, Connected)

	const writers, perWriter = 4, 25
	payloads := make(map[string]bool)
	for w := 0; w < writers; w++ {
		payloads[strings.Repeat(fmt.Sprintf("%c", 'a'+w), 3000)] = true
	}
	var wg sync.WaitGroup
	for p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := a.WriteFrame(context.Background(), []byte(p+"\n")); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(p)
	}
	for i := 0; i < writers*perWriter; i++ {
		got := nextFrame(t, frames)
		if !payloads[string(got)] {
			t.Fatalf("frame %d interleaved or corrupted len=%d", i, len(got))
		}
	}
	wg.Wait()
}

func TestDisconnectTransitionsAndNoReplay(t *testing.T) {
	testlog.Start(t)
	cable := nullmodem.NewCable()
	a := newTestTransport(t, "a", cableOpener(cable, nullmodem.A), testLink())
	b := newTestTransport(t, "b", cableOpener(cable, nullmodem.B), testLink())

	var (
		mu          sync.Mutex
		transitions []State
	)
	a.OnStateChange(func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	ctxA := run(t, a)
	ctxB := run(t, b)
	_ = pump(ctxA, a)
	frames := pump(ctxB, b)
	waitState(t, a, Connected)
	waitState(t, b, Connected)

	if err := a.WriteFrame(context.Background(), []byte("before\n")); err != nil {
		t.Fatalf("write before: %v", err)
	}
	if got := nextFrame(t, frames); string(got) != "before" {
		t.Fatalf("unexpected frame: %q", got)
	}

	mu.Lock()
	transitions = transitions[:0]
	mu.Unlock()

	cable.Unplug()
	if err := a.WriteFrame(context.Background(), []byte("inflight\n")); err == nil {
		t.Fatalf("write on unplugged cable should fail")
	}
	waitState(t, a, Disconnected)
	cable.Plug()
	waitState(t, a, Connected)
	waitState(t, b, Connected)

	if err := a.WriteFrame(context.Background(), []byte("after\n")); err != nil {
		t.Fatalf("write after: %v", err)
	}
	if got := nextFrame(t, frames); string(got) != "after" {
		t.Fatalf("in-flight frame replayed or lost ordering: %q", got)
	}

	mu.Lock()
	got := append([]State{}, transitions...)
	mu.Unlock()
	want := []State{Degraded, Disconnected, Connecting}
	if len(got) < 4 {
		t.Fatalf("too few transitions: %v", got)
	}
	for i, st := range want {
		if got[i] != st {
			t.Fatalf("transition %d got=%s want=%s (all=%v)", i, got[i], st, got)
		}
	}
	if got[len(got)-1] != Connected {
		t.Fatalf("final transition got=%s", got[len(got)-1])
	}
	if a.Stats().Connects < 2 {
		t.Fatalf("expected a reconnect: %+v", a.Stats())
	}
}

func TestIdleTimeoutDegradesLink(t *testing.T) {
	testlog.Start(t)
	cable := nullmodem.NewCable()
	link := testLink()
	link.IdleTimeout = 100 * time.Millisecond
	a := newTestTransport(t, "a", cableOpener(cable, nullmodem.A), link)

	degraded := make(chan struct{}, 1)
	a.OnStateChange(func(_, to State) {
		if to == Degraded {
			select {
			case degraded <- struct{}{}:
			default:
			}
		}
	})
	ctx := run(t, a)
	results := pump(ctx, a)

	select {
	case <-degraded:
	case <-time.After(5 * time.Second):
		t.Fatalf("idle link never degraded")
	}
	for {
		select {
		case r := <-results:
			if r.err == nil {
				continue
			}
			if !errors.Is(r.err, ErrDeviceUnavailable) {
				t.Fatalf("unexpected read error: %v", r.err)
			}
			if errors.Is(r.err, ErrLinkIdle) {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no idle read error")
		}
	}
}

func TestOpenFailureBacksOffUntilCancel(t *testing.T) {
	testlog.Start(t)
	var (
		mu    sync.Mutex
		calls int
	)
	open := func(string, int) (Port, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("no such device")
	}
	tr := newTestTransport(t, "/dev/missing", open, testLink())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	// 200ms with a 50ms cap allows a handful of attempts, never a storm
	if calls < 2 || calls > 20 {
		t.Fatalf("unexpected open attempts: %d", calls)
	}
	if tr.State() != Disconnected {
		t.Fatalf("state after cancel=%s", tr.State())
	}
}
