package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solara-ai/livelink/pkg/clock"
	"github.com/solara-ai/livelink/pkg/credential"
	"github.com/solara-ai/livelink/pkg/media"
	"github.com/solara-ai/livelink/pkg/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	msgs    chan protocol.ServerMessage
	closed  bool
	err     error
	sent    []media.Input
	sendErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan protocol.ServerMessage, 16)}
}

func (c *fakeConn) Send(in media.Input) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("conn closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, in)
	return nil
}

func (c *fakeConn) Messages() <-chan protocol.ServerMessage { return c.msgs }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
	return nil
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) deliver(msg protocol.ServerMessage) { c.msgs <- msg }

// fail simulates an abnormal connection error.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.err = err
		close(c.msgs)
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	handles []string
	calls   int

	// failDial returns a non-nil error to fail the n-th Dial (1-based).
	failDial func(n int) error
}

func (d *fakeDialer) Dial(ctx context.Context, cred credential.Credential, resumeHandle string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.handles = append(d.handles, resumeHandle)
	if d.failDial != nil {
		if err := d.failDial(d.calls); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) handle(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

type staticIssuer struct {
	clk   clock.Clock
	calls atomic.Int32
}

func (s *staticIssuer) Issue(ctx context.Context) (credential.Credential, error) {
	s.calls.Add(1)
	now := s.clk.Now()
	return credential.Credential{Token: "tok", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Reconnect:          ReconnectConfig{MaxAttempts: 3, BaseDelay: 2 * time.Second},
		Health:             HealthConfig{CheckInterval: 30 * time.Second, InactivityThreshold: 5 * time.Minute},
		GoAwaySafetyMargin: 10 * time.Second,
		DialTimeout:        15 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeDialer, *clock.Fake, *staticIssuer) {
	t.Helper()
	clk := clock.NewFake()
	issuer := &staticIssuer{clk: clk}
	store := credential.NewStore(credential.DefaultStoreConfig(), issuer, clk)
	t.Cleanup(store.Close)
	dialer := &fakeDialer{}
	m := New(cfg, dialer, store, clk, testLogger(), nil)
	t.Cleanup(m.Stop)
	return m, dialer, clk, issuer
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitForEvent(t *testing.T, m *Manager, match func(Event) bool) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if match(ev) {
				return
			}
		case <-timeout:
			t.Fatal("event not observed in time")
		}
	}
}

func audioInput(b byte) media.Input {
	chunk := media.AudioChunk{Data: []byte{b}, MIMEType: "audio/pcm;rate=16000"}
	return media.Input{Audio: chunk, CapturedAt: chunk.CapturedAt}
}

func videoOnlyInput(b byte) media.Input {
	frame := media.VideoFrame{Data: []byte{b}, Format: "jpeg", Width: 2, Height: 2}
	return media.Input{Video: &frame}
}

func TestSendRejectedWhenNotConnected(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, testConfig())

	err := m.Send(audioInput(1))
	var serr *Error
	if !errors.As(err, &serr) || serr.Type != ErrInvalidState {
		t.Fatalf("err = %v, want %s", err, ErrInvalidState)
	}
	if dialer.dialCount() != 0 {
		t.Fatal("send must not contact the endpoint")
	}
}

func TestStartConnects(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dialCount())
	}
	if dialer.handle(0) != "" {
		t.Fatalf("first dial handle = %q, want empty", dialer.handle(0))
	}
}

func TestReconnectExhaustionClosesWithOneFatal(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, testConfig())
	dialer.failDial = func(n int) error {
		if n == 1 {
			return nil
		}
		return errors.New("dial refused")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })

	dialer.conn(0).fail(errors.New("stream reset"))
	waitFor(t, func() bool { return m.State() == StateReconnecting })

	// Attempts back off linearly: 2s, 4s, 6s. Each advance runs one failed
	// dial, which schedules the next.
	clk.Advance(2 * time.Second)
	clk.Advance(4 * time.Second)
	clk.Advance(6 * time.Second)

	waitFor(t, func() bool { return m.State() == StateClosed })
	if got := dialer.dialCount(); got != 4 {
		t.Fatalf("dials = %d, want 1 initial + 3 reconnect attempts", got)
	}

	var fatals, reconnects int
	var exhausted *Error
	for done := false; !done; {
		select {
		case ev := <-m.Events():
			switch e := ev.(type) {
			case FatalEvent:
				fatals++
				errors.As(e.Err, &exhausted)
			case ReconnectingEvent:
				reconnects++
			}
		default:
			done = true
		}
	}
	if fatals != 1 {
		t.Fatalf("fatal events = %d, want exactly 1", fatals)
	}
	if exhausted == nil || exhausted.Type != ErrReconnectExhausted {
		t.Fatalf("fatal error = %v, want %s", exhausted, ErrReconnectExhausted)
	}
	if reconnects != 3 {
		t.Fatalf("reconnecting events = %d, want 3", reconnects)
	}
}

func TestBusyDropsAudioBearingInputs(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })
	conn := dialer.conn(0)

	if err := m.Send(audioInput(1)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if !m.Busy() {
		t.Fatal("audio-bearing send must set the busy gate")
	}

	// Dropped, not queued, and not an error.
	if err := m.Send(audioInput(2)); err != nil {
		t.Fatalf("busy send: %v", err)
	}
	if got := conn.sentCount(); got != 1 {
		t.Fatalf("sent = %d, want 1 after busy drop", got)
	}

	// Video-only inputs are not gated.
	if err := m.Send(videoOnlyInput(3)); err != nil {
		t.Fatalf("video-only send: %v", err)
	}
	if got := conn.sentCount(); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}

	conn.deliver(protocol.ServerMessage{GenerationComplete: true})
	waitFor(t, func() bool { return !m.Busy() })

	if err := m.Send(audioInput(4)); err != nil {
		t.Fatalf("send after busy cleared: %v", err)
	}
	if got := conn.sentCount(); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
}

func TestResumptionHandleUsedOnReconnect(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })

	conn := dialer.conn(0)
	conn.deliver(protocol.ServerMessage{
		ResumptionUpdate: &protocol.ResumptionUpdate{NewHandle: "h1", Resumable: true},
	})
	waitFor(t, func() bool { return m.ResumptionHandle() == "h1" })

	// A non-resumable update must not replace the stored handle.
	conn.deliver(protocol.ServerMessage{
		ResumptionUpdate: &protocol.ResumptionUpdate{NewHandle: "h2", Resumable: false},
	})
	conn.deliver(protocol.ServerMessage{GenerationComplete: true})
	waitForEvent(t, m, func(ev Event) bool {
		_, ok := ev.(MessageEvent)
		return ok
	})
	if got := m.ResumptionHandle(); got != "h1" {
		t.Fatalf("handle = %q, want h1", got)
	}

	conn.fail(errors.New("stream reset"))
	waitFor(t, func() bool { return m.State() == StateReconnecting })
	clk.Advance(2 * time.Second)
	waitFor(t, func() bool { return m.State() == StateConnected })

	if got := dialer.handle(1); got != "h1" {
		t.Fatalf("reconnect dial handle = %q, want h1", got)
	}
}

func TestGoAwayReconnectsBeforeDeadline(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })
	conn := dialer.conn(0)

	conn.deliver(protocol.ServerMessage{GoAway: &protocol.GoAway{TimeLeftMS: 30_000}})
	waitForEvent(t, m, func(ev Event) bool {
		_, ok := ev.(GoAwayEvent)
		return ok
	})

	// 30s warning minus the 10s margin: nothing happens before t+20s.
	clk.Advance(19 * time.Second)
	if m.State() != StateConnected {
		t.Fatalf("state = %s before the margin, want connected", m.State())
	}

	clk.Advance(time.Second)
	waitFor(t, func() bool { return m.State() == StateReconnecting })

	clk.Advance(2 * time.Second)
	waitFor(t, func() bool { return m.State() == StateConnected })
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
}

func TestAuthRejectionInvalidatesCredential(t *testing.T) {
	m, dialer, clk, issuer := newTestManager(t, testConfig())
	dialer.failDial = func(n int) error {
		if n == 1 {
			return NewAuthRejectedError("token revoked")
		}
		return nil
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateReconnecting })
	clk.Advance(2 * time.Second)
	waitFor(t, func() bool { return m.State() == StateConnected })

	// Rejection invalidated the stored token, so the retry minted a new one.
	if got := issuer.calls.Load(); got != 2 {
		t.Fatalf("issuer calls = %d, want 2", got)
	}
}

func TestInactivityTriggersReconnect(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })

	// A full threshold of silence, observed on the next health tick.
	clk.Advance(6 * time.Minute)
	waitFor(t, func() bool { return m.State() == StateReconnecting })
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d before backoff elapses, want 1", dialer.dialCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, testConfig())

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })

	m.Stop()
	m.Stop()
	if m.State() != StateClosed {
		t.Fatalf("state = %s, want closed", m.State())
	}
	if m.ResumptionHandle() != "" {
		t.Fatal("stop must clear the resumption handle")
	}

	var fatals int
	for done := false; !done; {
		select {
		case ev := <-m.Events():
			if _, ok := ev.(FatalEvent); ok {
				fatals++
			}
		default:
			done = true
		}
	}
	if fatals != 0 {
		t.Fatalf("fatal events = %d after explicit stop, want 0", fatals)
	}
	_ = dialer
}

func TestStartTwiceFails(t *testing.T) {
	m, _, _, _ := newTestManager(t, testConfig())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return m.State() == StateConnected })
	err := m.Start(context.Background())
	var serr *Error
	if !errors.As(err, &serr) || serr.Type != ErrInvalidState {
		t.Fatalf("second Start err = %v, want %s", err, ErrInvalidState)
	}
}
