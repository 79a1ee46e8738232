package credential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solara-ai/livelink/pkg/clock"
)

// stubIssuer returns canned credentials and counts calls.
type stubIssuer struct {
	mu    sync.Mutex
	calls int32
	next  func(n int32) (Credential, error)
	gate  chan struct{}
}

func (s *stubIssuer) Issue(ctx context.Context) (Credential, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	next := s.next
	s.mu.Unlock()
	return next(n)
}

func (s *stubIssuer) callCount() int32 { return atomic.LoadInt32(&s.calls) }

func tokenFor(clk clock.Clock, token string, ttl time.Duration) func(int32) (Credential, error) {
	return func(int32) (Credential, error) {
		now := clk.Now()
		return Credential{Token: token, IssuedAt: now, ExpiresAt: now.Add(ttl)}, nil
	}
}

func TestEnsureValidIssuesWhenEmpty(t *testing.T) {
	clk := clock.NewFake()
	issuer := &stubIssuer{next: tokenFor(clk, "tok-1", time.Hour)}
	store := NewStore(DefaultStoreConfig(), issuer, clk)
	defer store.Close()

	cred, err := store.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if cred.Token != "tok-1" {
		t.Fatalf("token = %q, want tok-1", cred.Token)
	}
	if got := issuer.callCount(); got != 1 {
		t.Fatalf("issuer calls = %d, want 1", got)
	}
}

func TestEnsureValidReusesWhileValid(t *testing.T) {
	clk := clock.NewFake()
	issuer := &stubIssuer{next: tokenFor(clk, "tok-1", time.Hour)}
	store := NewStore(DefaultStoreConfig(), issuer, clk)
	defer store.Close()

	for i := 0; i < 5; i++ {
		if _, err := store.EnsureValid(context.Background()); err != nil {
			t.Fatalf("EnsureValid #%d: %v", i, err)
		}
	}
	if got := issuer.callCount(); got != 1 {
		t.Fatalf("issuer calls = %d, want 1", got)
	}
}

func TestEnsureValidRefreshesInsideSafetyBuffer(t *testing.T) {
	clk := clock.NewFake()
	cfg := StoreConfig{SafetyBuffer: 30 * time.Second, RefreshLead: time.Minute}
	issuer := &stubIssuer{next: tokenFor(clk, "tok", 45*time.Second)}
	store := NewStore(cfg, issuer, clk)
	defer store.Close()

	if _, err := store.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}

	// 20s remaining is under the 30s buffer, so a second call must refresh
	// even though the token has not strictly expired.
	clk.Advance(25 * time.Second)
	if _, err := store.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid after advance: %v", err)
	}
	if got := issuer.callCount(); got < 2 {
		t.Fatalf("issuer calls = %d, want at least 2", got)
	}
}

func TestEnsureValidSingleFlight(t *testing.T) {
	clk := clock.NewFake()
	gate := make(chan struct{})
	issuer := &stubIssuer{next: tokenFor(clk, "tok", time.Hour), gate: gate}
	store := NewStore(DefaultStoreConfig(), issuer, clk)
	defer store.Close()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.EnsureValid(context.Background())
			errs <- err
		}()
	}

	// Give every caller a chance to hit the store before the issuer is
	// allowed to respond.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureValid: %v", err)
		}
	}
	if got := issuer.callCount(); got != 1 {
		t.Fatalf("issuer calls = %d, want 1", got)
	}
}

func TestInvalidateForcesReissue(t *testing.T) {
	clk := clock.NewFake()
	issuer := &stubIssuer{next: func(n int32) (Credential, error) {
		now := clk.Now()
		token := "tok-a"
		if n > 1 {
			token = "tok-b"
		}
		return Credential{Token: token, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}, nil
	}}
	store := NewStore(DefaultStoreConfig(), issuer, clk)
	defer store.Close()

	if _, err := store.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	store.Invalidate()

	cred, err := store.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("EnsureValid after Invalidate: %v", err)
	}
	if cred.Token != "tok-b" {
		t.Fatalf("token = %q, want tok-b", cred.Token)
	}
}

func TestEnsureValidIssuerFailure(t *testing.T) {
	clk := clock.NewFake()
	issuer := &stubIssuer{next: func(int32) (Credential, error) {
		return Credential{}, NewUnavailableError("authority offline")
	}}
	store := NewStore(DefaultStoreConfig(), issuer, clk)
	defer store.Close()

	_, err := store.EnsureValid(context.Background())
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Type != ErrUnavailable {
		t.Fatalf("err = %v, want %s", err, ErrUnavailable)
	}
	if store.Current().Token != "" {
		t.Fatal("failed issuance must not populate the store")
	}
}

func TestProactiveRefresh(t *testing.T) {
	clk := clock.NewFake()
	cfg := StoreConfig{SafetyBuffer: 30 * time.Second, RefreshLead: 3 * time.Minute}
	issuer := &stubIssuer{next: func(n int32) (Credential, error) {
		now := clk.Now()
		token := "tok-1"
		if n > 1 {
			token = "tok-2"
		}
		return Credential{Token: token, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}, nil
	}}
	store := NewStore(cfg, issuer, clk)
	defer store.Close()

	if _, err := store.EnsureValid(context.Background()); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}

	// The refresh timer fires at expiry minus the lead, 7m in.
	clk.Advance(7*time.Minute + time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for store.Current().Token != "tok-2" {
		if time.Now().After(deadline) {
			t.Fatalf("proactive refresh did not run, token = %q", store.Current().Token)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := issuer.callCount(); got != 2 {
		t.Fatalf("issuer calls = %d, want 2", got)
	}
}

func TestHTTPIssuer(t *testing.T) {
	expires := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ephemeral-abc",
			"expires_at": expires,
		})
	}))
	defer srv.Close()

	issuer := NewHTTPIssuer(HTTPIssuerConfig{Endpoint: srv.URL, APIKey: "secret-key"})
	cred, err := issuer.Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cred.Token != "ephemeral-abc" {
		t.Fatalf("token = %q", cred.Token)
	}
	if !cred.ExpiresAt.Equal(expires) {
		t.Fatalf("expires_at = %v, want %v", cred.ExpiresAt, expires)
	}
}

func TestHTTPIssuerRejectsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	issuer := NewHTTPIssuer(HTTPIssuerConfig{Endpoint: srv.URL})
	_, err := issuer.Issue(context.Background())
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Type != ErrUnavailable {
		t.Fatalf("err = %v, want %s", err, ErrUnavailable)
	}
	if cerr.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", cerr.Status)
	}
}
