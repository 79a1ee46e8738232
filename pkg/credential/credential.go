// Package credential manages the short-lived authentication material a live
// session connects with: a store holding at most one valid credential, and an
// issuer client that mints new ones from a remote authority.
package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/solara-ai/livelink/pkg/clock"
)

// Credential is one piece of short-lived auth material. It is distinct from
// any long-lived API secret; the issuer exchanges the latter for these.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidFor reports whether the credential still has at least buffer of
// lifetime left at the given instant.
func (c Credential) ValidFor(buffer time.Duration, now time.Time) bool {
	if c.Token == "" {
		return false
	}
	return c.ExpiresAt.Sub(now) > buffer
}

// Error is a typed credential failure.
type Error struct {
	Type    ErrorType
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes credential failures.
type ErrorType string

const (
	// ErrUnavailable means issuance failed; callers must not proceed to
	// connect without a valid credential.
	ErrUnavailable ErrorType = "credential_unavailable"
)

// NewUnavailableError creates an issuance failure error.
func NewUnavailableError(message string) *Error {
	return &Error{Type: ErrUnavailable, Message: message}
}

// Issuer requests a new credential from a remote authority.
type Issuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// StoreConfig tunes the store's validity and refresh windows.
type StoreConfig struct {
	// SafetyBuffer is the minimum remaining lifetime EnsureValid guarantees.
	// Default: 30s.
	SafetyBuffer time.Duration

	// RefreshLead is how far before expiry the proactive refresh runs, so
	// EnsureValid rarely blocks on the hot path. Default: 3m.
	RefreshLead time.Duration
}

// DefaultStoreConfig returns a StoreConfig with sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		SafetyBuffer: 30 * time.Second,
		RefreshLead:  3 * time.Minute,
	}
}

// refreshOp is one in-flight issuance request. cred and err are written
// before done is closed and only read after, so waiters need no lock.
type refreshOp struct {
	done chan struct{}
	cred Credential
	err  error
}

// Store holds the current credential and answers EnsureValid. At most one
// issuance request is in flight at any time; concurrent callers await the
// same request instead of issuing duplicates.
type Store struct {
	cfg    StoreConfig
	issuer Issuer
	clock  clock.Clock

	mu       sync.Mutex
	current  Credential
	inflight *refreshOp
	refresh  clock.Timer
	closed   bool
}

// NewStore creates a Store around the given issuer.
func NewStore(cfg StoreConfig, issuer Issuer, clk clock.Clock) *Store {
	if cfg.SafetyBuffer <= 0 {
		cfg.SafetyBuffer = DefaultStoreConfig().SafetyBuffer
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = DefaultStoreConfig().RefreshLead
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{cfg: cfg, issuer: issuer, clock: clk}
}

// EnsureValid returns a credential guaranteed valid for at least the
// configured safety buffer, issuing or refreshing one if necessary.
func (s *Store) EnsureValid(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Credential{}, NewUnavailableError("credential store closed")
	}
	if s.current.ValidFor(s.cfg.SafetyBuffer, s.clock.Now()) {
		cred := s.current
		s.mu.Unlock()
		return cred, nil
	}
	op := s.beginRefreshLocked()
	s.mu.Unlock()

	select {
	case <-op.done:
		return op.cred, op.err
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Current returns the stored credential without triggering a refresh. The
// zero Credential is returned when none is held.
func (s *Store) Current() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Invalidate drops the stored credential. Used when the remote endpoint
// rejects it: the next EnsureValid must mint a fresh one rather than retry
// the same token.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = Credential{}
	s.stopRefreshTimerLocked()
}

// Close cancels the proactive refresh timer. Idempotent.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopRefreshTimerLocked()
}

// beginRefreshLocked starts one issuance request unless one is already in
// flight, and returns the operation to wait on.
func (s *Store) beginRefreshLocked() *refreshOp {
	if s.inflight != nil {
		return s.inflight
	}
	op := &refreshOp{done: make(chan struct{})}
	s.inflight = op
	go s.runRefresh(op)
	return op
}

func (s *Store) runRefresh(op *refreshOp) {
	cred, err := s.issuer.Issue(context.Background())

	s.mu.Lock()
	s.inflight = nil
	if err == nil && !s.closed {
		s.current = cred
		s.scheduleRefreshLocked(cred)
	}
	s.mu.Unlock()

	op.cred = cred
	op.err = err
	close(op.done)
}

// scheduleRefreshLocked arms the proactive refresh at expiry minus the lead
// time so the hot path rarely blocks on issuance.
func (s *Store) scheduleRefreshLocked(cred Credential) {
	s.stopRefreshTimerLocked()
	lead := cred.ExpiresAt.Add(-s.cfg.RefreshLead).Sub(s.clock.Now())
	if lead < 0 {
		lead = 0
	}
	s.refresh = s.clock.AfterFunc(lead, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.beginRefreshLocked()
		s.mu.Unlock()
	})
}

func (s *Store) stopRefreshTimerLocked() {
	if s.refresh != nil {
		s.refresh.Stop()
		s.refresh = nil
	}
}
