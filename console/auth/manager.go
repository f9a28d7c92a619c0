// Package consoleauth drives the console's auth state machine. It reacts to
// identity-provider assertion changes and durable session state, decides
// whether to re-verify, rehydrate or log out, and owns the redirect rules.
package consoleauth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/console/backend"
	"github.com/shulehub/shule/console/identity"
	"github.com/shulehub/shule/console/route"
	consolesession "github.com/shulehub/shule/console/session"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/session"
)

// ErrRetry is the generic user-facing copy for transient exchange failures.
var ErrRetry = errors.New("something went wrong, please try again")

// Exchanger is the slice of the backend client the state machine needs.
type Exchanger interface {
	VerifyToken(ctx context.Context, idToken string) (backend.ExchangeResult, error)
	Logout(ctx context.Context, tok session.Token) error
}

var _ Exchanger = (*backend.Client)(nil)

type Manager struct {
	provider identity.Provider
	backend  Exchanger
	store    *consolesession.Store
	storage  consolesession.Storage
	nav      route.Navigator
	logger   core.Logger

	mu          sync.Mutex
	state       session.State
	seq         uint64
	started     bool
	subscribed  bool
	lastErr     error
	unsubscribe func()
}

func NewManager(
	provider identity.Provider,
	exchanger Exchanger,
	store *consolesession.Store,
	storage consolesession.Storage,
	nav route.Navigator,
	logger core.Logger,
) *Manager {
	return &Manager{
		provider: provider,
		backend:  exchanger,
		store:    store,
		storage:  storage,
		nav:      nav,
		logger:   logger,
		state:    session.StateUnknown,
	}
}

// State returns the machine's current position.
func (m *Manager) State() session.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent terminal auth error (verbatim Forbidden
// reason, or ErrRetry for transient failures), cleared on the next
// successful transition.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Start runs the rehydration gate, then subscribes to the identity provider.
// No guard decision is made before the gate completes: callers must not
// render a protected view, nor a false logged-out view, until Start returns.
//
// A valid, non-expired regular session is trusted and restored without a
// backend round trip. An impersonation session is always re-verified: its
// validity cannot be inferred from local expiry alone, the backend may have
// revoked it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("auth manager already started")
	}
	m.started = true
	m.state = session.StateUnknown
	m.mu.Unlock()

	persisted, err := m.store.Persisted()
	if err != nil {
		m.logger.Error("reading persisted session", err)
		persisted = session.LoggedOut()
	}

	switch {
	case persisted.IsAuthenticated && persisted.Token.IsImpersonation():
		m.reverifyImpersonation(ctx, persisted)
	case persisted.IsAuthenticated && !persisted.Token.Expired(time.Now()):
		if err := m.store.Rehydrate(*persisted.User, *persisted.Token); err != nil {
			return errors.Wrap(err, "rehydrating session")
		}
		m.setState(session.StateLoggedIn)
	default:
		if err := m.store.Logout(); err != nil {
			return errors.Wrap(err, "clearing session")
		}
		m.setState(session.StateLoggedOut)
	}
	m.redirect()

	// Subscribe fires synchronously with the provider's current state and
	// that delivery re-enters the manager, so the lock must not be held here.
	unsubscribe := m.provider.Subscribe(func(assertion *identity.Assertion) {
		m.onAssertion(ctx, assertion)
	})
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
	return nil
}

// Close detaches the manager from the identity provider.
func (m *Manager) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Logout performs an explicit user logout: best-effort backend notification,
// provider sign-out, session clear, then navigation to the login view.
// Backend failures are logged and never block the client-side logout.
func (m *Manager) Logout(ctx context.Context) {
	if cur := m.store.Current(); cur.Token != nil {
		if err := m.backend.Logout(ctx, *cur.Token); err != nil {
			m.logger.Warn("backend logout failed", err)
		}
	}
	m.provider.SignOut()

	if err := m.store.Logout(); err != nil {
		m.logger.Error("clearing session", err)
	}
	m.setState(session.StateLoggedOut)
	m.nav.To(route.Login)
}

// onAssertion processes one provider event. Events are sequenced: each new
// event invalidates any exchange still in flight for an older assertion, so
// a late result can never resurrect a session that was since logged out.
func (m *Manager) onAssertion(ctx context.Context, assertion *identity.Assertion) {
	m.mu.Lock()

	// The provider's very first delivery reports its own current state.
	// An in-process provider starts empty, so a nil here says nothing
	// about the session just restored from durable storage.
	first := !m.subscribed
	m.subscribed = true
	if first && assertion == nil {
		m.mu.Unlock()
		return
	}

	m.seq++
	seq := m.seq

	if assertion == nil {
		// signed out elsewhere: unconditional, regardless of prior state
		if err := m.store.Logout(); err != nil {
			m.logger.Error("clearing session", err)
		}
		m.state = session.StateLoggedOut
		m.redirectLocked()
		m.mu.Unlock()
		return
	}

	if m.store.Current().IsAuthenticated {
		m.mu.Unlock()
		return
	}
	m.state = session.StateVerifying
	m.mu.Unlock()

	res, err := m.backend.VerifyToken(ctx, assertion.Token)

	m.mu.Lock()
	if m.seq != seq {
		// a newer assertion (or sign-out) won the race; this result is stale
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.failClosed(err)
		m.mu.Unlock()
		return
	}

	if err := m.applyExchange(res); err != nil {
		m.logger.Error("applying token exchange", err)
	}
	m.redirectLocked()
	m.mu.Unlock()
}

// reverifyImpersonation re-runs the token exchange for a persisted
// impersonation session, reconstructing the impersonation context from the
// durably stored original user plus the exchange response.
func (m *Manager) reverifyImpersonation(ctx context.Context, persisted session.Session) {
	m.setState(session.StateVerifying)

	res, err := m.backend.VerifyToken(ctx, persisted.Token.Value)
	if err != nil {
		m.mu.Lock()
		m.failClosed(err)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if err := m.applyExchange(res); err != nil {
		m.logger.Error("applying token exchange", err)
	}
	m.mu.Unlock()
}

// applyExchange installs a successful exchange result. Caller holds m.mu.
func (m *Manager) applyExchange(res backend.ExchangeResult) error {
	m.lastErr = nil

	if res.Token.IsImpersonation() {
		original := res.OriginalUser
		if original == nil {
			// fall back to the durably persisted original identity
			stored, _, err := consolesession.LoadOriginalUser(m.storage)
			if err != nil {
				return errors.Wrap(err, "restoring original user")
			}
			original = &stored
		}
		m.state = session.StateImpersonating
		return m.store.StartImpersonation(res.User, *original, res.Token)
	}

	m.state = session.StateLoggedIn
	return m.store.Rehydrate(res.User, res.Token)
}

// failClosed handles any exchange failure: the provider session is cleared
// so no provider-authenticated, backend-unverified state lingers, and the
// session ends up cleanly logged out. Caller holds m.mu.
func (m *Manager) failClosed(err error) {
	switch cause := errors.Cause(err).(type) {
	case backend.ErrForbidden:
		// surfaced verbatim to the user
		m.lastErr = cause
	default:
		m.logger.Error("token exchange failed", err)
		m.lastErr = ErrRetry
	}

	// SignOut republishes nil; run it outside the lock, the resulting
	// logout delivery is idempotent.
	m.mu.Unlock()
	m.provider.SignOut()
	m.mu.Lock()

	if logoutErr := m.store.Logout(); logoutErr != nil {
		m.logger.Error("clearing session", logoutErr)
	}
	m.state = session.StateLoggedOut
	m.redirectLocked()
}

func (m *Manager) setState(state session.State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) redirect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirectLocked()
}

// redirectLocked applies the landing rules in the same cycle as the state
// change: authenticated on an auth-only view goes to the dashboard, logged
// out on a protected view goes to login with the location preserved.
func (m *Manager) redirectLocked() {
	location := m.nav.Current()
	switch m.state {
	case session.StateLoggedIn, session.StateImpersonating:
		if route.IsAuthOnly(location) {
			m.nav.To(route.Dashboard)
		}
	case session.StateLoggedOut:
		if !route.IsAuthOnly(location) {
			m.nav.To(route.Login, location)
		}
	}
}
