package consoleauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"

	"github.com/shulehub/shule/console/backend"
	"github.com/shulehub/shule/console/identity"
	"github.com/shulehub/shule/console/route"
	consolesession "github.com/shulehub/shule/console/session"
	"github.com/shulehub/shule/core/session"
	"github.com/shulehub/shule/core/user"
)

// fakes

type fakeProvider struct {
	mu       sync.Mutex
	current  *identity.Assertion
	subs     []func(*identity.Assertion)
	signOuts int
}

func (p *fakeProvider) SignInWithPassword(context.Context, string, string) (identity.Assertion, error) {
	return identity.Assertion{}, nil
}

func (p *fakeProvider) SignInInteractive(context.Context) (identity.Assertion, error) {
	return identity.Assertion{}, identity.ErrPopupBlocked
}

func (p *fakeProvider) Subscribe(fn func(*identity.Assertion)) func() {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	current := p.current
	p.mu.Unlock()
	fn(current)
	return func() {}
}

func (p *fakeProvider) SignOut() {
	p.mu.Lock()
	alreadyOut := p.current == nil
	p.mu.Unlock()
	if alreadyOut {
		return
	}
	p.mu.Lock()
	p.signOuts++
	p.mu.Unlock()
	p.emit(nil)
}

func (p *fakeProvider) emit(assertion *identity.Assertion) {
	p.mu.Lock()
	p.current = assertion
	subs := append(make([]func(*identity.Assertion), 0, len(p.subs)), p.subs...)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(assertion)
	}
}

func (p *fakeProvider) signOutCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOuts
}

type fakeExchanger struct {
	mu      sync.Mutex
	calls   int
	handler func(idToken string) (backend.ExchangeResult, error)
	logouts []string
	lastErr error
}

func (e *fakeExchanger) VerifyToken(_ context.Context, idToken string) (backend.ExchangeResult, error) {
	e.mu.Lock()
	e.calls++
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return backend.ExchangeResult{}, backend.ErrServer{StatusCode: 500}
	}
	return handler(idToken)
}

func (e *fakeExchanger) Logout(_ context.Context, tok session.Token) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logouts = append(e.logouts, tok.Value)
	return e.lastErr
}

func (e *fakeExchanger) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeNavigator struct {
	mu       sync.Mutex
	location string
	moves    []string
	lastFrom string
	reloads  int
}

func (n *fakeNavigator) Current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.location
}

func (n *fakeNavigator) To(path string, from ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.location = path
	n.moves = append(n.moves, path)
	if len(from) > 0 {
		n.lastFrom = from[0]
	}
}

func (n *fakeNavigator) Reload() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloads++
}

type fixture struct {
	provider *fakeProvider
	backend  *fakeExchanger
	storage  consolesession.Storage
	store    *consolesession.Store
	nav      *fakeNavigator
	manager  *Manager
}

func newFixture(location string) *fixture {
	f := &fixture{
		provider: &fakeProvider{},
		backend:  &fakeExchanger{},
		storage:  consolesession.NewMemStorage(),
		nav:      &fakeNavigator{location: location},
	}
	f.store = consolesession.NewStore(f.storage)
	f.manager = NewManager(f.provider, f.backend, f.store, f.storage, f.nav, nopLogger{})
	return f
}

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   "u1",
		ExpiresAt: expiresAt.Unix(),
	})
	signed, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func teacherResult(tokenValue string) backend.ExchangeResult {
	return backend.ExchangeResult{
		User:  user.User{ID: "u1", FirstName: "Alima", Email: "a@b.com", Role: user.RoleTeacher, IsActive: true},
		Token: session.NewRegularToken(tokenValue),
	}
}

// Scenario: teacher logs in with valid credentials; the exchange returns the
// teacher profile with token T1. The session becomes authenticated with that
// exact token and the console navigates to the dashboard.
func TestManager_teacherLogin(t *testing.T) {
	f := newFixture(route.Login)
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return teacherResult("T1"), nil
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	assert.Equal(t, session.StateLoggedOut, f.manager.State())

	f.provider.emit(&identity.Assertion{Token: "A1", Email: "a@b.com", Expiry: time.Now().Add(time.Hour)})

	sess := f.store.Current()
	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, user.RoleTeacher, sess.User.Role)
	assert.Equal(t, "T1", sess.Token.Value)
	assert.Equal(t, session.StateLoggedIn, f.manager.State())
	assert.Nil(t, f.manager.LastError())

	// redirect happens in the same cycle as the state change
	assert.Equal(t, route.Dashboard, f.nav.Current())
}

// Scenario: the exchange responds 403 {detail: "Account suspended"}. The
// session stays clean, the provider session is cleared, and the exact reason
// string is available for display.
func TestManager_accountSuspended(t *testing.T) {
	f := newFixture(route.Login)
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return backend.ExchangeResult{}, backend.ErrForbidden{Reason: "Account suspended"}
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	f.provider.emit(&identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)})

	sess := f.store.Current()
	assert.False(t, sess.IsAuthenticated)
	assert.Nil(t, sess.User)
	assert.Nil(t, sess.Token)
	assert.Equal(t, session.StateLoggedOut, f.manager.State())
	assert.Equal(t, 1, f.provider.signOutCount())

	if assert.Error(t, f.manager.LastError()) {
		assert.Equal(t, "Account suspended", f.manager.LastError().Error())
	}
}

// A transient backend failure also fails closed: provider signed out, session
// logged out, generic retry message.
func TestManager_serverErrorFailsClosed(t *testing.T) {
	f := newFixture(route.Login)
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return backend.ExchangeResult{}, backend.ErrServer{StatusCode: 502}
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	f.provider.emit(&identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)})

	assert.False(t, f.store.Current().IsAuthenticated)
	assert.Equal(t, 1, f.provider.signOutCount())
	assert.Equal(t, ErrRetry, f.manager.LastError())
}

// Stale-response guard: assertion A1 starts exchange E1; A2 arrives and its
// exchange E2 completes while E1 is still in flight. When E1 finally
// resolves, its result must be discarded: the session reflects E2.
func TestManager_staleExchangeDiscarded(t *testing.T) {
	f := newFixture(route.Login)

	e1Started := make(chan struct{})
	e1Release := make(chan struct{})
	f.backend.handler = func(idToken string) (backend.ExchangeResult, error) {
		if idToken == "A1" {
			close(e1Started)
			<-e1Release
			return backend.ExchangeResult{
				User:  user.User{ID: "stale", Email: "stale@b.com", Role: user.RoleStudent, IsActive: true},
				Token: session.NewRegularToken("T-stale"),
			}, nil
		}
		return teacherResult("T2"), nil
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.provider.emit(&identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)})
	}()

	<-e1Started
	f.provider.emit(&identity.Assertion{Token: "A2", Expiry: time.Now().Add(time.Hour)})

	// E2 has been applied; now let the stale E1 resolve
	close(e1Release)
	wg.Wait()

	sess := f.store.Current()
	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, "u1", sess.User.ID, "stale exchange overwrote the current session")
	assert.Equal(t, "T2", sess.Token.Value)
}

// A nil assertion (signed out elsewhere) clears the session unconditionally,
// even when an exchange for an older assertion is still in flight.
func TestManager_nilAssertionLogsOut(t *testing.T) {
	f := newFixture(route.Dashboard)
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return teacherResult("T1"), nil
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	f.provider.emit(&identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)})
	assert.True(t, f.store.Current().IsAuthenticated)

	f.provider.emit(nil)

	sess := f.store.Current()
	assert.False(t, sess.IsAuthenticated)
	assert.Equal(t, session.StateLoggedOut, f.manager.State())

	// logged out on a protected view: redirected to login, location preserved
	assert.Equal(t, route.Login, f.nav.Current())
	assert.Equal(t, route.Dashboard, f.nav.lastFrom)
}

// Rehydration gate: a persisted, non-expired regular session is restored
// without a backend round trip.
func TestManager_rehydratesWithoutBackend(t *testing.T) {
	f := newFixture(route.Dashboard)

	usr := user.User{ID: "u1", Email: "a@b.com", Role: user.RoleStaff, IsActive: true}
	tok := session.NewRegularToken(signedToken(t, time.Now().Add(time.Hour)))
	seed := consolesession.NewStore(f.storage)
	if err := seed.LoginSuccess(usr, tok); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	sess := f.store.Current()
	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, usr.ID, sess.User.ID)
	assert.Equal(t, tok, *sess.Token)
	assert.Equal(t, session.StateLoggedIn, f.manager.State())
	assert.Equal(t, 0, f.backend.callCount(), "regular rehydration must not hit the backend")
}

func TestManager_expiredSessionNotRestored(t *testing.T) {
	f := newFixture(route.Dashboard)

	usr := user.User{ID: "u1", Email: "a@b.com", Role: user.RoleStaff, IsActive: true}
	tok := session.NewRegularToken(signedToken(t, time.Now().Add(-time.Hour)))
	seed := consolesession.NewStore(f.storage)
	if err := seed.LoginSuccess(usr, tok); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	assert.False(t, f.store.Current().IsAuthenticated)
	assert.Equal(t, session.StateLoggedOut, f.manager.State())
	assert.Equal(t, 0, f.backend.callCount())
	// silently back to login rather than a modal
	assert.Equal(t, route.Login, f.nav.Current())
}

// A persisted impersonation session is always re-verified, regardless of
// local expiry: its validity cannot be inferred locally.
func TestManager_impersonationAlwaysReverified(t *testing.T) {
	f := newFixture(route.Dashboard)

	impersonated := user.User{ID: "u42", Email: "kid@b.com", Role: user.RoleStudent, IsActive: true}
	admin := user.User{ID: "a1", Email: "admin@b.com", Role: user.RoleAdmin, IsActive: true}
	impTok := session.NewImpersonationToken(signedToken(t, time.Now().Add(time.Hour)), admin.ID)

	seed := consolesession.NewStore(f.storage)
	if err := seed.StartImpersonation(impersonated, admin, impTok); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	if err := consolesession.SaveOriginalUser(f.storage, admin, session.NewRegularToken("T0")); err != nil {
		t.Fatalf("SaveOriginalUser(): %v", err)
	}

	f.backend.handler = func(idToken string) (backend.ExchangeResult, error) {
		return backend.ExchangeResult{
			User:         impersonated,
			OriginalUser: &admin,
			Token:        session.NewImpersonationToken(idToken, admin.ID),
		}, nil
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	assert.Equal(t, 1, f.backend.callCount(), "impersonation rehydration must re-verify")
	assert.Equal(t, session.StateImpersonating, f.manager.State())
	sess := f.store.Current()
	assert.True(t, sess.Impersonating())
	assert.Equal(t, impersonated.ID, sess.User.ID)
	if impCtx := f.store.Impersonation(); assert.NotNil(t, impCtx) {
		assert.Equal(t, admin.ID, impCtx.Original.ID)
	}
}

// A revoked impersonation token ends in a clean logged-out state.
func TestManager_revokedImpersonationLogsOut(t *testing.T) {
	f := newFixture(route.Dashboard)

	impersonated := user.User{ID: "u42", Email: "kid@b.com", Role: user.RoleStudent, IsActive: true}
	admin := user.User{ID: "a1", Email: "admin@b.com", Role: user.RoleAdmin, IsActive: true}
	impTok := session.NewImpersonationToken(signedToken(t, time.Now().Add(time.Hour)), admin.ID)

	seed := consolesession.NewStore(f.storage)
	if err := seed.StartImpersonation(impersonated, admin, impTok); err != nil {
		t.Fatalf("seeding session: %v", err)
	}

	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return backend.ExchangeResult{}, backend.ErrForbidden{Reason: "permission denied"}
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	assert.False(t, f.store.Current().IsAuthenticated)
	assert.Equal(t, session.StateLoggedOut, f.manager.State())
}

// Explicit logout: best-effort backend call, provider sign-out, session
// clear, navigate to login. A failing backend never blocks it.
func TestManager_explicitLogout(t *testing.T) {
	f := newFixture(route.Dashboard)
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return teacherResult("T1"), nil
	}
	f.backend.lastErr = backend.ErrServer{StatusCode: 500}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	f.provider.emit(&identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)})
	assert.True(t, f.store.Current().IsAuthenticated)

	f.manager.Logout(context.Background())

	assert.Equal(t, []string{"T1"}, f.backend.logouts)
	assert.Equal(t, 1, f.provider.signOutCount())
	assert.False(t, f.store.Current().IsAuthenticated)
	assert.Equal(t, session.StateLoggedOut, f.manager.State())
	assert.Equal(t, route.Login, f.nav.Current())
}

// isAuthenticated holds iff the latest completed exchange for the latest
// assertion succeeded and no null assertion or logout happened since.
func TestManager_authReflectsLatestCompletedExchange(t *testing.T) {
	f := newFixture(route.Login)

	ok := true
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		if ok {
			return teacherResult("T1"), nil
		}
		return backend.ExchangeResult{}, backend.ErrForbidden{Reason: "Account suspended"}
	}

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start(): %v", err)
	}

	f.provider.emit(&identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)})
	assert.True(t, f.store.Current().IsAuthenticated)

	f.provider.emit(nil)
	assert.False(t, f.store.Current().IsAuthenticated)

	ok = false
	f.provider.emit(&identity.Assertion{Token: "A2", Expiry: time.Now().Add(time.Hour)})
	assert.False(t, f.store.Current().IsAuthenticated)

	ok = true
	f.provider.emit(&identity.Assertion{Token: "A3", Expiry: time.Now().Add(time.Hour)})
	assert.True(t, f.store.Current().IsAuthenticated)
}

// The provider reports its current state synchronously from inside
// Subscribe. Start must process that delivery, live assertion included,
// and return.
func TestManager_startWithLiveProviderSession(t *testing.T) {
	f := newFixture(route.Login)
	f.provider.current = &identity.Assertion{Token: "A1", Expiry: time.Now().Add(time.Hour)}
	f.backend.handler = func(string) (backend.ExchangeResult, error) {
		return teacherResult("T1"), nil
	}

	done := make(chan error, 1)
	go func() { done <- f.manager.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start(): %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return")
	}

	sess := f.store.Current()
	assert.True(t, sess.IsAuthenticated)
	assert.Equal(t, "T1", sess.Token.Value)
	assert.Equal(t, session.StateLoggedIn, f.manager.State())
}
