package impersonation

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/shulehub/shule/console/backend"
	consolesession "github.com/shulehub/shule/console/session"
	"github.com/shulehub/shule/core/session"
	"github.com/shulehub/shule/core/user"
)

type fakeBackend struct {
	mu           sync.Mutex
	impersonate  func(tok session.Token, targetID string) (backend.ImpersonateResult, error)
	stopErr      error
	stops        []string
	impersonated []string
}

func (b *fakeBackend) Impersonate(_ context.Context, tok session.Token, targetID string) (backend.ImpersonateResult, error) {
	b.mu.Lock()
	b.impersonated = append(b.impersonated, targetID)
	fn := b.impersonate
	b.mu.Unlock()
	if fn == nil {
		return backend.ImpersonateResult{}, backend.ErrForbidden{Reason: "permission denied"}
	}
	return fn(tok, targetID)
}

func (b *fakeBackend) StopImpersonation(_ context.Context, tok session.Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, tok.Value)
	return b.stopErr
}

type fakeNavigator struct {
	location string
	reloads  int
}

func (n *fakeNavigator) Current() string { return n.location }

func (n *fakeNavigator) To(path string, _ ...string) { n.location = path }

func (n *fakeNavigator) Reload() { n.reloads++ }

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}

type fixture struct {
	backend *fakeBackend
	storage consolesession.Storage
	store   *consolesession.Store
	nav     *fakeNavigator
	ctrl    *Controller

	admin user.User
	pupil user.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: &fakeBackend{},
		storage: consolesession.NewMemStorage(),
		nav:     &fakeNavigator{location: "/dashboard/admin"},
		admin:   user.User{ID: "a1", FirstName: "Papa", LastName: "B", Email: "admin@b.com", Role: user.RoleAdmin, IsActive: true},
		pupil:   user.User{ID: "u42", FirstName: "Yumi", LastName: "K", Email: "kid@b.com", Role: user.RoleStudent, IsActive: true},
	}
	f.store = consolesession.NewStore(f.storage)
	f.ctrl = NewController(f.backend, f.store, f.storage, f.nav, nopLogger{})

	f.backend.impersonate = func(tok session.Token, targetID string) (backend.ImpersonateResult, error) {
		return backend.ImpersonateResult{
			ImpersonatedUser: f.pupil,
			OriginalUser:     f.admin,
			Token:            session.NewImpersonationToken("IMP1", f.admin.ID),
			SessionID:        "sid-1",
		}, nil
	}

	if err := f.store.LoginSuccess(f.admin, session.NewRegularToken("T0")); err != nil {
		t.Fatalf("seeding session: %v", err)
	}
	return f
}

func TestController_impersonate(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Impersonate(context.Background(), f.pupil.ID); err != nil {
		t.Fatalf("Impersonate(): %v", err)
	}

	sess := f.store.Current()
	assert.True(t, sess.IsAuthenticated)
	assert.True(t, sess.Impersonating())
	assert.Equal(t, f.pupil.ID, sess.User.ID)
	assert.Equal(t, "IMP1", sess.Token.Value)

	// durable storage holds the privileged identity for the way back
	original, originalTok, err := consolesession.LoadOriginalUser(f.storage)
	if err != nil {
		t.Fatalf("LoadOriginalUser(): %v", err)
	}
	assert.Equal(t, f.admin, original)
	assert.Equal(t, "T0", originalTok.Value)

	// the dashboard re-resolves for the impersonated role
	assert.Equal(t, "/dashboard/student", f.nav.location)

	// the banner names both identities for the whole session
	banner := BannerFor(f.store.Impersonation())
	assert.True(t, banner.Visible)
	assert.Contains(t, banner.String(), "Yumi")
	assert.Contains(t, banner.String(), "Papa")
}

func TestController_forbiddenSurfaced(t *testing.T) {
	f := newFixture(t)
	f.backend.impersonate = nil // rejects with permission denied

	err := f.ctrl.Impersonate(context.Background(), f.pupil.ID)
	forbidden, ok := errors.Cause(err).(backend.ErrForbidden)
	if !ok {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	assert.Equal(t, "permission denied", forbidden.Reason)

	// session untouched
	sess := f.store.Current()
	assert.Equal(t, f.admin.ID, sess.User.ID)
	assert.Equal(t, "T0", sess.Token.Value)
}

// Round trip: impersonate then stop restores a session equal to the one that
// existed immediately before impersonation, and forces a full reload.
func TestController_roundTrip(t *testing.T) {
	f := newFixture(t)
	before := f.store.Current()

	if err := f.ctrl.Impersonate(context.Background(), f.pupil.ID); err != nil {
		t.Fatalf("Impersonate(): %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop(): %v", err)
	}

	after := f.store.Current()
	assert.Equal(t, before, after)
	assert.Nil(t, f.store.Impersonation())
	assert.Equal(t, 1, f.nav.reloads)

	// backend was told to invalidate the marked token
	assert.Equal(t, []string{"IMP1"}, f.backend.stops)

	// marker keys are gone
	if _, _, err := consolesession.LoadOriginalUser(f.storage); errors.Cause(err) != consolesession.ErrKeyNotFound {
		t.Errorf("expected marker keys cleared, got %v", err)
	}
}

// The store passes through a full logout between the two identities so no
// state derived from the impersonated identity can leak into the restored
// session.
func TestController_stopResetsThroughLogout(t *testing.T) {
	f := newFixture(t)

	var transitions []string
	f.store.Subscribe(func(sess session.Session) {
		switch {
		case !sess.IsAuthenticated:
			transitions = append(transitions, "out")
		case sess.Impersonating():
			transitions = append(transitions, "impersonating")
		default:
			transitions = append(transitions, "in")
		}
	})

	if err := f.ctrl.Impersonate(context.Background(), f.pupil.ID); err != nil {
		t.Fatalf("Impersonate(): %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop(): %v", err)
	}

	// initial fire, then the impersonation, then logout-reset, then restore
	want := "in,impersonating,out,in"
	if got := strings.Join(transitions, ","); got != want {
		t.Errorf("transitions = %s; want %s", got, want)
	}
}

// A crash between the marker-key writes can leave the original user
// recorded without its token. Stop must then end in a clean logout, never
// an authenticated session carrying an empty token.
func TestController_stopWithPartialRecordLogsOut(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Impersonate(context.Background(), f.pupil.ID); err != nil {
		t.Fatalf("Impersonate(): %v", err)
	}
	if err := f.storage.Delete(consolesession.KeyAccessToken); err != nil {
		t.Fatalf("Delete(): %v", err)
	}

	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop(): %v", err)
	}

	sess := f.store.Current()
	assert.False(t, sess.IsAuthenticated)
	assert.Nil(t, sess.User)
	assert.Nil(t, sess.Token)
	assert.Nil(t, f.store.Impersonation())
	assert.Equal(t, 1, f.nav.reloads)

	// the backend was still told to invalidate, and the rest of the
	// record is gone
	assert.Equal(t, []string{"IMP1"}, f.backend.stops)
	if _, err := f.storage.Get(consolesession.KeyOriginalUser); errors.Cause(err) != consolesession.ErrKeyNotFound {
		t.Errorf("expected marker keys cleared, got %v", err)
	}
}

// A failing backend stop must not strand the impersonation locally.
func TestController_stopProceedsOnBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.stopErr = backend.ErrServer{StatusCode: 500}

	if err := f.ctrl.Impersonate(context.Background(), f.pupil.ID); err != nil {
		t.Fatalf("Impersonate(): %v", err)
	}
	if err := f.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop(): %v", err)
	}

	after := f.store.Current()
	assert.True(t, after.IsAuthenticated)
	assert.Equal(t, f.admin.ID, after.User.ID)
	assert.False(t, after.Impersonating())
}

func TestController_preconditions(t *testing.T) {
	f := newFixture(t)

	if err := f.ctrl.Stop(context.Background()); err == nil {
		t.Error("Stop() without impersonation should fail")
	}

	if err := f.store.Logout(); err != nil {
		t.Fatalf("Logout(): %v", err)
	}
	if err := f.ctrl.Impersonate(context.Background(), f.pupil.ID); err == nil {
		t.Error("Impersonate() while logged out should fail")
	}

	banner := BannerFor(nil)
	assert.False(t, banner.Visible)
	assert.Equal(t, "", banner.String())
}
