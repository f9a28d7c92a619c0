package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/shulehub/shule/core"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, interactive InteractiveFunc) Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	conf := &core.Config{}
	conf.IdentityProvider.BaseURL = srv.URL
	conf.IdentityProvider.APIKey = "test-key"
	return NewRESTProvider(conf, interactive)
}

func signInHandler(t *testing.T, status int, body interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/accounts:signInWithPassword", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		var req signInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		assert.True(t, req.ReturnSecureToken)

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func providerErr(message string) providerError {
	perr := providerError{}
	perr.Error.Message = message
	return perr
}

func Test_restProvider_signInWithPassword(t *testing.T) {
	provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{
		IDToken:   "FB1",
		Email:     "teacher@school.org",
		LocalID:   "uid-1",
		ExpiresIn: "3600",
	}), nil)

	var delivered []*Assertion
	unsubscribe := provider.Subscribe(func(a *Assertion) { delivered = append(delivered, a) })
	defer unsubscribe()

	// subscription fires once with the current (empty) state
	if assert.Len(t, delivered, 1) {
		assert.Nil(t, delivered[0])
	}

	assertion, err := provider.SignInWithPassword(context.Background(), "teacher@school.org", "pass")
	if err != nil {
		t.Fatalf("SignInWithPassword(): %v", err)
	}
	assert.Equal(t, "FB1", assertion.Token)
	assert.Equal(t, "uid-1", assertion.UserID)
	assert.Equal(t, "teacher@school.org", assertion.Email)
	assert.False(t, assertion.Expiry.IsZero())

	// subscribers saw the sign-in
	if assert.Len(t, delivered, 2) {
		assert.Equal(t, "FB1", delivered[1].Token)
	}
}

func Test_restProvider_errorMapping(t *testing.T) {
	tests := []struct {
		name    string
		message string
		err     error
	}{
		{"unknown user", "EMAIL_NOT_FOUND", ErrUserNotFound},
		{"wrong password", "INVALID_PASSWORD", ErrInvalidCredentials},
		{"wrong credentials", "INVALID_LOGIN_CREDENTIALS", ErrInvalidCredentials},
		{"malformed email", "INVALID_EMAIL", ErrInvalidEmail},
		{"missing email", "MISSING_EMAIL : Email is required", ErrInvalidEmail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestProvider(t, signInHandler(t, http.StatusBadRequest, providerErr(tt.message)), nil)

			var delivered []*Assertion
			defer provider.Subscribe(func(a *Assertion) { delivered = append(delivered, a) })()

			_, err := provider.SignInWithPassword(context.Background(), "x@y.z", "pass")
			assert.Equal(t, tt.err, errors.Cause(err))

			// failed sign-ins never reach subscribers
			assert.Len(t, delivered, 1)
		})
	}
}

func Test_restProvider_signOut(t *testing.T) {
	provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{
		IDToken: "FB1", Email: "t@s.org", LocalID: "uid-1", ExpiresIn: "3600",
	}), nil)

	var delivered []*Assertion
	defer provider.Subscribe(func(a *Assertion) { delivered = append(delivered, a) })()

	if _, err := provider.SignInWithPassword(context.Background(), "t@s.org", "pass"); err != nil {
		t.Fatalf("SignInWithPassword(): %v", err)
	}

	provider.SignOut()
	provider.SignOut() // idempotent: second call publishes nothing

	// initial nil, sign-in, one sign-out
	if assert.Len(t, delivered, 3) {
		assert.Nil(t, delivered[2])
	}

	// a late subscriber sees the signed-out state
	var late []*Assertion
	defer provider.Subscribe(func(a *Assertion) { late = append(late, a) })()
	if assert.Len(t, late, 1) {
		assert.Nil(t, late[0])
	}
}

// A subscriber may call back into the provider from inside its callback:
// the auth layer signs out when a sign-in fails backend verification.
func Test_restProvider_signOutFromSubscriber(t *testing.T) {
	provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{
		IDToken: "FB1", Email: "t@s.org", LocalID: "uid-1", ExpiresIn: "3600",
	}), nil)

	var delivered []*Assertion
	defer provider.Subscribe(func(a *Assertion) {
		delivered = append(delivered, a)
		if a != nil {
			provider.SignOut()
		}
	})()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := provider.SignInWithPassword(context.Background(), "t@s.org", "pass"); err != nil {
			t.Errorf("SignInWithPassword(): %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("SignInWithPassword() did not return")
	}

	// initial nil, the sign-in, then the nested sign-out
	if assert.Len(t, delivered, 3) {
		assert.Equal(t, "FB1", delivered[1].Token)
		assert.Nil(t, delivered[2])
	}
}

func Test_restProvider_signOutBeforeSignIn(t *testing.T) {
	provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{}), nil)

	var delivered []*Assertion
	defer provider.Subscribe(func(a *Assertion) { delivered = append(delivered, a) })()

	provider.SignOut()
	assert.Len(t, delivered, 1) // only the initial fire
}

func Test_restProvider_unsubscribe(t *testing.T) {
	provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{
		IDToken: "FB1", Email: "t@s.org", LocalID: "uid-1", ExpiresIn: "3600",
	}), nil)

	var delivered []*Assertion
	unsubscribe := provider.Subscribe(func(a *Assertion) { delivered = append(delivered, a) })
	unsubscribe()

	if _, err := provider.SignInWithPassword(context.Background(), "t@s.org", "pass"); err != nil {
		t.Fatalf("SignInWithPassword(): %v", err)
	}
	assert.Len(t, delivered, 1) // nothing after unsubscribe
}

func Test_restProvider_signInInteractive(t *testing.T) {
	t.Run("no interactive flow wired", func(t *testing.T) {
		provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{}), nil)
		_, err := provider.SignInInteractive(context.Background())
		assert.Equal(t, ErrPopupBlocked, errors.Cause(err))
	})

	t.Run("flow canceled", func(t *testing.T) {
		interactive := func(ctx context.Context) (string, error) { return "", ErrPopupClosed }
		provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{}), interactive)
		_, err := provider.SignInInteractive(context.Background())
		assert.Equal(t, ErrPopupClosed, errors.Cause(err))
	})

	t.Run("flow succeeds", func(t *testing.T) {
		interactive := func(ctx context.Context) (string, error) { return "FB-POPUP", nil }
		provider := newTestProvider(t, signInHandler(t, http.StatusOK, signInResponse{}), interactive)

		var delivered []*Assertion
		defer provider.Subscribe(func(a *Assertion) { delivered = append(delivered, a) })()

		assertion, err := provider.SignInInteractive(context.Background())
		if err != nil {
			t.Fatalf("SignInInteractive(): %v", err)
		}
		assert.Equal(t, "FB-POPUP", assertion.Token)
		if assert.Len(t, delivered, 2) {
			assert.Equal(t, "FB-POPUP", delivered[1].Token)
		}
	})
}
