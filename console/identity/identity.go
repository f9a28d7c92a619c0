// Package identity wraps the external federated-identity provider the console
// authenticates against. The provider issues short-lived identity assertions
// (ID tokens) which the backend exchanges for an application session; nothing
// in this package talks to the application backend itself.
package identity

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Assertion is a short-lived proof of identity issued by the provider.
// It is consumed once by the backend token exchange and never persisted
// beyond that, except to request a fresh one on expiry.
type Assertion struct {
	Token  string
	UserID string
	Email  string
	Expiry time.Time
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrPopupClosed        = errors.New("sign-in window closed by user")
	ErrPopupBlocked       = errors.New("sign-in window could not be opened")
)

// Provider obtains identity assertions and publishes assertion changes.
//
// Subscribe is the sole notification point for the whole identity layer: the
// callback fires once with the current assertion (possibly nil) upon
// subscription, then on every change (sign-in, sign-out, silent refresh).
// Deliveries to a single subscriber are serialized. All downstream session
// logic is event-driven off this callback, never polled.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (Assertion, error)
	SignInInteractive(ctx context.Context) (Assertion, error)
	Subscribe(fn func(*Assertion)) (unsubscribe func())
	// SignOut clears the provider session. Idempotent.
	SignOut()
}
