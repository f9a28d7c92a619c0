// Package impersonation lets a privileged user temporarily operate as
// another user without re-authenticating, and revert to their own session.
package impersonation

import (
	"context"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/console/backend"
	"github.com/shulehub/shule/console/route"
	consolesession "github.com/shulehub/shule/console/session"
	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/session"
)

// Backend is the slice of the backend client the controller needs.
type Backend interface {
	Impersonate(ctx context.Context, tok session.Token, targetID string) (backend.ImpersonateResult, error)
	StopImpersonation(ctx context.Context, tok session.Token) error
}

var _ Backend = (*backend.Client)(nil)

type Controller struct {
	backend Backend
	store   *consolesession.Store
	storage consolesession.Storage
	nav     route.Navigator
	logger  core.Logger
}

func NewController(
	b Backend,
	store *consolesession.Store,
	storage consolesession.Storage,
	nav route.Navigator,
	logger core.Logger,
) *Controller {
	return &Controller{backend: b, store: store, storage: storage, nav: nav, logger: logger}
}

// Impersonate asks the backend for a marked token for target and installs it
// as the active session. Privilege is enforced server-side; an ErrForbidden
// is returned for the caller to surface. The privileged identity and its
// token are persisted durably first, so neither a crash nor a reload can
// strand the impersonation without a way back.
func (c *Controller) Impersonate(ctx context.Context, targetID string) error {
	cur := c.store.Current()
	if !cur.IsAuthenticated {
		return errors.New("not logged in")
	}
	if cur.Token.IsImpersonation() {
		return errors.New("already impersonating")
	}

	res, err := c.backend.Impersonate(ctx, *cur.Token, targetID)
	if err != nil {
		return err
	}

	if err := consolesession.SaveOriginalUser(c.storage, res.OriginalUser, *cur.Token); err != nil {
		return errors.Wrap(err, "persisting original user")
	}
	if err := c.store.StartImpersonation(res.ImpersonatedUser, res.OriginalUser, res.Token); err != nil {
		return errors.Wrap(err, "installing impersonation session")
	}

	// the dashboard re-resolves for the impersonated role
	c.nav.To(route.DashboardFor(res.ImpersonatedUser.Role))
	return nil
}

// Stop ends the impersonation: the backend invalidates the marked token, the
// marker keys are cleared, the session is reset, the original session is
// restored, and the console reloads. The reload is a deliberate
// heavy-handed reset: nothing derived from the impersonated identity may
// survive it.
func (c *Controller) Stop(ctx context.Context) error {
	cur := c.store.Current()
	if !cur.Impersonating() {
		return errors.New("not impersonating")
	}

	if err := c.backend.StopImpersonation(ctx, *cur.Token); err != nil {
		// the marked token may already be invalid server-side; local
		// cleanup must happen regardless
		c.logger.Warn("backend stop-impersonation failed", err)
	}

	original, originalTok, err := consolesession.LoadOriginalUser(c.storage)
	restorable := err == nil
	if !restorable {
		// a partial or missing record (crash between the marker writes)
		// cannot rebuild the original session; a clean logout is the
		// only safe exit
		c.logger.Error("restoring original user", err)
	}

	if err := consolesession.ClearOriginalUser(c.storage); err != nil {
		return errors.Wrap(err, "clearing impersonation keys")
	}
	if err := c.store.Logout(); err != nil {
		return errors.Wrap(err, "resetting session")
	}
	if restorable {
		if err := c.store.Rehydrate(original, originalTok); err != nil {
			return errors.Wrap(err, "restoring original session")
		}
	}

	c.nav.Reload()
	return nil
}
