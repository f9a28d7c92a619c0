package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/user"
)

// verifyApi turns an identity assertion (or an app session token) into a
// verified user profile. Both interactive login and passive rehydration go
// through here; the endpoint is idempotent.
type verifyApi struct {
	deps   ServerDeps
	impReg *impersonationRegistry
}

func registerVerifyAPI(g *echo.Group, impReg *impersonationRegistry, deps ServerDeps) {
	api := verifyApi{deps: deps, impReg: impReg}
	g.POST("/firebase-auth/verify-token", api.verifyToken)
}

type (
	VerifyRequest struct {
		IDToken string `json:"id_token" form:"id_token" validate:"required"`
	}

	VerifyResponse struct {
		User         user.User  `json:"user"`
		OriginalUser *user.User `json:"original_user,omitempty"`
		ExpiresAt    int64      `json:"expires_at,omitempty"`
	}
)

func (api verifyApi) verifyToken(ctx echo.Context) error {
	var data VerifyRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to VerifyRequest")
	}
	if err := api.deps.Validate.Struct(&data); err != nil {
		return err
	}

	// app session tokens (incl. impersonation tokens) verify locally
	if claims, err := parseToken(api.deps.Conf, data.IDToken); err == nil {
		return api.verifyAppToken(ctx, claims)
	}

	// anything else is treated as an identity-provider assertion
	identity, err := api.deps.AssertionVerifier.Verify(ctx.Request().Context(), data.IDToken)
	if err != nil {
		if errors.Cause(err) == ErrAssertionInvalid {
			return errUnauthorized
		}
		return errors.Wrap(err, "verifying assertion")
	}

	usr, err := api.deps.UserSvc.GetByEmail(ctx.Request().Context(), identity.Email)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			// valid identity, but the account is not provisioned here
			return errEmailNotProvisioned
		}
		return errors.Wrap(err, "finding user by email")
	}
	if !usr.IsActive {
		return errAccountDeactivated
	}

	return ctx.JSON(http.StatusOK, VerifyResponse{User: usr, ExpiresAt: identity.Expiry.Unix()})
}

func (api verifyApi) verifyAppToken(ctx echo.Context, claims *Claims) error {
	reqCtx := ctx.Request().Context()

	usr, err := api.deps.UserSvc.GetByID(reqCtx, claims.Subject)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errEmailNotProvisioned
		}
		return errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		return errAccountDeactivated
	}

	resp := VerifyResponse{User: usr, ExpiresAt: claims.ExpiresAt}

	if claims.Impersonation {
		// impersonation tokens are revocable: only honored while registered
		if !api.impReg.active(claims.SessionID) {
			return errUnauthorized
		}
		orig, err := api.deps.UserSvc.GetByID(reqCtx, claims.OriginalSubject)
		if err != nil {
			return errors.Wrap(err, "finding original user by ID")
		}
		resp.OriginalUser = &orig
	}

	return ctx.JSON(http.StatusOK, resp)
}
