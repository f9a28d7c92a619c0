package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/user"
)

// impersonationApi lets admins temporarily operate as another user without
// re-authenticating. Issued tokens are marked at issuance and revocable.
type impersonationApi struct {
	deps   ServerDeps
	impReg *impersonationRegistry
}

func registerImpersonationAPI(g *echo.Group, jwt echo.MiddlewareFunc, impReg *impersonationRegistry, deps ServerDeps) {
	api := impersonationApi{deps: deps, impReg: impReg}

	ig := g.Group("/impersonate", jwt)
	ig.POST("/stop", api.stop)
	ig.POST("/:id", api.impersonate, adminMiddleware())
}

type ImpersonateResponse struct {
	AccessToken      string    `json:"access_token"`
	ImpersonatedUser user.User `json:"impersonated_user"`
	OriginalUser     user.User `json:"original_user"`
	SessionID        string    `json:"session_id"`
}

func (api impersonationApi) impersonate(ctx echo.Context) error {
	caller, err := getContextUser(ctx, api.deps.UserSvc)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	// no nested impersonation
	if claims.Impersonation {
		return errHttpForbidden
	}

	target, err := api.deps.UserSvc.GetByID(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return errHttpNotFound
		}
		return errors.Wrap(err, "finding user by ID")
	}
	if target.ID == caller.ID {
		return errHttpForbidden
	}
	// cannot assume an identity more privileged than one's own
	if user.RolePriority(target.Role) > user.RolePriority(caller.Role) {
		return errHttpForbidden
	}

	sid := api.impReg.register(caller.ID)
	token, err := GenerateToken(api.deps.Conf, getImpersonationClaims(api.deps.Conf, target, caller, sid))
	if err != nil {
		api.impReg.revoke(sid)
		return errors.Wrap(err, "generating impersonation token")
	}

	return ctx.JSON(http.StatusOK, ImpersonateResponse{
		AccessToken:      token,
		ImpersonatedUser: target,
		OriginalUser:     caller,
		SessionID:        sid,
	})
}

func (api impersonationApi) stop(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	if !claims.Impersonation {
		return errHttpForbidden
	}

	api.impReg.revoke(claims.SessionID)
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "impersonation stopped"})
}
