package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/user"
)

// authApi serves password login, logout and token refresh.
type authApi struct {
	deps ServerDeps
}

func registerAuthAPI(g *echo.Group, jwt echo.MiddlewareFunc, deps ServerDeps) {
	api := authApi{deps: deps}

	ag := g.Group("/auth")

	// un-authed endpoints
	ag.POST("/login", api.login)
	ag.POST("/token-refresh", api.refreshToken)

	// authed endpoints
	ag.POST("/logout", api.logout, jwt)
}

type (
	// LoginRequest binds both JSON and form-encoded bodies.
	LoginRequest struct {
		Username string `json:"username" form:"username" validate:"required"`
		Password string `json:"password" form:"password" validate:"required"`
	}

	LoginResponse struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		User         user.User `json:"user"`
	}

	RefreshRequest struct {
		RefreshToken string `json:"refresh_token" form:"refresh_token" validate:"required"`
	}

	SuccessResponse struct {
		Success string `json:"success"`
	}
)

func (lr *LoginRequest) Validate(api authApi) error {
	lr.Username = core.CleanString(lr.Username, true /* lower */)
	return api.deps.Validate.Struct(lr)
}

func (api authApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api); err != nil {
		return err
	}

	usr, err := authenticate(ctx.Request().Context(), data.Username, data.Password, api.deps.UserSvc)
	if err != nil {
		return errors.Wrap(err, "authenticating")
	}

	access, err := GenerateToken(api.deps.Conf, getUserClaims(api.deps.Conf, usr))
	if err != nil {
		return errors.Wrap(err, "generating access token")
	}
	refresh, err := GenerateToken(api.deps.Conf, getRefreshClaims(api.deps.Conf, usr))
	if err != nil {
		return errors.Wrap(err, "generating refresh token")
	}

	return ctx.JSON(http.StatusOK, LoginResponse{AccessToken: access, RefreshToken: refresh, User: usr})
}

func (api authApi) refreshToken(ctx echo.Context) error {
	var data RefreshRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to RefreshRequest")
	}
	if err := api.deps.Validate.Struct(&data); err != nil {
		return err
	}

	claims, err := parseToken(api.deps.Conf, data.RefreshToken)
	if err != nil {
		return err
	}
	if !claims.Refresh {
		return errRefreshExpired
	}

	usr, err := api.deps.UserSvc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "finding user by ID")
	}
	if !usr.IsActive {
		return errAccountDeactivated
	}

	access, err := GenerateToken(api.deps.Conf, getUserClaims(api.deps.Conf, usr, claims.OrigIssuedAt))
	if err != nil {
		return errors.Wrap(err, "generating access token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{AccessToken: access, User: usr})
}

// logout acknowledges the client-side logout. Access tokens are stateless;
// only impersonation sessions carry server-side state, handled by
// the /impersonate/stop endpoint.
func (api authApi) logout(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "logged out"})
}
