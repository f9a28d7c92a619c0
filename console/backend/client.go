// Package backend is the console's typed client for the application REST API:
// token exchange, password login, logout and impersonation. Responses are
// decoded against a strict schema; anything missing a required field is a
// ParseError, never a zero-valued profile.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/session"
	"github.com/shulehub/shule/core/user"
)

type (
	// ExchangeResult is a verified application session. OriginalUser is set
	// iff the verified token was an impersonation token.
	ExchangeResult struct {
		User         user.User
		OriginalUser *user.User
		Token        session.Token
		AccessExpiry time.Time
	}

	LoginResult struct {
		User         user.User
		AccessToken  string
		RefreshToken string
	}

	ImpersonateResult struct {
		ImpersonatedUser user.User
		OriginalUser     user.User
		Token            session.Token
		SessionID        string
	}
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(conf *core.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(conf.Console.BackendBaseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// VerifyToken exchanges an identity assertion (or re-verifies an existing
// session token) for an application session. Idempotent; used both at
// interactive login and at passive rehydration.
func (c *Client) VerifyToken(ctx context.Context, idToken string) (ExchangeResult, error) {
	var raw struct {
		User         *userPayload `json:"user"`
		OriginalUser *userPayload `json:"original_user"`
		ExpiresAt    int64        `json:"expires_at"`
	}
	err := c.postJSON(ctx, "/v1/firebase-auth/verify-token", map[string]string{"id_token": idToken}, &raw)
	if err != nil {
		return ExchangeResult{}, err
	}

	usr, err := raw.User.validate("user")
	if err != nil {
		return ExchangeResult{}, err
	}

	res := ExchangeResult{
		User:  usr,
		Token: session.NewRegularToken(idToken),
	}
	if raw.ExpiresAt > 0 {
		res.AccessExpiry = time.Unix(raw.ExpiresAt, 0)
	}
	if raw.OriginalUser != nil {
		orig, err := raw.OriginalUser.validate("original_user")
		if err != nil {
			return ExchangeResult{}, err
		}
		res.OriginalUser = &orig
		res.Token = session.NewImpersonationToken(idToken, orig.ID)
	}
	return res, nil
}

// Login performs a form-encoded password login.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var raw struct {
		AccessToken  string       `json:"access_token"`
		RefreshToken string       `json:"refresh_token"`
		User         *userPayload `json:"user"`
	}
	if err := c.postForm(ctx, "/v1/auth/login", form, &raw); err != nil {
		return LoginResult{}, err
	}

	if raw.AccessToken == "" {
		return LoginResult{}, ParseError{Field: "access_token"}
	}
	usr, err := raw.User.validate("user")
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: usr, AccessToken: raw.AccessToken, RefreshToken: raw.RefreshToken}, nil
}

// Logout notifies the backend of an explicit logout. Best-effort: the caller
// logs failures and proceeds with the client-side logout regardless.
func (c *Client) Logout(ctx context.Context, tok session.Token) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", tok.Value, "", nil, nil)
}

// Impersonate asks the backend to issue a marked token for the target user.
// Privilege is enforced server-side; a rejection surfaces as ErrForbidden.
func (c *Client) Impersonate(ctx context.Context, tok session.Token, targetID string) (ImpersonateResult, error) {
	var raw struct {
		AccessToken      string       `json:"access_token"`
		ImpersonatedUser *userPayload `json:"impersonated_user"`
		OriginalUser     *userPayload `json:"original_user"`
		SessionID        string       `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/impersonate/"+url.PathEscape(targetID), tok.Value, "", nil, &raw)
	if err != nil {
		return ImpersonateResult{}, err
	}

	if raw.AccessToken == "" {
		return ImpersonateResult{}, ParseError{Field: "access_token"}
	}
	impersonated, err := raw.ImpersonatedUser.validate("impersonated_user")
	if err != nil {
		return ImpersonateResult{}, err
	}
	original, err := raw.OriginalUser.validate("original_user")
	if err != nil {
		return ImpersonateResult{}, err
	}
	return ImpersonateResult{
		ImpersonatedUser: impersonated,
		OriginalUser:     original,
		Token:            session.NewImpersonationToken(raw.AccessToken, original.ID),
		SessionID:        raw.SessionID,
	}, nil
}

// StopImpersonation invalidates a marked token server-side.
func (c *Client) StopImpersonation(ctx context.Context, tok session.Token) error {
	return c.do(ctx, http.MethodPost, "/v1/impersonate/stop", tok.Value, "", nil, nil)
}

// userPayload is the wire shape of a user profile. validate promotes it to a
// domain user, failing loudly when a required field is absent.
type userPayload struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	IsActive  *bool  `json:"is_active"`
	Locale    string `json:"locale"`
	Timezone  string `json:"timezone"`
}

func (p *userPayload) validate(field string) (user.User, error) {
	switch {
	case p == nil:
		return user.User{}, ParseError{Field: field}
	case p.ID == "":
		return user.User{}, ParseError{Field: field + ".id"}
	case p.Email == "":
		return user.User{}, ParseError{Field: field + ".email"}
	case p.Role == "":
		return user.User{}, ParseError{Field: field + ".role"}
	}
	usr := user.User{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		Role:      p.Role,
		Locale:    p.Locale,
		Timezone:  p.Timezone,
	}
	if p.IsActive != nil {
		usr.IsActive = *p.IsActive
	}
	return usr, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshaling request")
	}
	return c.do(ctx, http.MethodPost, path, "", "application/json", strings.NewReader(string(body)), out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, "", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out)
}

func (c *Client) do(ctx context.Context, method, path, token, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling backend")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ErrServer{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusForbidden {
		var raw struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&raw)
		if raw.Detail == "" {
			raw.Detail = http.StatusText(http.StatusForbidden)
		}
		return ErrForbidden{Reason: raw.Detail}
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("backend returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "decoding response")
		}
	}
	return nil
}
