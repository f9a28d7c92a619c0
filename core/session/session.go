package session

import (
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/shulehub/shule/core/user"
)

// TokenKind tags a session token at issuance time. A token is either a
// regular session token or an impersonation token carrying the privileged
// user it was issued to. The kind is decided by the issuer and persisted
// alongside the token value, never re-derived by inspecting the string.
type TokenKind string

const (
	KindRegular       TokenKind = "regular"
	KindImpersonation TokenKind = "impersonation"
)

// Token is the application session token.
type Token struct {
	Value          string    `json:"value"`
	Kind           TokenKind `json:"kind"`
	OriginalUserID string    `json:"original_user_id,omitempty"` // set iff Kind == KindImpersonation
}

func NewRegularToken(value string) Token {
	return Token{Value: value, Kind: KindRegular}
}

func NewImpersonationToken(value, originalUserID string) Token {
	return Token{Value: value, Kind: KindImpersonation, OriginalUserID: originalUserID}
}

func (t Token) IsZero() bool { return t.Value == "" }

func (t Token) IsImpersonation() bool { return t.Kind == KindImpersonation }

// Expired reports whether the token's JWT expiry claim has passed.
// Tokens whose expiry cannot be determined are treated as expired.
func (t Token) Expired(now time.Time) bool {
	if t.Value == "" {
		return true
	}
	claims := jwt.StandardClaims{}
	if _, _, err := (&jwt.Parser{}).ParseUnverified(t.Value, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == 0 {
		return true
	}
	return now.After(time.Unix(claims.ExpiresAt, 0))
}

// Session is the application's own record of who is logged in,
// independent of the identity provider's token.
// Invariant: IsAuthenticated == true iff both User and Token are set.
type Session struct {
	IsAuthenticated bool       `json:"is_authenticated"`
	User            *user.User `json:"user"`
	Token           *Token     `json:"token"`
}

func LoggedOut() Session {
	return Session{}
}

func LoggedIn(usr user.User, tok Token) Session {
	return Session{IsAuthenticated: true, User: &usr, Token: &tok}
}

// Valid reports whether the session satisfies its structural invariant.
func (s Session) Valid() bool {
	if s.IsAuthenticated {
		return s.User != nil && s.Token != nil && !s.Token.IsZero()
	}
	return s.User == nil && s.Token == nil
}

func (s Session) Impersonating() bool {
	return s.IsAuthenticated && s.Token != nil && s.Token.IsImpersonation()
}

// ImpersonationContext exists only while an impersonation token is the
// active session token. Original must survive a process restart so the
// privileged identity is not lost mid-impersonation.
type ImpersonationContext struct {
	Impersonated user.User `json:"impersonated_user"`
	Original     user.User `json:"original_user"`
	Token        Token     `json:"token"`
}

// State is the auth state machine's current position.
type State int

const (
	StateUnknown State = iota
	StateLoggedOut
	StateVerifying // transient: a backend token exchange is in flight
	StateLoggedIn
	StateImpersonating
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateVerifying:
		return "verifying"
	case StateLoggedIn:
		return "logged_in"
	case StateImpersonating:
		return "impersonating"
	}
	return "unknown"
}
