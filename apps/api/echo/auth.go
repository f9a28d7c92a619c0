package echoapi

import (
	"context"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/user"
)

const (
	jwtContextKey  = "userToken"
	contextUserKey = "user"
)

// Claims represents the authorization claims transmitted via a JWT.
// Impersonation is decided at issuance: an impersonation token carries the
// impersonated user as Subject and the privileged user as OriginalSubject.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt    int64  `json:"oriat,omitempty"`
	Email           string `json:"email,omitempty"`
	Role            string `json:"role,omitempty"`
	Refresh         bool   `json:"refresh,omitempty"`
	Impersonation   bool   `json:"imp,omitempty"`
	OriginalSubject string `json:"orig_sub,omitempty"`
	SessionID       string `json:"sid,omitempty"`
}

// Identity is a verified identity-provider assertion.
type Identity struct {
	Email  string
	UID    string
	Expiry time.Time
}

// AssertionVerifier verifies identity-provider assertions (ID tokens).
// The provider itself is an external collaborator.
type AssertionVerifier interface {
	Verify(ctx context.Context, idToken string) (Identity, error)
}

var ErrAssertionInvalid = errors.New("invalid identity assertion")

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    jwtContextKey,
		Claims:        new(Claims),
	}
}

func getUserClaims(conf *core.Config, usr user.User, origIat ...int64) *Claims {
	now := time.Now()
	nownix := now.Unix()

	var oriat int64
	if len(origIat) > 0 {
		oriat = origIat[0]
	} else {
		oriat = nownix
	}

	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   usr.ID,
			Audience:  "Shule",
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: oriat,
		Email:        usr.Email,
		Role:         usr.Role,
	}
}

func getRefreshClaims(conf *core.Config, usr user.User) *Claims {
	claims := getUserClaims(conf, usr)
	claims.Refresh = true
	claims.ExpiresAt = time.Now().Add(conf.Server.JWTExpirationDelta + conf.Server.JWTRefreshExpirationDelta).Unix()
	return claims
}

// getImpersonationClaims issues a marked token: the impersonated user becomes
// the Subject, the privileged caller is preserved as OriginalSubject.
func getImpersonationClaims(conf *core.Config, impersonated, original user.User, sessionID string) *Claims {
	claims := getUserClaims(conf, impersonated)
	claims.Impersonation = true
	claims.OriginalSubject = original.ID
	claims.SessionID = sessionID
	return claims
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	method := jwt.GetSigningMethod(middleware.AlgorithmHS256)
	token := jwt.NewWithClaims(method, claims)

	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.New("signing token")
	}
	return ss, nil
}

// parseToken parses and verifies an app JWT issued by GenerateToken.
func parseToken(conf *core.Config, token string) (*Claims, error) {
	claims := new(Claims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(conf.SecretKey), nil
	})
	if err != nil || !parsed.Valid {
		return nil, errUnauthorized
	}
	return claims, nil
}

func authenticate(ctx context.Context, uname, pwd string, svc user.ServiceInterface) (user.User, error) {
	usr, err := svc.GetByEmail(ctx, uname)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return user.User{}, errAuthenticationFailed
		}
		return user.User{}, errors.Wrap(err, "finding user by email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return user.User{}, errAuthenticationFailed
	}
	if !usr.IsActive {
		return user.User{}, errAccountDeactivated
	}
	usr, err = svc.SetLastLogin(ctx, usr)
	if err != nil {
		return user.User{}, errors.Wrap(err, "setting lastLogin")
	}
	return usr, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(jwtContextKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

func getContextUser(ctx echo.Context, svc user.ServiceInterface, clms ...Claims) (user.User, error) {
	if usr, ok := ctx.Get(contextUserKey).(user.User); ok {
		return usr, nil
	}

	var claims Claims
	var err error
	if len(clms) > 0 {
		claims = clms[0]
	} else {
		claims, err = getContextClaims(ctx)
		if err != nil {
			return user.User{}, errors.Wrap(err, "getting context claims")
		}
	}

	usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return user.User{}, errors.Wrap(err, "finding user by ID")
	}
	ctx.Set(contextUserKey, usr)
	return usr, nil
}

// impersonationRegistry tracks live impersonation sessions by session ID.
// An impersonation token is only honored while its session is registered,
// so stopping impersonation invalidates the token server-side.
type impersonationRegistry struct {
	mutex    sync.RWMutex
	sessions map[string]string // sessionID -> original user ID
}

func newImpersonationRegistry() *impersonationRegistry {
	return &impersonationRegistry{sessions: make(map[string]string)}
}

func (reg *impersonationRegistry) register(originalUserID string) string {
	sid := uuid.New().String()
	reg.mutex.Lock()
	reg.sessions[sid] = originalUserID
	reg.mutex.Unlock()
	return sid
}

func (reg *impersonationRegistry) active(sid string) bool {
	reg.mutex.RLock()
	defer reg.mutex.RUnlock()
	_, ok := reg.sessions[sid]
	return ok
}

func (reg *impersonationRegistry) revoke(sid string) {
	reg.mutex.Lock()
	delete(reg.sessions, sid)
	reg.mutex.Unlock()
}
