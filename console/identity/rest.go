package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
)

// InteractiveFunc runs the provider's interactive (OAuth popup style) flow
// and returns the resulting ID token. Terminal builds plug in a flow that
// opens a browser and waits for the redirect; builds without one leave it
// nil, in which case interactive sign-in fails with ErrPopupBlocked.
type InteractiveFunc func(ctx context.Context) (idToken string, err error)

type restProvider struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	interactive InteractiveFunc

	mu      sync.Mutex
	current *Assertion
	subs    map[int]func(*Assertion)
	nextSub int
}

var _ Provider = (*restProvider)(nil)

// NewRESTProvider returns a Provider backed by the identity service's REST
// token endpoints.
func NewRESTProvider(conf *core.Config, interactive InteractiveFunc) Provider {
	return &restProvider{
		baseURL:     strings.TrimRight(conf.IdentityProvider.BaseURL, "/"),
		apiKey:      conf.IdentityProvider.APIKey,
		client:      &http.Client{Timeout: 30 * time.Second},
		interactive: interactive,
		subs:        make(map[int]func(*Assertion)),
	}
}

type (
	signInRequest struct {
		Email             string `json:"email"`
		Password          string `json:"password"`
		ReturnSecureToken bool   `json:"returnSecureToken"`
	}

	signInResponse struct {
		IDToken   string `json:"idToken"`
		Email     string `json:"email"`
		LocalID   string `json:"localId"`
		ExpiresIn string `json:"expiresIn"` // seconds
	}

	providerError struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
)

func (p *restProvider) SignInWithPassword(ctx context.Context, email, password string) (Assertion, error) {
	payload, err := json.Marshal(signInRequest{Email: email, Password: password, ReturnSecureToken: true})
	if err != nil {
		return Assertion{}, errors.Wrap(err, "marshaling sign-in request")
	}

	url := p.baseURL + "/v1/accounts:signInWithPassword?key=" + p.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Assertion{}, errors.Wrap(err, "building sign-in request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Assertion{}, errors.Wrap(err, "calling identity provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var perr providerError
		_ = json.NewDecoder(resp.Body).Decode(&perr)
		return Assertion{}, mapProviderError(perr.Error.Message)
	}

	var data signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Assertion{}, errors.Wrap(err, "decoding sign-in response")
	}

	assertion := newAssertion(data)
	p.publish(&assertion)
	return assertion, nil
}

func (p *restProvider) SignInInteractive(ctx context.Context) (Assertion, error) {
	if p.interactive == nil {
		return Assertion{}, ErrPopupBlocked
	}
	idToken, err := p.interactive(ctx)
	if err != nil {
		return Assertion{}, err
	}

	assertion := Assertion{Token: idToken, Expiry: time.Now().Add(time.Hour)}
	p.publish(&assertion)
	return assertion, nil
}

func (p *restProvider) Subscribe(fn func(*Assertion)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	current := p.current
	p.mu.Unlock()

	// fire once with the current state
	fn(current)

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *restProvider) SignOut() {
	p.mu.Lock()
	alreadyOut := p.current == nil
	p.mu.Unlock()
	if alreadyOut {
		return
	}
	p.publish(nil)
}

// publish replaces the current assertion and notifies subscribers in
// subscription order. Subscribers are snapshotted under the lock and
// delivery runs outside it: a subscriber may call back into the provider
// (SignOut, Subscribe) from within its callback.
func (p *restProvider) publish(assertion *Assertion) {
	p.mu.Lock()
	p.current = assertion
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(*Assertion), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, p.subs[id])
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(assertion)
	}
}

func newAssertion(data signInResponse) Assertion {
	expiresIn, err := strconv.Atoi(data.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}
	return Assertion{
		Token:  data.IDToken,
		UserID: data.LocalID,
		Email:  data.Email,
		Expiry: time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
}

func mapProviderError(code string) error {
	switch {
	case strings.HasPrefix(code, "EMAIL_NOT_FOUND"):
		return ErrUserNotFound
	case strings.HasPrefix(code, "INVALID_PASSWORD"), strings.HasPrefix(code, "INVALID_LOGIN_CREDENTIALS"):
		return ErrInvalidCredentials
	case strings.HasPrefix(code, "INVALID_EMAIL"), strings.HasPrefix(code, "MISSING_EMAIL"):
		return ErrInvalidEmail
	default:
		return errors.Errorf("identity provider rejected sign-in: %s", code)
	}
}
