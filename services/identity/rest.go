package identitysvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	echoapi "github.com/shulehub/shule/apps/api/echo"
	"github.com/shulehub/shule/core"
)

// restVerifier validates identity-provider assertions server-side by asking
// the provider's lookup endpoint about the presented ID token. The backend
// never trusts a token on its face; only the provider can vouch for it.
type restVerifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ echoapi.AssertionVerifier = (*restVerifier)(nil)

func NewRESTVerifier(conf *core.Config) *restVerifier {
	return &restVerifier{
		baseURL: strings.TrimRight(conf.IdentityProvider.BaseURL, "/"),
		apiKey:  conf.IdentityProvider.APIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type (
	lookupRequest struct {
		IDToken string `json:"idToken"`
	}

	lookupResponse struct {
		Users []struct {
			LocalID       string `json:"localId"`
			Email         string `json:"email"`
			ValidSince    string `json:"validSince"` // unix seconds
			EmailVerified bool   `json:"emailVerified"`
		} `json:"users"`
	}
)

func (v *restVerifier) Verify(ctx context.Context, idToken string) (echoapi.Identity, error) {
	payload, err := json.Marshal(lookupRequest{IDToken: idToken})
	if err != nil {
		return echoapi.Identity{}, errors.Wrap(err, "marshaling lookup request")
	}

	url := v.baseURL + "/v1/accounts:lookup?key=" + v.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return echoapi.Identity{}, errors.Wrap(err, "building lookup request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return echoapi.Identity{}, errors.Wrap(err, "calling identity provider")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// the provider rejects forged, malformed and expired tokens alike
		return echoapi.Identity{}, errors.Wrapf(echoapi.ErrAssertionInvalid, "provider returned %d", resp.StatusCode)
	}

	var data lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return echoapi.Identity{}, errors.Wrap(err, "decoding lookup response")
	}
	if len(data.Users) == 0 || data.Users[0].Email == "" {
		return echoapi.Identity{}, errors.Wrap(echoapi.ErrAssertionInvalid, "no account for token")
	}

	account := data.Users[0]
	return echoapi.Identity{
		Email:  account.Email,
		UID:    account.LocalID,
		Expiry: assertionExpiry(account.ValidSince),
	}, nil
}

// assertionExpiry approximates the assertion's remaining lifetime; provider
// ID tokens live an hour from issuance.
func assertionExpiry(validSince string) time.Time {
	issued, err := strconv.ParseInt(validSince, 10, 64)
	if err != nil || issued <= 0 {
		return time.Now().Add(time.Hour)
	}
	expiry := time.Unix(issued, 0).Add(time.Hour)
	if now := time.Now(); expiry.Before(now) {
		return now.Add(time.Hour)
	}
	return expiry
}
