package credstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/inboxkit/syncd/internal/account"
)

// refreshTimeout bounds one round trip to the token endpoint.
const refreshTimeout = 15 * time.Second

// OAuthRefresher refreshes access tokens against an OAuth 2.0 token
// endpoint using the refresh_token grant.
type OAuthRefresher struct {
	httpClient   *http.Client
	endpoint     string
	clientID     string
	clientSecret string
}

// NewOAuthRefresher creates an OAuthRefresher for the given token endpoint.
func NewOAuthRefresher(endpoint, clientID, clientSecret string) *OAuthRefresher {
	return &OAuthRefresher{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   refreshTimeout,
		},
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// tokenResponse is the OAuth token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// errorResponse is the OAuth token endpoint error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh exchanges the refresh token for a new credential. A 4xx from the
// endpoint means the grant is dead and yields ErrNotAuthorized; transport
// failures and 5xx responses yield ErrUnavailable.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (account.Credential, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.clientID},
	}
	if r.clientSecret != "" {
		form.Set("client_secret", r.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return account.Credential{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return account.Credential{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return account.Credential{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var oauthErr errorResponse
		_ = json.Unmarshal(body, &oauthErr)
		if oauthErr.Error != "" {
			return account.Credential{}, fmt.Errorf("%w: %s: %s", ErrNotAuthorized, oauthErr.Error, oauthErr.ErrorDescription)
		}
		return account.Credential{}, fmt.Errorf("%w: token endpoint returned %d", ErrNotAuthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return account.Credential{}, fmt.Errorf("%w: token endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return account.Credential{}, fmt.Errorf("%w: parse response: %v", ErrUnavailable, err)
	}
	if tok.AccessToken == "" {
		return account.Credential{}, fmt.Errorf("%w: token endpoint returned no access token", ErrUnavailable)
	}

	cred := account.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	return cred, nil
}
