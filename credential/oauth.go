package credential

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emberworks/cadent/errors"
	"github.com/emberworks/cadent/internal/httpclient"
)

// OAuthEndpoint describes one provider's standard OAuth2 token endpoint
// for the refresh_token grant.
type OAuthEndpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration // per-request; 0 = 30s
}

// tokenResponse is the wire shape of a token endpoint reply. Scope
// comes back space-delimited per RFC 6749.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// NewOAuthProvider builds a ProviderFunc speaking the standard OAuth2
// refresh_token grant against the given endpoint. Requests go through
// the SSRF-guarded HTTP client.
//
// Error mapping: an "invalid_grant" reply wraps errors.ErrInvalidGrant
// (terminal, credential revoked); other 4xx are also treated as grant
// rejections; 5xx, rate limits, and transport failures surface as plain
// errors and are retried by the caller's policy.
func NewOAuthProvider(endpoint OAuthEndpoint) ProviderFunc {
	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return newOAuthProvider(endpoint, httpclient.NewSaferClient(timeout))
}

func newOAuthProvider(endpoint OAuthEndpoint, client *httpclient.SaferClient) ProviderFunc {
	return func(ctx context.Context, refreshToken string) (*TokenGrant, error) {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", refreshToken)
		form.Set("client_id", endpoint.ClientID)
		if endpoint.ClientSecret != "" {
			form.Set("client_secret", endpoint.ClientSecret)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL,
			strings.NewReader(form.Encode()))
		if err != nil {
			return nil, errors.Wrap(err, "failed to build token request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, "token request failed")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read token response")
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, errors.Wrapf(err, "malformed token response (status %d)", resp.StatusCode)
		}

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, errors.Newf("token endpoint unavailable: status %d", resp.StatusCode)
		case tr.Error == "invalid_grant":
			return nil, errors.Wrapf(errors.ErrInvalidGrant, "provider rejected refresh token: %s", tr.ErrorDesc)
		case resp.StatusCode >= 400:
			return nil, errors.Wrapf(errors.ErrInvalidGrant, "token request rejected: status %d, error %q", resp.StatusCode, tr.Error)
		case tr.AccessToken == "":
			return nil, errors.New("token response missing access_token")
		}

		grant := &TokenGrant{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			ExpiresIn:    time.Duration(tr.ExpiresIn) * time.Second,
		}
		if tr.Scope != "" {
			grant.Scope = strings.Fields(tr.Scope)
		}
		return grant, nil
	}
}
