package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// refreshSkew renews a token this long before it expires.
	refreshSkew = time.Minute
)

// TokenProvider returns a bearer token for the mail API. How the token is
// obtained is opaque to the source.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// ClientCredentials performs the OAuth2 client-credentials grant against the
// identity authority and caches the token until shortly before expiry.
type ClientCredentials struct {
	authorityURL string
	tenantID     string
	clientID     string
	clientSecret string
	client       *retryablehttp.Client
	now          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewClientCredentials(authorityURL, tenantID, clientID, clientSecret string, client *retryablehttp.Client) *ClientCredentials {
	return &ClientCredentials{
		authorityURL: strings.TrimRight(authorityURL, "/"),
		tenantID:     tenantID,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(refreshSkew).Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {graphScope},
		"grant_type":    {"client_credentials"},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.authorityURL, url.PathEscape(c.tenantID))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: requesting token: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading token response: %w", ErrUnavailable, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: decoding token response (status %d): %w", ErrUnavailable, resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return "", fmt.Errorf("%w: authenticating with mail API: status=%d error=%s %s",
			ErrUnavailable, resp.StatusCode, tr.Error, tr.Description)
	}

	c.token = tr.AccessToken
	c.expires = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}
