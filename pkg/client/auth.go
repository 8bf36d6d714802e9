package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned by TokenExpiry when no auth token is set.
var ErrNoToken = errors.New("no auth token set")

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// AuthToken returns the current bearer token.
func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// TokenExpiry reads the exp claim of the current token. The signature is not
// verified; the backend remains the authority. A zero time means the token
// carries no expiry.
func (c *Client) TokenExpiry() (time.Time, error) {
	token := c.AuthToken()
	if token == "" {
		return time.Time{}, ErrNoToken
	}
	return TokenExpiry(token)
}

// TokenExpiry reads the exp claim of a JWT without verifying it.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}

// TokenExpiresWithin reports whether the current token expires within d.
// Tokens that are not JWTs or carry no expiry never expire from the client's
// point of view.
func (c *Client) TokenExpiresWithin(d time.Duration) bool {
	exp, err := c.TokenExpiry()
	if err != nil || exp.IsZero() {
		return false
	}
	return time.Now().Add(d).After(exp)
}
