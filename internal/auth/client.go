// Package auth is the REST client for the backend's register and login
// endpoints. Credential failures come back as *Error carrying the backend's
// inline message; everything else is a transport failure.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"chatline/internal/types"
)

// Error is an authentication failure with a user-visible message. It is the
// only error class surfaced to the user as text; callers must not retry it.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) Register(ctx context.Context, username, password string) (types.Session, error) {
	return c.post(ctx, "/api/register", types.RegisterRequest{Username: username, Password: password}, "registration failed")
}

func (c *Client) Login(ctx context.Context, username, password string) (types.Session, error) {
	return c.post(ctx, "/api/login", types.LoginRequest{Username: username, Password: password}, "login failed")
}

func (c *Client) post(ctx context.Context, path string, payload any, fallback string) (types.Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.Session{}, fmt.Errorf("encode auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return types.Session{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Session{}, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			errResp.Error = fallback
		}
		log.Warn().Msgf("[auth] %s rejected: %s", path, errResp.Error)
		return types.Session{}, &Error{Message: errResp.Error}
	}

	var authResp types.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return types.Session{}, fmt.Errorf("decode auth response: %w", err)
	}

	log.Info().Msgf("[auth] authenticated as %s", authResp.Username)
	return types.Session{
		Token:    authResp.Token,
		UserID:   authResp.UserID,
		Username: authResp.Username,
	}, nil
}

// TokenExpired reports whether a persisted JWT has already expired. The token
// stays opaque otherwise: a value that does not parse as a JWT, or carries no
// expiry claim, passes and is judged by the backend on first use.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return now.After(claims.ExpiresAt.Time)
}
