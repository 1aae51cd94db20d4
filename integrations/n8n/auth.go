package n8n

import (
	"context"
	"fmt"
	"net/http"
)

// loginStrategy is one request-body shape accepted by some engine release.
// Strategies are tried in order; a shape rejection moves on to the next one.
type loginStrategy struct {
	name string
	body func(email, password string) map[string]any
}

var loginStrategies = []loginStrategy{
	{
		name: "emailOrLdapLoginId",
		body: func(email, password string) map[string]any {
			return map[string]any{"emailOrLdapLoginId": email, "password": password}
		},
	},
	{
		name: "email",
		body: func(email, password string) map[string]any {
			return map[string]any{"email": email, "password": password}
		},
	},
}

// Login returns the engine session cookie ("n8n-auth=...") for the given
// credentials. A 401/403 is definitive and returns ErrInvalidCredentials
// without trying further shapes.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var lastErr error
	for _, strategy := range loginStrategies {
		resp, body, err := c.Do(ctx, http.MethodPost, "/rest/login", strategy.body(email, password), "")
		if err != nil {
			return "", err
		}
		switch {
		case isOK(resp.StatusCode):
			cookie := CookieFromResponse(resp)
			if cookie == "" {
				return "", fmt.Errorf("n8n login (%s) returned no %s cookie", strategy.name, AuthCookieName)
			}
			return cookie, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return "", fmt.Errorf("n8n login (%s): %w", strategy.name, ErrInvalidCredentials)
		default:
			lastErr = &StatusError{Op: "login " + strategy.name, Status: resp.StatusCode, Body: string(body)}
		}
	}
	return "", lastErr
}

// Me is the "who am I" probe. Only a 2xx confirms the cookie.
func (c *Client) Me(ctx context.Context, cookie string) (*User, error) {
	resp, body, err := c.Do(ctx, http.MethodGet, "/rest/login", nil, cookie)
	if err != nil {
		return nil, err
	}
	if !isOK(resp.StatusCode) {
		return nil, &StatusError{Op: "whoami", Status: resp.StatusCode, Body: string(body)}
	}
	var user User
	if err := decodeData(body, &user); err != nil {
		return nil, fmt.Errorf("decode n8n whoami: %w", err)
	}
	if user.ID == "" {
		return nil, &StatusError{Op: "whoami", Status: resp.StatusCode, Body: "missing user id"}
	}
	return &user, nil
}

// SetupOwner runs the engine's one-time owner setup.
func (c *Client) SetupOwner(ctx context.Context, in OwnerSetup) error {
	resp, body, err := c.Do(ctx, http.MethodPost, "/rest/owner/setup", in, "")
	if err != nil {
		return err
	}
	if !isOK(resp.StatusCode) {
		return &StatusError{Op: "owner setup", Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// Logout ends an engine session. An already expired session is not an error.
func (c *Client) Logout(ctx context.Context, cookie string) error {
	resp, body, err := c.Do(ctx, http.MethodPost, "/rest/logout", nil, cookie)
	if err != nil {
		return err
	}
	if !isOK(resp.StatusCode) && resp.StatusCode != http.StatusUnauthorized {
		return &StatusError{Op: "logout", Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}
