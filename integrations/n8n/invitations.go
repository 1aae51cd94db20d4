package n8n

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const MemberRole = "global:member"

type inviteResult struct {
	User struct {
		ID    ID     `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
	Error string `json:"error"`
}

// inviteStrategy is one endpoint shape for creating an invitation. A 404 or
// 405 means the engine does not know the endpoint and the next one is tried.
type inviteStrategy struct {
	name string
	path string
}

var inviteStrategies = []inviteStrategy{
	{name: "invitations", path: "/rest/invitations"},
	{name: "users", path: "/rest/users"},
}

type acceptStrategy struct {
	name string
	path func(inviteeID string) string
}

var acceptStrategies = []acceptStrategy{
	{name: "invitations", path: func(id string) string { return "/rest/invitations/" + url.PathEscape(id) + "/accept" }},
	{name: "users", path: func(id string) string { return "/rest/users/" + url.PathEscape(id) }},
}

func endpointMissing(status int) bool {
	return status == http.StatusNotFound || status == http.StatusMethodNotAllowed
}

// Invite invites one email as a member and returns the invitee's user id.
func (c *Client) Invite(ctx context.Context, ownerCookie, email string) (string, error) {
	payload := []map[string]string{{"email": email, "role": MemberRole}}
	var lastErr error
	for _, strategy := range inviteStrategies {
		resp, body, err := c.Do(ctx, http.MethodPost, strategy.path, payload, ownerCookie)
		if err != nil {
			return "", err
		}
		if endpointMissing(resp.StatusCode) {
			lastErr = &StatusError{Op: "invite " + strategy.name, Status: resp.StatusCode, Body: string(body)}
			continue
		}
		if !isOK(resp.StatusCode) {
			return "", &StatusError{Op: "invite " + strategy.name, Status: resp.StatusCode, Body: string(body)}
		}
		var results []inviteResult
		if err := decodeData(body, &results); err != nil {
			return "", fmt.Errorf("decode n8n invite: %w", err)
		}
		for _, r := range results {
			if len(results) > 1 && !strings.EqualFold(strings.TrimSpace(r.User.Email), email) {
				continue
			}
			if strings.TrimSpace(r.Error) != "" {
				return "", fmt.Errorf("%w: %s", ErrInviteRejected, r.Error)
			}
			if r.User.ID != "" {
				return r.User.ID.String(), nil
			}
		}
		return "", fmt.Errorf("%w: no invitee id for %s", ErrInviteRejected, email)
	}
	return "", lastErr
}

// AcceptInvitation accepts on the invitee's behalf and returns the session
// cookie issued by the accept response (may be "" on releases that do not
// log the invitee in).
func (c *Client) AcceptInvitation(ctx context.Context, inviteeID string, in AcceptInvitation) (string, error) {
	var lastErr error
	for _, strategy := range acceptStrategies {
		resp, body, err := c.Do(ctx, http.MethodPost, strategy.path(inviteeID), in, "")
		if err != nil {
			return "", err
		}
		if endpointMissing(resp.StatusCode) {
			lastErr = &StatusError{Op: "accept " + strategy.name, Status: resp.StatusCode, Body: string(body)}
			continue
		}
		if !isOK(resp.StatusCode) {
			return "", &StatusError{Op: "accept " + strategy.name, Status: resp.StatusCode, Body: string(body)}
		}
		return CookieFromResponse(resp), nil
	}
	return "", lastErr
}
