package nextcloud

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
)

const (
	passwordLength = 32
	passwordChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ" +
		"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~" +
		"0123456789"
)

// CreateUser creates a backend account. Login happens through the
// platform's OAuth provider, so the password is random and never shown.
func (c *Client) CreateUser(ctx context.Context, userID, displayName, email string, groups ...string) (*Response, error) {
	password, err := randomPassword()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"userid":      {userID},
		"displayName": {displayName},
		"email":       {email},
		"password":    {password},
	}
	for _, g := range groups {
		form.Add("groups[]", g)
	}
	return c.call(ctx, request{
		method:   http.MethodPost,
		path:     ocsPrefix + "/users",
		endpoint: "users",
		form:     form,
	})
}

// DisableUser blocks logins for a backend account
func (c *Client) DisableUser(ctx context.Context, userID string) (*Response, error) {
	return c.call(ctx, request{
		method:   http.MethodPut,
		path:     ocsPrefix + "/users/" + url.PathEscape(userID) + "/disable",
		endpoint: "users/disable",
	})
}

// EnableUser re-enables a disabled backend account
func (c *Client) EnableUser(ctx context.Context, userID string) (*Response, error) {
	return c.call(ctx, request{
		method:   http.MethodPut,
		path:     ocsPrefix + "/users/" + url.PathEscape(userID) + "/enable",
		endpoint: "users/enable",
	})
}

// DeleteUser removes a backend account
func (c *Client) DeleteUser(ctx context.Context, userID string) (*Response, error) {
	return c.call(ctx, request{
		method:   http.MethodDelete,
		path:     ocsPrefix + "/users/" + url.PathEscape(userID),
		endpoint: "users/delete",
	})
}

// AddUserToGroup adds a backend account to a backend group
func (c *Client) AddUserToGroup(ctx context.Context, userID, groupID string) (*Response, error) {
	return c.call(ctx, request{
		method:   http.MethodPost,
		path:     ocsPrefix + "/users/" + url.PathEscape(userID) + "/groups",
		endpoint: "users/groups",
		form:     url.Values{"groupid": {groupID}},
	})
}

// RemoveUserFromGroup removes a backend account from a backend group
func (c *Client) RemoveUserFromGroup(ctx context.Context, userID, groupID string) (*Response, error) {
	return c.call(ctx, request{
		method:   http.MethodDelete,
		path:     ocsPrefix + "/users/" + url.PathEscape(userID) + "/groups",
		endpoint: "users/groups",
		form:     url.Values{"groupid": {groupID}},
	})
}

// ListAllUserIDs returns the ids of every backend account
func (c *Client) ListAllUserIDs(ctx context.Context) (map[string]struct{}, error) {
	resp, err := c.call(ctx, request{
		method:   http.MethodGet,
		path:     ocsPrefix + "/users",
		endpoint: "users/list",
	})
	if err != nil {
		return nil, err
	}
	var data struct {
		Users []string `json:"users"`
	}
	if err := resp.Decode(&data); err != nil {
		return nil, transportError(err, "decode user list: %v", err)
	}
	ids := make(map[string]struct{}, len(data.Users))
	for _, id := range data.Users {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func randomPassword() (string, error) {
	buf := make([]byte, passwordLength)
	limit := big.NewInt(int64(len(passwordChars)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		buf[i] = passwordChars[n.Int64()]
	}
	return string(buf), nil
}
