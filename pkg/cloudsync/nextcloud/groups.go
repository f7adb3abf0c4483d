package nextcloud

import (
	"context"
	"net/http"
	"net/url"
)

// GroupResult is the outcome of CreateGroup
type GroupResult int

const (
	// GroupFailed accompanies a non-nil error
	GroupFailed GroupResult = iota
	GroupCreated
	GroupExists
)

func (r GroupResult) String() string {
	switch r {
	case GroupCreated:
		return "created"
	case GroupExists:
		return "exists"
	default:
		return "failed"
	}
}

// CreateGroup creates a backend group. A group that already exists is not
// an error: the call is made whenever a group might be missing.
func (c *Client) CreateGroup(ctx context.Context, groupID string) (GroupResult, error) {
	_, err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     ocsPrefix + "/groups",
		endpoint: "groups",
		form:     url.Values{"groupid": {groupID}},
	})
	switch {
	case err == nil:
		return GroupCreated, nil
	case IsAlreadyExists(err):
		return GroupExists, nil
	default:
		return GroupFailed, err
	}
}
