package nextcloud

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
)

// Folder is a group folder as listed by the backend
type Folder struct {
	ID         int64        `json:"id"`
	MountPoint string       `json:"mount_point"`
	Groups     FolderGroups `json:"groups"`
}

// FolderGroups maps group id to permission bits. The backend encodes an
// empty map as [].
type FolderGroups map[string]int

func (g *FolderGroups) UnmarshalJSON(b []byte) error {
	if isEmptyList(b) {
		*g = FolderGroups{}
		return nil
	}
	m := map[string]int{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*g = m
	return nil
}

func isEmptyList(b []byte) bool {
	b = bytes.TrimSpace(b)
	return bytes.Equal(b, []byte("[]")) || bytes.Equal(b, []byte("null"))
}

// FolderRequest describes the group folder CreateGroupFolder should ensure
type FolderRequest struct {
	MountPoint string
	GroupID    string
	// KnownID is the folder id already recorded for the group, if any
	KnownID *int64
	// FailIfNameTaken turns an existing folder with the same mount point
	// into ErrNameTaken instead of adopting it
	FailIfNameTaken bool
}

// FolderRecorder persists a folder id as soon as it is known
type FolderRecorder func(ctx context.Context, folderID int64) error

// ListGroupFolders returns all group folders keyed by id
func (c *Client) ListGroupFolders(ctx context.Context) (map[int64]Folder, error) {
	resp, err := c.call(ctx, request{
		method:   http.MethodGet,
		path:     foldersPath,
		endpoint: "groupfolders",
	})
	if err != nil {
		return nil, err
	}
	folders := make(map[int64]Folder)
	if isEmptyList(resp.Data) {
		return folders, nil
	}
	var byKey map[string]Folder
	if err := resp.Decode(&byKey); err != nil {
		return nil, transportError(err, "decode group folders: %v", err)
	}
	for _, f := range byKey {
		folders[f.ID] = f
	}
	return folders, nil
}

// CreateGroupFolder makes sure a group folder with req.MountPoint exists
// and that req.GroupID can access it. It is safe to call again after a
// partial failure: an existing folder is adopted rather than duplicated.
// record is called with the folder id before any follow-up call is made,
// so an id is never lost to a later failure.
func (c *Client) CreateGroupFolder(ctx context.Context, req FolderRequest, record FolderRecorder) (int64, error) {
	folders, err := c.ListGroupFolders(ctx)
	if err != nil {
		return 0, err
	}

	for _, f := range folders {
		if f.MountPoint != req.MountPoint {
			continue
		}
		if req.FailIfNameTaken {
			return 0, fmt.Errorf("%w: %q (folder %d)", ErrNameTaken, req.MountPoint, f.ID)
		}
		if req.KnownID == nil || *req.KnownID != f.ID {
			c.log.Info().Int64("folder_id", f.ID).Str("mount_point", f.MountPoint).Msg("adopting existing group folder")
			if err := recordID(ctx, record, f.ID); err != nil {
				return 0, err
			}
		}
		if _, ok := f.Groups[req.GroupID]; !ok {
			if err := c.grantGroup(ctx, f.ID, req.GroupID); err != nil {
				return f.ID, err
			}
		}
		return f.ID, nil
	}

	resp, err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     foldersPath,
		endpoint: "groupfolders",
		form:     url.Values{"mountpoint": {req.MountPoint}},
	})
	if err != nil {
		return 0, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := resp.Decode(&created); err != nil || created.ID == 0 {
		return 0, transportError(err, "group folder created without an id")
	}
	if err := recordID(ctx, record, created.ID); err != nil {
		return created.ID, err
	}

	if err := c.grantGroup(ctx, created.ID, req.GroupID); err != nil {
		return created.ID, err
	}
	if c.defaultQuota != config.UnlimitedQuota {
		if err := c.SetFolderQuota(ctx, created.ID, c.defaultQuota); err != nil {
			return created.ID, err
		}
	}
	return created.ID, nil
}

func recordID(ctx context.Context, record FolderRecorder, id int64) error {
	if record == nil {
		return nil
	}
	if err := record(ctx, id); err != nil {
		return fmt.Errorf("record folder id %d: %w", id, err)
	}
	return nil
}

func (c *Client) grantGroup(ctx context.Context, folderID int64, groupID string) error {
	_, err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     folderPath(folderID, "groups"),
		endpoint: "groupfolders/groups",
		form:     url.Values{"group": {groupID}},
	})
	return err
}

// SetFolderQuota sets a folder quota in bytes
func (c *Client) SetFolderQuota(ctx context.Context, folderID, quota int64) error {
	_, err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     folderPath(folderID, "quota"),
		endpoint: "groupfolders/quota",
		form:     url.Values{"quota": {strconv.FormatInt(quota, 10)}},
	})
	return err
}

// RenameGroupFolder changes a folder's mount point. Only a true result
// means the backend applied the rename.
func (c *Client) RenameGroupFolder(ctx context.Context, folderID int64, mountPoint string) (bool, error) {
	resp, err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     folderPath(folderID, "mountpoint"),
		endpoint: "groupfolders/mountpoint",
		form:     url.Values{"mountpoint": {mountPoint}},
	})
	if err != nil {
		return false, err
	}
	var data struct {
		Success bool `json:"success"`
	}
	if err := resp.Decode(&data); err != nil {
		return false, transportError(err, "decode rename result: %v", err)
	}
	return data.Success, nil
}

func folderPath(id int64, action string) string {
	return foldersPath + "/" + strconv.FormatInt(id, 10) + "/" + action
}
