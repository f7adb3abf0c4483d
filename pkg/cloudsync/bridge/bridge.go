package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/naming"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
	"github.com/mikepea/cloudsync/pkg/cloudsync/retry"
)

// Store is the platform data the bridge reads and writes
type Store interface {
	naming.Store
	Group(ctx context.Context, id uint) (*models.Group, error)
	User(ctx context.Context, id uint) (*models.User, error)
	Members(ctx context.Context, groupID uint) ([]models.User, error)
	SetFolderID(ctx context.Context, groupID uint, folderID int64) error
}

// Remote is the subset of the cloud backend client the bridge drives
type Remote interface {
	CreateUser(ctx context.Context, userID, displayName, email string, groups ...string) (*nextcloud.Response, error)
	DisableUser(ctx context.Context, userID string) (*nextcloud.Response, error)
	EnableUser(ctx context.Context, userID string) (*nextcloud.Response, error)
	DeleteUser(ctx context.Context, userID string) (*nextcloud.Response, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) (*nextcloud.Response, error)
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) (*nextcloud.Response, error)
	CreateGroup(ctx context.Context, groupID string) (nextcloud.GroupResult, error)
	CreateGroupFolder(ctx context.Context, req nextcloud.FolderRequest, record nextcloud.FolderRecorder) (int64, error)
	RenameGroupFolder(ctx context.Context, folderID int64, mountPoint string) (bool, error)
}

// Submitter accepts operations for asynchronous, retried execution
type Submitter interface {
	Submit(op retry.Operation) string
}

// Bridge holds the handlers that mirror platform events to the backend.
// Only handler code writes group records; submitted operations get copies
// of the values they need.
type Bridge struct {
	store  Store
	remote Remote
	exec   Submitter
	names  *naming.Generator
	cfg    config.CloudConfig
	log    zerolog.Logger
}

// New creates a bridge
func New(store Store, remote Remote, exec Submitter, names *naming.Generator, cfg config.CloudConfig) *Bridge {
	return &Bridge{
		store:  store,
		remote: remote,
		exec:   exec,
		names:  names,
		cfg:    cfg,
		log:    logging.Component("bridge"),
	}
}

// Register wires the bridge handlers into r
func (b *Bridge) Register(r *Registry) {
	r.On(UserJoinedGroup, b.onUserJoinedGroup)
	r.On(UserLeftGroup, b.onUserLeftGroup)
	r.On(UserCreated, b.onUserCreated)
	r.On(UserDeactivated, b.onUserDeactivated)
	r.On(UserReactivated, b.onUserReactivated)
	r.On(UserDeleted, b.onUserDeleted)
	r.On(GroupCreated, b.onGroupCreated)
	r.On(GroupSaved, b.onGroupSaved)
	r.On(CloudActivated, b.onCloudActivated)
	r.On(CloudDeactivated, b.onCloudDeactivated)
}

// RemoteUserID maps a platform user id to its backend account id
func (b *Bridge) RemoteUserID(userID uint) string {
	return RemoteUserID(b.cfg.UserIDPrefix, userID)
}

// RemoteUserID maps a platform user id to its backend account id
func RemoteUserID(prefix string, userID uint) string {
	return prefix + strconv.FormatUint(uint64(userID), 10)
}

func (b *Bridge) group(ctx context.Context, ev Event) (*models.Group, error) {
	if ev.Group != nil {
		return ev.Group, nil
	}
	return b.store.Group(ctx, ev.GroupID)
}

func (b *Bridge) user(ctx context.Context, ev Event) (*models.User, error) {
	if ev.User != nil {
		return ev.User, nil
	}
	return b.store.User(ctx, ev.UserID)
}

func userIDOf(ev Event) uint {
	if ev.User != nil {
		return ev.User.ID
	}
	return ev.UserID
}

func (b *Bridge) onUserJoinedGroup(ctx context.Context, ev Event) error {
	group, err := b.group(ctx, ev)
	if err != nil {
		return err
	}
	if group.RemoteGroupID == nil || !group.CloudEnabled {
		return nil
	}
	b.submitAddUser(b.RemoteUserID(userIDOf(ev)), *group.RemoteGroupID)
	return nil
}

// onUserLeftGroup does not look at CloudEnabled so members are removed
// even after the feature was switched off.
func (b *Bridge) onUserLeftGroup(ctx context.Context, ev Event) error {
	group, err := b.group(ctx, ev)
	if err != nil {
		return err
	}
	if group.RemoteGroupID == nil {
		return nil
	}
	userID, groupID := b.RemoteUserID(userIDOf(ev)), *group.RemoteGroupID
	b.exec.Submit(retry.Operation{
		Name: "removeUserFromGroup",
		Args: map[string]any{"user_id": userID, "group_id": groupID},
		Run: func(ctx context.Context) (any, error) {
			return b.remote.RemoveUserFromGroup(ctx, userID, groupID)
		},
	})
	return nil
}

func (b *Bridge) onUserCreated(ctx context.Context, ev Event) error {
	user, err := b.user(ctx, ev)
	if err != nil {
		return err
	}
	userID, displayName, email := b.RemoteUserID(user.ID), user.DisplayName(), user.Email
	b.exec.Submit(retry.Operation{
		Name: "createUser",
		Args: map[string]any{"user_id": userID, "email": email},
		Run: func(ctx context.Context) (any, error) {
			resp, err := b.remote.CreateUser(ctx, userID, displayName, email)
			if nextcloud.IsAlreadyExists(err) {
				return "exists", nil
			}
			return resp, err
		},
	})
	return nil
}

func (b *Bridge) onUserDeactivated(ctx context.Context, ev Event) error {
	userID := b.RemoteUserID(userIDOf(ev))
	b.exec.Submit(retry.Operation{
		Name: "disableUser",
		Args: map[string]any{"user_id": userID},
		Run: func(ctx context.Context) (any, error) {
			return b.remote.DisableUser(ctx, userID)
		},
	})
	return nil
}

func (b *Bridge) onUserReactivated(ctx context.Context, ev Event) error {
	userID := b.RemoteUserID(userIDOf(ev))
	b.exec.Submit(retry.Operation{
		Name: "enableUser",
		Args: map[string]any{"user_id": userID},
		Run: func(ctx context.Context) (any, error) {
			return b.remote.EnableUser(ctx, userID)
		},
	})
	return nil
}

func (b *Bridge) onUserDeleted(ctx context.Context, ev Event) error {
	userID := b.RemoteUserID(userIDOf(ev))
	b.exec.Submit(retry.Operation{
		Name: "deleteUser",
		Args: map[string]any{"user_id": userID},
		Run: func(ctx context.Context) (any, error) {
			return b.remote.DeleteUser(ctx, userID)
		},
	})
	return nil
}

func (b *Bridge) onGroupCreated(ctx context.Context, ev Event) error {
	group, err := b.group(ctx, ev)
	if err != nil {
		return err
	}
	if !group.CloudEnabled {
		return nil
	}
	return b.InitGroup(ctx, group, nil)
}

func (b *Bridge) onCloudActivated(ctx context.Context, ev Event) error {
	group, err := b.group(ctx, ev)
	if err != nil {
		return err
	}
	if !group.CloudEnabled {
		return nil
	}
	members, err := b.store.Members(ctx, group.ID)
	if err != nil {
		return fmt.Errorf("load members of group %d: %w", group.ID, err)
	}
	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, b.RemoteUserID(m.ID))
	}
	return b.InitGroup(ctx, group, memberIDs)
}

func (b *Bridge) onCloudDeactivated(ctx context.Context, ev Event) error {
	b.log.Debug().Uint("group_id", ev.GroupID).Msg("cloud deactivated, leaving backend state in place")
	return nil
}

func (b *Bridge) onGroupSaved(ctx context.Context, ev Event) error {
	if !b.cfg.RenameOnSave {
		return nil
	}
	group, err := b.group(ctx, ev)
	if err != nil {
		return err
	}
	_, err = b.RenameFolder(ctx, group)
	return err
}

func (b *Bridge) submitAddUser(userID, groupID string) {
	b.exec.Submit(retry.Operation{
		Name: "addUserToGroup",
		Args: map[string]any{"user_id": userID, "group_id": groupID},
		Run: func(ctx context.Context) (any, error) {
			return b.remote.AddUserToGroup(ctx, userID, groupID)
		},
	})
}

// InitGroup assigns the group's backend identifiers, persisting them before
// anything is submitted, then submits one composite operation that creates
// the backend group, its folder and adds the admin account. Every step
// tolerates being run again, so a retry restarts from the top. memberIDs
// are added once the composite operation has succeeded.
func (b *Bridge) InitGroup(ctx context.Context, group *models.Group, memberIDs []string) error {
	groupID, err := b.names.Generate(ctx, group, naming.GroupID, naming.Options{Save: true})
	if err != nil {
		return fmt.Errorf("assign group id: %w", err)
	}
	folderName, err := b.names.Generate(ctx, group, naming.FolderName, naming.Options{Save: true})
	if err != nil {
		return fmt.Errorf("assign folder name: %w", err)
	}

	pk := group.ID
	var knownID *int64
	if group.RemoteFolderID != nil {
		id := *group.RemoteFolderID
		knownID = &id
	}
	admin := b.cfg.AdminAccount
	record := func(ctx context.Context, folderID int64) error {
		return b.store.SetFolderID(ctx, pk, folderID)
	}

	b.exec.Submit(retry.Operation{
		Name: "initGroup",
		Args: map[string]any{"group": pk, "group_id": groupID, "folder": folderName},
		Run: func(ctx context.Context) (any, error) {
			if _, err := b.remote.CreateGroup(ctx, groupID); err != nil {
				return nil, fmt.Errorf("create group: %w", err)
			}
			folderID, err := b.remote.CreateGroupFolder(ctx, nextcloud.FolderRequest{
				MountPoint: folderName,
				GroupID:    groupID,
				KnownID:    knownID,
			}, record)
			if folderID != 0 {
				knownID = &folderID
			}
			if err != nil {
				if errors.Is(err, nextcloud.ErrNameTaken) {
					return nil, retry.Permanent(err)
				}
				return nil, fmt.Errorf("create group folder: %w", err)
			}
			if admin != "" {
				if _, err := b.remote.AddUserToGroup(ctx, admin, groupID); err != nil {
					return nil, fmt.Errorf("add admin account: %w", err)
				}
			}
			for _, userID := range memberIDs {
				b.submitAddUser(userID, groupID)
			}
			return folderID, nil
		},
	})
	return nil
}

// RenameFolder renames the group's folder when its name no longer matches
// the group's display name. The new name is persisted only after the
// backend confirmed the rename; otherwise group is reloaded from the store.
func (b *Bridge) RenameFolder(ctx context.Context, group *models.Group) (bool, error) {
	if !group.CloudEnabled || group.RemoteGroupID == nil || group.RemoteFolderName == nil || group.RemoteFolderID == nil {
		return false, nil
	}

	candidate, err := b.names.Generate(ctx, group, naming.FolderName, naming.Options{Force: true})
	if err != nil {
		return false, fmt.Errorf("derive folder name: %w", err)
	}
	if candidate == *group.RemoteFolderName {
		return false, nil
	}

	renamed, err := b.remote.RenameGroupFolder(ctx, *group.RemoteFolderID, candidate)
	if err != nil || !renamed {
		if reloadErr := b.reload(ctx, group); reloadErr != nil {
			return false, errors.Join(err, reloadErr)
		}
		if err != nil {
			return false, fmt.Errorf("rename folder %d: %w", *group.RemoteFolderID, err)
		}
		b.log.Warn().Uint("group_id", group.ID).Str("folder", candidate).Msg("backend did not confirm folder rename")
		return false, nil
	}

	if err := b.store.SaveValue(ctx, group.ID, string(naming.FolderName), candidate); err != nil {
		return true, fmt.Errorf("save folder name: %w", err)
	}
	group.RemoteFolderName = &candidate
	b.log.Info().Uint("group_id", group.ID).Str("folder", candidate).Msg("renamed group folder")
	return true, nil
}

func (b *Bridge) reload(ctx context.Context, group *models.Group) error {
	fresh, err := b.store.Group(ctx, group.ID)
	if err != nil {
		return err
	}
	*group = *fresh
	return nil
}
