// Package reconcile brings the cloud backend in line with the platform in one
// pass: every active user gets an account and every cloud-enabled group gets
// its backend group, folder and members. Failures are counted, never fatal.
package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mikepea/cloudsync/pkg/cloudsync/bridge"
	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/metrics"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/naming"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
)

// Store is the platform data a reconciliation pass reads
type Store interface {
	naming.Store
	CloudGroups(ctx context.Context) ([]models.Group, error)
	ActiveUsers(ctx context.Context) ([]models.User, error)
	Members(ctx context.Context, groupID uint) ([]models.User, error)
	UserGroupIDs(ctx context.Context, userID uint) ([]string, error)
	SetFolderID(ctx context.Context, groupID uint, folderID int64) error
}

// Remote is the backend surface a reconciliation pass drives
type Remote interface {
	ListAllUserIDs(ctx context.Context) (map[string]struct{}, error)
	CreateUser(ctx context.Context, userID, displayName, email string, groups ...string) (*nextcloud.Response, error)
	CreateGroup(ctx context.Context, groupID string) (nextcloud.GroupResult, error)
	CreateGroupFolder(ctx context.Context, req nextcloud.FolderRequest, record nextcloud.FolderRecorder) (int64, error)
	AddUserToGroup(ctx context.Context, userID, groupID string) (*nextcloud.Response, error)
}

// Summary counts what a pass did
type Summary struct {
	Total          int `json:"total"`
	Processed      int `json:"processed"`
	Created        int `json:"created"`
	Skipped        int `json:"skipped"`
	FoldersCreated int `json:"folders_created"`
	UsersAdded     int `json:"users_added"`
	Errors         int `json:"errors"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d processed, %d created, %d skipped, %d folders created, %d members added (%d errors)",
		s.Processed, s.Total, s.Created, s.Skipped, s.FoldersCreated, s.UsersAdded, s.Errors)
}

// Reconciler runs reconciliation passes
type Reconciler struct {
	store  Store
	remote Remote
	names  *naming.Generator
	cfg    config.CloudConfig
	log    zerolog.Logger
}

// New creates a reconciler
func New(store Store, remote Remote, names *naming.Generator, cfg config.CloudConfig) *Reconciler {
	return &Reconciler{
		store:  store,
		remote: remote,
		names:  names,
		cfg:    cfg,
		log:    logging.Component("reconcile"),
	}
}

// SyncUsers creates a backend account for every active user that does not
// have one yet. New accounts join the user's cloud groups right away.
func (r *Reconciler) SyncUsers(ctx context.Context) (Summary, error) {
	var s Summary

	users, err := r.store.ActiveUsers(ctx)
	if err != nil {
		return s, fmt.Errorf("load users: %w", err)
	}
	existing, err := r.remote.ListAllUserIDs(ctx)
	if err != nil {
		return s, fmt.Errorf("list backend users: %w", err)
	}
	s.Total = len(users)

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		s.Processed++
		remoteID := bridge.RemoteUserID(r.cfg.UserIDPrefix, u.ID)
		if _, ok := existing[remoteID]; ok {
			s.Skipped++
			metrics.ReconcileItems.WithLabelValues("user", "skipped").Inc()
			continue
		}

		groups, err := r.store.UserGroupIDs(ctx, u.ID)
		if err != nil {
			r.fail(&s, "user", err, "user_id", remoteID)
			continue
		}
		_, err = r.remote.CreateUser(ctx, remoteID, u.DisplayName(), u.Email, groups...)
		switch {
		case err == nil:
			s.Created++
			metrics.ReconcileItems.WithLabelValues("user", "created").Inc()
		case nextcloud.IsAlreadyExists(err):
			s.Skipped++
			metrics.ReconcileItems.WithLabelValues("user", "skipped").Inc()
		default:
			r.fail(&s, "user", err, "user_id", remoteID)
		}
	}

	r.log.Info().Interface("summary", s).Msg("user sync finished")
	return s, nil
}

// SyncGroups makes sure every cloud-enabled group has its identifiers, its
// backend group and its members. A folder is only created together with a
// newly created backend group; an existing group is assumed to have one.
func (r *Reconciler) SyncGroups(ctx context.Context) (Summary, error) {
	var s Summary

	groups, err := r.store.CloudGroups(ctx)
	if err != nil {
		return s, fmt.Errorf("load groups: %w", err)
	}
	s.Total = len(groups)

	for i := range groups {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		s.Processed++
		r.syncGroup(ctx, &groups[i], &s)
	}

	r.log.Info().Interface("summary", s).Msg("group sync finished")
	return s, nil
}

func (r *Reconciler) syncGroup(ctx context.Context, group *models.Group, s *Summary) {
	groupID, err := r.names.Generate(ctx, group, naming.GroupID, naming.Options{Save: true})
	if err != nil {
		r.fail(s, "group", err, "group", group.ID)
		return
	}

	result, err := r.remote.CreateGroup(ctx, groupID)
	if err != nil {
		r.fail(s, "group", err, "group_id", groupID)
	}
	if result == nextcloud.GroupCreated {
		s.Created++
		metrics.ReconcileItems.WithLabelValues("group", "created").Inc()
		r.createFolder(ctx, group, groupID, s)
	}

	members, err := r.store.Members(ctx, group.ID)
	if err != nil {
		r.fail(s, "member", err, "group_id", groupID)
		return
	}
	userIDs := make([]string, 0, len(members)+1)
	for _, m := range members {
		userIDs = append(userIDs, bridge.RemoteUserID(r.cfg.UserIDPrefix, m.ID))
	}
	if r.cfg.AdminAccount != "" {
		userIDs = append(userIDs, r.cfg.AdminAccount)
	}
	for _, userID := range userIDs {
		if _, err := r.remote.AddUserToGroup(ctx, userID, groupID); err != nil {
			r.fail(s, "member", err, "user_id", userID)
			continue
		}
		s.UsersAdded++
		metrics.ReconcileItems.WithLabelValues("member", "added").Inc()
	}
}

func (r *Reconciler) createFolder(ctx context.Context, group *models.Group, groupID string, s *Summary) {
	folderName, err := r.names.Generate(ctx, group, naming.FolderName, naming.Options{Save: true})
	if err != nil {
		r.fail(s, "folder", err, "group_id", groupID)
		return
	}
	pk := group.ID
	_, err = r.remote.CreateGroupFolder(ctx, nextcloud.FolderRequest{
		MountPoint: folderName,
		GroupID:    groupID,
		KnownID:    group.RemoteFolderID,
	}, func(ctx context.Context, id int64) error {
		return r.store.SetFolderID(ctx, pk, id)
	})
	if err != nil {
		r.fail(s, "folder", err, "folder", folderName)
		return
	}
	s.FoldersCreated++
	metrics.ReconcileItems.WithLabelValues("folder", "created").Inc()
}

func (r *Reconciler) fail(s *Summary, kind string, err error, key string, value any) {
	s.Errors++
	metrics.ReconcileItems.WithLabelValues(kind, "error").Inc()
	r.log.Error().Err(err).Str("kind", kind).Interface(key, value).Msg("reconcile item failed")
}
