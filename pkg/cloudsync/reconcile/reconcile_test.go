package reconcile

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/groupstore"
	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
	"github.com/mikepea/cloudsync/pkg/cloudsync/naming"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloudtest"
)

type testEnv struct {
	db     *gorm.DB
	srv    *nextcloudtest.Server
	store  *groupstore.Store
	client *nextcloud.Client
	cfg    *config.Config
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	srv := nextcloudtest.NewServer()
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Cloud.BaseURL = srv.URL
	cfg.Cloud.AdminUser = nextcloudtest.AdminUser
	cfg.Cloud.AdminPassword = nextcloudtest.AdminPassword
	cfg.Cloud.AdminAccount = nextcloudtest.AdminUser
	// keep the breaker closed while tests inject failures
	cfg.Breaker.MinRequests = 1000

	return &testEnv{
		db:     db,
		srv:    srv,
		store:  groupstore.New(db),
		client: nextcloud.New(cfg.Cloud, cfg.Breaker),
		cfg:    cfg,
	}
}

func (e *testEnv) reconciler(remote Remote) *Reconciler {
	return New(e.store, remote, naming.New(e.store, e.cfg.Cloud), e.cfg.Cloud)
}

func setup(t *testing.T) (*gorm.DB, *nextcloudtest.Server, *Reconciler) {
	t.Helper()
	env := newEnv(t)
	return env.db, env.srv, env.reconciler(env.client)
}

// flakyRemote rejects account creation for one user
type flakyRemote struct {
	*nextcloud.Client
	failFor string
}

func (f flakyRemote) CreateUser(ctx context.Context, userID, displayName, email string, groups ...string) (*nextcloud.Response, error) {
	if userID == f.failFor {
		return nil, &nextcloud.Error{StatusCode: 997, Message: "quota exceeded"}
	}
	return f.Client.CreateUser(ctx, userID, displayName, email, groups...)
}

func createUser(t *testing.T, db *gorm.DB, email string, active bool) *models.User {
	t.Helper()
	u := &models.User{Email: email, Name: email, Active: true}
	require.NoError(t, db.Create(u).Error)
	if !active {
		require.NoError(t, db.Model(u).Update("active", false).Error)
	}
	return u
}

func TestSyncUsers(t *testing.T) {
	db, srv, r := setup(t)

	alice := createUser(t, db, "alice@example.com", true)
	bob := createUser(t, db, "bob@example.com", true)
	createUser(t, db, "gone@example.com", false)
	srv.AddUser("user-" + itoa(bob.ID))

	summary, err := r.SyncUsers(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 2, Processed: 2, Created: 1, Skipped: 1}, summary)
	remote, ok := srv.User("user-" + itoa(alice.ID))
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", remote.Email)
	assert.Equal(t, 1, srv.CountCalls("POST", "/cloud/users"))
}

func TestSyncUsersJoinsCloudGroups(t *testing.T) {
	db, srv, r := setup(t)

	gid := "Team Alpha"
	group := &models.Group{Name: "Team Alpha", RemoteGroupID: &gid}
	require.NoError(t, db.Create(group).Error)
	srv.AddGroup(gid)
	u := createUser(t, db, "carol@example.com", true)
	require.NoError(t, db.Create(&models.GroupMembership{UserID: u.ID, GroupID: group.ID}).Error)

	_, err := r.SyncUsers(context.Background())
	require.NoError(t, err)

	remote, ok := srv.User("user-" + itoa(u.ID))
	require.True(t, ok)
	assert.True(t, remote.Groups[gid])
}

func TestSyncUsersCountsErrors(t *testing.T) {
	env := newEnv(t)
	a := createUser(t, env.db, "a@example.com", true)
	b := createUser(t, env.db, "b@example.com", true)
	c := createUser(t, env.db, "c@example.com", true)
	r := env.reconciler(flakyRemote{Client: env.client, failFor: "user-" + itoa(b.ID)})

	summary, err := r.SyncUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 3, Processed: 3, Created: 2, Errors: 1}, summary)

	for _, u := range []*models.User{a, c} {
		_, ok := env.srv.User("user-" + itoa(u.ID))
		assert.True(t, ok, "user %d created after the failure", u.ID)
	}
}

func TestSyncUsersListFailure(t *testing.T) {
	db, srv, r := setup(t)
	createUser(t, db, "a@example.com", true)
	srv.FailNext("/cloud/users", 1)

	_, err := r.SyncUsers(context.Background())
	require.Error(t, err)
	assert.True(t, nextcloud.IsTransport(err))
}

func TestSyncGroups(t *testing.T) {
	db, srv, r := setup(t)

	alpha := &models.Group{Name: "Team Alpha"}
	require.NoError(t, db.Create(alpha).Error)
	member := createUser(t, db, "dan@example.com", true)
	require.NoError(t, db.Create(&models.GroupMembership{UserID: member.ID, GroupID: alpha.ID}).Error)
	srv.AddUser("user-" + itoa(member.ID))

	disabled := &models.Group{Name: "Offline"}
	require.NoError(t, db.Create(disabled).Error)
	require.NoError(t, db.Model(disabled).Update("cloud_enabled", false).Error)

	summary, err := r.SyncGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Processed: 1, Created: 1, FoldersCreated: 1, UsersAdded: 2}, summary)

	var loaded models.Group
	require.NoError(t, db.First(&loaded, alpha.ID).Error)
	assert.Equal(t, "Team Alpha", models.Str(loaded.RemoteGroupID))
	assert.Equal(t, "Team Alpha", models.Str(loaded.RemoteFolderName))
	require.NotNil(t, loaded.RemoteFolderID)

	remote, _ := srv.User("user-" + itoa(member.ID))
	assert.True(t, remote.Groups["Team Alpha"])
	admin, _ := srv.User(nextcloudtest.AdminUser)
	assert.True(t, admin.Groups["Team Alpha"])

	t.Run("second pass creates nothing", func(t *testing.T) {
		summary, err := r.SyncGroups(context.Background())
		require.NoError(t, err)
		assert.Zero(t, summary.Created)
		assert.Zero(t, summary.FoldersCreated)
		assert.Equal(t, 2, summary.UsersAdded)
		assert.Len(t, srv.Folders(), 1)
	})
}

func TestSyncGroupsContinuesAfterErrors(t *testing.T) {
	db, srv, r := setup(t)

	first := &models.Group{Name: "First"}
	second := &models.Group{Name: "Second"}
	require.NoError(t, db.Create(first).Error)
	require.NoError(t, db.Create(second).Error)
	missing := createUser(t, db, "ghost@example.com", true)
	require.NoError(t, db.Create(&models.GroupMembership{UserID: missing.ID, GroupID: first.ID}).Error)

	srv.FailNext("/apps/groupfolders/folders", 1)

	summary, err := r.SyncGroups(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 1, summary.FoldersCreated, "first folder failed, second succeeded")
	// the member has no backend account yet
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, 2, summary.UsersAdded, "admin account joined both groups")
	assert.True(t, srv.HasGroup("Second"))
}

func TestSyncGroupsStopsOnCancel(t *testing.T) {
	db, _, r := setup(t)
	require.NoError(t, db.Create(&models.Group{Name: "One"}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := r.SyncGroups(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Processed)
}

func TestSummaryString(t *testing.T) {
	s := Summary{Total: 4, Processed: 3, Created: 1, Errors: 2}
	assert.Equal(t, "3/4 processed, 1 created, 0 skipped, 0 folders created, 0 members added (2 errors)", s.String())
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
