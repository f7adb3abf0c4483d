package nextcloud_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloud"
	"github.com/mikepea/cloudsync/pkg/cloudsync/nextcloudtest"
)

type recorder struct {
	ids []int64
	err error
}

func (r *recorder) record(_ context.Context, id int64) error {
	r.ids = append(r.ids, id)
	return r.err
}

func TestListGroupFoldersEmpty(t *testing.T) {
	_, c := setup(t)

	folders, err := c.ListGroupFolders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestCreateGroupFolder(t *testing.T) {
	srv, c := setup(t)
	srv.AddGroup("Team Alpha")
	rec := &recorder{}

	id, err := c.CreateGroupFolder(context.Background(), nextcloud.FolderRequest{
		MountPoint: "Team Alpha",
		GroupID:    "Team Alpha",
	}, rec.record)
	require.NoError(t, err)

	assert.Equal(t, []int64{id}, rec.ids)
	folders := srv.Folders()
	require.Len(t, folders, 1)
	assert.Equal(t, "Team Alpha", folders[0].MountPoint)
	assert.Contains(t, folders[0].Groups, "Team Alpha")
	assert.Equal(t, 0, srv.CountCalls("POST", "/quota"), "unlimited quota must not be set")
}

func TestCreateGroupFolderSetsQuota(t *testing.T) {
	srv := nextcloudtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL, 1<<30)
	srv.AddGroup("Team Beta")

	_, err := c.CreateGroupFolder(context.Background(), nextcloud.FolderRequest{
		MountPoint: "Team Beta",
		GroupID:    "Team Beta",
	}, nil)
	require.NoError(t, err)

	folders := srv.Folders()
	require.Len(t, folders, 1)
	assert.Equal(t, int64(1<<30), folders[0].Quota)
}

func TestCreateGroupFolderRecordsIDBeforeQuotaFailure(t *testing.T) {
	srv := nextcloudtest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL, 1<<30)
	srv.AddGroup("Team Beta")
	srv.FailNext("/quota", 1)
	rec := &recorder{}

	_, err := c.CreateGroupFolder(context.Background(), nextcloud.FolderRequest{
		MountPoint: "Team Beta",
		GroupID:    "Team Beta",
	}, rec.record)
	require.Error(t, err)
	require.Len(t, rec.ids, 1)

	// a retry adopts the folder instead of creating a second one
	_, err = c.CreateGroupFolder(context.Background(), nextcloud.FolderRequest{
		MountPoint: "Team Beta",
		GroupID:    "Team Beta",
		KnownID:    &rec.ids[0],
	}, rec.record)
	require.NoError(t, err)
	assert.Len(t, srv.Folders(), 1)
	assert.Len(t, rec.ids, 1, "known id must not be recorded again")
}

func TestCreateGroupFolderNameTaken(t *testing.T) {
	srv, c := setup(t)
	srv.AddGroup("Team Alpha 2")
	existing := srv.AddFolder("Team Alpha")

	t.Run("fail", func(t *testing.T) {
		_, err := c.CreateGroupFolder(context.Background(), nextcloud.FolderRequest{
			MountPoint:      "Team Alpha",
			GroupID:         "Team Alpha 2",
			FailIfNameTaken: true,
		}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, nextcloud.ErrNameTaken))
	})

	t.Run("reconcile", func(t *testing.T) {
		rec := &recorder{}
		id, err := c.CreateGroupFolder(context.Background(), nextcloud.FolderRequest{
			MountPoint: "Team Alpha",
			GroupID:    "Team Alpha 2",
		}, rec.record)
		require.NoError(t, err)
		assert.Equal(t, existing, id)
		assert.Equal(t, []int64{existing}, rec.ids)
		folders := srv.Folders()
		require.Len(t, folders, 1, "no duplicate folder")
		assert.Contains(t, folders[0].Groups, "Team Alpha 2")
	})
}

func TestRenameGroupFolder(t *testing.T) {
	srv, c := setup(t)
	id := srv.AddFolder("Old Name")

	ok, err := c.RenameGroupFolder(context.Background(), id, "New Name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "New Name", srv.Folders()[0].MountPoint)

	srv.SetRenameResult(false)
	ok, err = c.RenameGroupFolder(context.Background(), id, "Other Name")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "New Name", srv.Folders()[0].MountPoint)
}
