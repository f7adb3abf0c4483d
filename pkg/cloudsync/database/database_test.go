package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

func TestConnectMigrates(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cloudsync.db")
	require.NoError(t, Connect(dsn))

	db := GetDB()
	require.NotNil(t, db)
	assert.True(t, db.Migrator().HasTable(&models.Group{}))
	assert.True(t, db.Migrator().HasTable(&models.SCIMToken{}))
}
