// Package groupstore is the gorm-backed view of platform groups and users
// used by the naming, bridge and reconcile packages.
package groupstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// ErrNotFound is returned when a group or user does not exist
var ErrNotFound = errors.New("not found")

// writable lists the group columns the sync engine may write
var writable = map[string]bool{
	"remote_group_id":    true,
	"remote_folder_name": true,
	"remote_folder_id":   true,
}

// Store reads and writes platform records
type Store struct {
	db *gorm.DB
}

// New creates a store on db
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Group loads a group by id
func (s *Store) Group(ctx context.Context, id uint) (*models.Group, error) {
	var group models.Group
	if err := s.db.WithContext(ctx).First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &group, nil
}

// User loads a user by id
func (s *Store) User(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// Members returns the users belonging to a group
func (s *Store) Members(ctx context.Context, groupID uint) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Joins("JOIN group_memberships ON group_memberships.user_id = users.id").
		Where("group_memberships.group_id = ?", groupID).
		Order("users.id").
		Find(&users).Error
	return users, err
}

// CloudGroups returns every group with the cloud feature enabled
func (s *Store) CloudGroups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.WithContext(ctx).Where("cloud_enabled = ?", true).Order("id").Find(&groups).Error
	return groups, err
}

// ActiveUsers returns every active user
func (s *Store) ActiveUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&users).Error
	return users, err
}

// UserGroupIDs returns the cloud group ids of every cloud-enabled group the user belongs to
func (s *Store) UserGroupIDs(ctx context.Context, userID uint) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Group{}).
		Joins("JOIN group_memberships ON group_memberships.group_id = groups.id").
		Where("group_memberships.user_id = ? AND groups.cloud_enabled = ? AND groups.remote_group_id IS NOT NULL AND groups.remote_group_id <> ''", userID, true).
		Order("groups.id").
		Pluck("groups.remote_group_id", &ids).Error
	return ids, err
}

// TakenValues returns the non-empty values of column held by the other
// groups of an organization, deleted groups included: their backend group
// and folder are left in place, so the names stay reserved. Case folding is
// left to the caller; SQLite's LOWER only folds ASCII.
func (s *Store) TakenValues(ctx context.Context, column string, orgID, excludeID uint) ([]string, error) {
	if !writable[column] || column == "remote_folder_id" {
		return nil, fmt.Errorf("column %q cannot be queried for names", column)
	}
	var values []string
	err := s.db.WithContext(ctx).Unscoped().Model(&models.Group{}).
		Where("organization_id = ? AND id <> ?", orgID, excludeID).
		Where(column+" IS NOT NULL AND "+column+" <> ''").
		Pluck(column, &values).Error
	return values, err
}

// SaveValue writes one column of one group without touching the others
func (s *Store) SaveValue(ctx context.Context, groupID uint, column string, value string) error {
	return s.updateColumn(ctx, groupID, column, value)
}

// SetFolderID records the backend folder id of a group
func (s *Store) SetFolderID(ctx context.Context, groupID uint, folderID int64) error {
	return s.updateColumn(ctx, groupID, "remote_folder_id", folderID)
}

func (s *Store) updateColumn(ctx context.Context, groupID uint, column string, value any) error {
	if !writable[column] {
		return fmt.Errorf("column %q is not writable", column)
	}
	result := s.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", groupID).UpdateColumn(column, value)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	}
	return nil
}
