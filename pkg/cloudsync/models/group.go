package models

import (
	"time"

	"gorm.io/gorm"
)

// GroupKind distinguishes top-level groups from projects
type GroupKind string

const (
	GroupKindSociety GroupKind = "society"
	GroupKindProject GroupKind = "project"
)

// Group is a platform group mirrored to a cloud group plus a group folder.
// The Remote* fields are filled lazily and written one column at a time.
type Group struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizationID uint           `gorm:"not null;index" json:"organization_id"`
	Name           string         `gorm:"not null" json:"name"`
	Description    string         `json:"description"`
	ExternalID     string         `gorm:"index" json:"external_id,omitempty"` // SCIM externalId
	Kind           GroupKind      `gorm:"type:varchar(20);default:'society'" json:"kind"`
	CloudEnabled   bool           `gorm:"default:true" json:"cloud_enabled"`

	RemoteGroupID    *string `gorm:"column:remote_group_id;size:64" json:"remote_group_id,omitempty"`
	RemoteFolderName *string `gorm:"column:remote_folder_name;size:100" json:"remote_folder_name,omitempty"`
	RemoteFolderID   *int64  `gorm:"column:remote_folder_id" json:"remote_folder_id,omitempty"`

	// Relationships
	Organization Organization      `gorm:"foreignKey:OrganizationID" json:"-"`
	Members      []GroupMembership `gorm:"foreignKey:GroupID" json:"members,omitempty"`
}

// IsSociety reports whether the group is a top-level group
func (g *Group) IsSociety() bool {
	return g.Kind == "" || g.Kind == GroupKindSociety
}

// Str dereferences an optional string field
func Str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GroupRole is a user's role within a group
type GroupRole string

const (
	GroupRoleAdmin  GroupRole = "admin"
	GroupRoleMember GroupRole = "member"
)

// GroupMembership links a user to a group. It has no soft delete: leaving
// removes the row, so the unique index never blocks a later rejoin.
type GroupMembership struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_user_group" json:"user_id"`
	GroupID   uint      `gorm:"not null;uniqueIndex:idx_user_group" json:"group_id"`
	Role      GroupRole `gorm:"type:varchar(20);default:'member'" json:"role"`

	User  User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Group Group `gorm:"foreignKey:GroupID" json:"group,omitempty"`
}

// IsAdmin reports whether the member administers the group
func (m *GroupMembership) IsAdmin() bool {
	return m.Role == GroupRoleAdmin
}
