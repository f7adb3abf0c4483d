package models

import (
	"time"

	"gorm.io/gorm"
)

// OrgRole represents a user's role within an organization
type OrgRole string

const (
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleMember OrgRole = "member"
)

// Organization is a portal: the tenant scope in which cloud group ids and
// folder names must be unique.
type Organization struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
	Slug      string         `gorm:"uniqueIndex;not null" json:"slug"`
	IsGlobal  bool           `gorm:"default:false" json:"is_global"` // default portal for groups created without one

	// Relationships
	Members []OrganizationMembership `gorm:"foreignKey:OrganizationID" json:"members,omitempty"`
	Groups  []Group                  `gorm:"foreignKey:OrganizationID" json:"groups,omitempty"`
}

// OrganizationMembership represents the many-to-many relationship between users and organizations.
type OrganizationMembership struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizationID uint           `gorm:"not null;uniqueIndex:idx_org_user" json:"organization_id"`
	UserID         uint           `gorm:"not null;uniqueIndex:idx_org_user" json:"user_id"`
	Role           OrgRole        `gorm:"type:varchar(20);default:'member'" json:"role"`

	// Relationships
	Organization Organization `gorm:"foreignKey:OrganizationID" json:"organization,omitempty"`
	User         User         `gorm:"foreignKey:UserID" json:"user,omitempty"`
}
