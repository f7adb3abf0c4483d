package models

import (
	"time"

	"gorm.io/gorm"
)

// SCIMToken represents a bearer token for SCIM provisioning into one organization
type SCIMToken struct {
	ID             uint           `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizationID uint           `gorm:"not null;index" json:"organization_id"`
	TokenHash      string         `gorm:"uniqueIndex;not null" json:"-"` // SHA-256 hash of token
	TokenPrefix    string         `gorm:"not null" json:"token_prefix"`
	Description    string         `json:"description"`
	LastUsedAt     *time.Time     `json:"last_used_at"`
}
