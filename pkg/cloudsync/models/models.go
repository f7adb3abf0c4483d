package models

import "gorm.io/gorm"

// AllModels returns all models for migration
// Note: Organization must be migrated first as other models depend on it
func AllModels() []interface{} {
	return []interface{}{
		&Organization{},
		&OrganizationMembership{},
		&User{},
		&Group{},
		&GroupMembership{},
		&SCIMToken{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// EnsureGlobalOrganization returns the default organization, creating it if needed
func EnsureGlobalOrganization(db *gorm.DB) (*Organization, error) {
	var org Organization
	err := db.Where(Organization{IsGlobal: true}).
		Attrs(Organization{Name: "Global", Slug: "global"}).
		FirstOrCreate(&org).Error
	if err != nil {
		return nil, err
	}
	return &org, nil
}
