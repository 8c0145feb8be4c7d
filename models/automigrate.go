package models

import "gorm.io/gorm"

// AutoMigrate creates or updates the schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ActivityObject{},
		&Activity{},
		&Recipient{},
		&Edge{},
		&User{},
		&InboxEntry{},
		&DialbackRequest{},
		&Nonce{},
	)
}
