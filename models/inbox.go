package models

import (
	"errors"

	"github.com/quillpub/quill/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// An InboxEntry is one activity reference in a user's inbox stream. The
// unique index on (user, activity) makes delivery idempotent: fanning
// the same activity out twice leaves a single entry. Entries sort by
// ActivityID, which is creation ordered, so an inbox reads in
// non-decreasing creation order regardless of delivery timing.
type InboxEntry struct {
	ID         snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	UserID     snowflake.ID `gorm:"uniqueIndex:idx_inbox_user_activity;not null"`
	User       *User        `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	ActivityID snowflake.ID `gorm:"uniqueIndex:idx_inbox_user_activity;not null"`
	Activity   *Activity    `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	Kind       StreamKind   `gorm:"not null"`
}

type StreamKind string

const (
	StreamMajor  StreamKind = "major"
	StreamMinor  StreamKind = "minor"
	StreamDirect StreamKind = "direct"
)

func (StreamKind) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "postgres":
		return "enum('major', 'minor', 'direct')"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}

// AppendToInbox writes an activity reference into a user's inbox. It is
// a no-op if the activity is already present.
func AppendToInbox(tx *gorm.DB, user *User, activity *Activity, kind StreamKind) error {
	entry := &InboxEntry{
		ID:         snowflake.Now(),
		UserID:     user.ID,
		ActivityID: activity.ID,
		Kind:       kind,
	}
	err := tx.Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}
