package models

import (
	"time"

	"github.com/quillpub/quill/internal/algorithms"
	"github.com/quillpub/quill/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// PublicAudience is the marker URI addressing an activity to the world at
// large. It never receives direct delivery; public activities are
// discoverable through public feeds instead.
const PublicAudience = "http://activityschema.org/collection/public"

// An Activity is one user action: a post, a follow, a like, a share. Its
// addressing fields are computed once, when the activity is persisted,
// and are never recomputed afterwards; the Recipients rows record the
// collection membership as it stood at fan-out time.
type Activity struct {
	ID       snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	URI      string       `gorm:"uniqueIndex;size:191;not null"`
	ActorID  snowflake.ID `gorm:"not null"`
	Actor    *ActivityObject `gorm:"constraint:OnDelete:CASCADE;<-:false;"` // don't update actor on activity update
	Verb     Verb            `gorm:"not null"`
	ObjectID snowflake.ID    `gorm:"not null"`
	Object   *ActivityObject `gorm:"constraint:OnDelete:CASCADE;"`
	TargetID *snowflake.ID
	Target   *ActivityObject `gorm:"constraint:OnDelete:SET NULL;<-:false;"`

	To  []string `gorm:"serializer:json"`
	CC  []string `gorm:"serializer:json"`
	BTo []string `gorm:"serializer:json"`
	BCC []string `gorm:"serializer:json"`

	Published time.Time
	Updated   time.Time
	// Received is set on activities pushed to us by a remote server.
	Received *time.Time
	// Flattened is set once the recipient snapshot has been recorded,
	// even when that snapshot is empty.
	Flattened bool `gorm:"not null;default:false"`

	Recipients []Recipient `gorm:"constraint:OnDelete:CASCADE;"`
}

type Verb string

const (
	VerbPost   Verb = "post"
	VerbShare  Verb = "share"
	VerbFollow Verb = "follow"
	VerbUnfollow Verb = "stop-following"
	VerbLike   Verb = "like"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

func (Verb) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "postgres":
		return "enum('post', 'share', 'follow', 'stop-following', 'like', 'update', 'delete')"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}

// IsMajor reports whether the activity lands in the major stream of an
// inbox. Posts and shares are major; follows, likes and the rest are
// minor bookkeeping.
func (a *Activity) IsMajor() bool {
	switch a.Verb {
	case VerbPost, VerbShare:
		return true
	default:
		return false
	}
}

// Addresses returns the flattened, deduplicated union of the activity's
// addressing fields.
func (a *Activity) Addresses() []string {
	var all []string
	all = append(all, a.To...)
	all = append(all, a.CC...)
	all = append(all, a.BTo...)
	all = append(all, a.BCC...)
	return algorithms.Uniq(all)
}

// IsPublic reports whether the activity is addressed to the public
// audience.
func (a *Activity) IsPublic() bool {
	return algorithms.Contains(a.Addresses(), PublicAudience)
}

// Efface strips the activity's object of its content but keeps both rows
// and their URIs.
func (a *Activity) Efface(tx *gorm.DB) error {
	if a.Object != nil {
		if err := a.Object.Efface(tx); err != nil {
			return err
		}
	}
	return tx.Model(a).UpdateColumns(map[string]interface{}{
		"updated": time.Now(),
	}).Error
}

// A Recipient is one row of the flattened delivery snapshot taken when
// an activity was distributed. Collection membership is expanded into
// these rows at fan-out time, so later reads see the membership as
// addressed, not as it stands now.
type Recipient struct {
	ActivityID snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	ObjectURI  string       `gorm:"primarykey;size:191"`
	// Direct marks recipients named in to/bto, as opposed to those
	// reached through a collection.
	Direct bool `gorm:"not null;default:false"`
}

// FindActivityByURI returns the activity with the given URI, if known.
func FindActivityByURI(tx *gorm.DB, uri string) (*Activity, error) {
	var activity Activity
	if err := tx.Preload("Actor").Preload("Object").Where("uri = ?", uri).First(&activity).Error; err != nil {
		return nil, err
	}
	return &activity, nil
}
