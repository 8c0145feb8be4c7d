package models

import (
	"github.com/quillpub/quill/internal/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// An ActivityObject is any entity an activity can refer to: a person, a
// note, a collection, a group. Objects are stored once and referenced by
// URI everywhere else; readers expand the reference back into the full
// object.
type ActivityObject struct {
	ID          snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	URI         string       `gorm:"uniqueIndex;size:191;not null"`
	Type        ObjectType   `gorm:"not null"`
	DisplayName string       `gorm:"size:255"`
	AuthorID    *snowflake.ID
	Author      *ActivityObject `gorm:"constraint:OnDelete:SET NULL;<-:false;"` // don't update author on object update
	Local       bool            `gorm:"not null;default:false"`
	Properties  map[string]any  `gorm:"serializer:json"`
}

type ObjectType string

const (
	Person     ObjectType = "person"
	Note       ObjectType = "note"
	Collection ObjectType = "collection"
	Group      ObjectType = "group"
	Service    ObjectType = "service"
)

func (ObjectType) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "postgres":
		return "enum('person', 'note', 'collection', 'group', 'service')"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}

// Ref returns the compact reference form of the object, which is how it
// appears inside a persisted activity.
func (o *ActivityObject) Ref() map[string]any {
	return map[string]any{
		"id":         o.URI,
		"objectType": string(o.Type),
	}
}

// Followers returns the URI of the object's followers collection.
func (o *ActivityObject) Followers() string {
	return o.URI + "/followers"
}

// Members returns the URI of a group's member collection.
func (o *ActivityObject) Members() string {
	return o.URI + "/members"
}

// Efface strips the object of its content but keeps the row and its URI,
// leaving a tombstone behind.
func (o *ActivityObject) Efface(tx *gorm.DB) error {
	return tx.Model(o).UpdateColumns(map[string]interface{}{
		"display_name": "",
		"properties":   nil,
	}).Error
}

// FindObjectByURI returns the object with the given URI, if known.
func FindObjectByURI(tx *gorm.DB, uri string) (*ActivityObject, error) {
	var obj ActivityObject
	if err := tx.Where("uri = ?", uri).First(&obj).Error; err != nil {
		return nil, err
	}
	return &obj, nil
}
