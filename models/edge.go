package models

import (
	"time"

	"github.com/quillpub/quill/internal/snowflake"
)

// An Edge records that From follows To. Its primary key is derived from
// the two URIs, so at most one edge can exist per (from, to) pair and
// re-creating an existing edge collides instead of duplicating.
type Edge struct {
	ID        string       `gorm:"primarykey;size:383"`
	FromID    snowflake.ID `gorm:"uniqueIndex:idx_edges_from_to;not null"`
	From      *ActivityObject `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	ToID      snowflake.ID    `gorm:"uniqueIndex:idx_edges_from_to;not null"`
	To        *ActivityObject `gorm:"constraint:OnDelete:CASCADE;<-:false;"`
	Published time.Time
	Updated   time.Time
}

// EdgeID returns the deterministic primary key for a follow from one URI
// to another.
func EdgeID(from, to string) string {
	return from + "→" + to
}

// NewEdge returns an edge recording that from follows to.
func NewEdge(from, to *ActivityObject) *Edge {
	now := time.Now()
	return &Edge{
		ID:        EdgeID(from.URI, to.URI),
		FromID:    from.ID,
		ToID:      to.ID,
		Published: now,
		Updated:   now,
	}
}
