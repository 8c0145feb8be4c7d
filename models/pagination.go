package models

import (
	"net/http"
	"strconv"

	"gorm.io/gorm"
)

// pagination support for inbox and outbox feeds.

func PaginateInbox(r *http.Request) func(db *gorm.DB) *gorm.DB {
	return paginate(r, "inbox_entries.activity_id")
}

func PaginateOutbox(r *http.Request) func(db *gorm.DB) *gorm.DB {
	return paginate(r, "activities.id")
}

func paginate(r *http.Request, column string) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		q := r.URL.Query()

		limit, _ := strconv.Atoi(q.Get("limit"))
		switch {
		case limit > 40:
			limit = 40
		case limit <= 0:
			limit = 20
		}
		db = db.Limit(limit)

		sinceID, _ := strconv.Atoi(q.Get("since_id"))
		if sinceID > 0 {
			db = db.Where(column+" > ?", sinceID)
		}
		minID, _ := strconv.Atoi(q.Get("min_id"))
		if minID > 0 {
			db = db.Where(column+" > ?", minID)
		}
		maxID, _ := strconv.Atoi(q.Get("max_id"))
		if maxID > 0 {
			db = db.Where(column+" < ?", maxID)
		}
		return db.Order(column + " desc")
	}
}
