package main

import (
	"fmt"
	"time"

	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

type HousekeepingCmd struct {
}

func (c *HousekeepingCmd) Run(ctx *Context) error {
	db, err := ctx.open()
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := models.SweepDialbackState(tx, time.Now()); err != nil {
			return err
		}

		// remote actors nothing refers to any more are dead weight
		res := tx.Exec(`
			DELETE FROM activity_objects
			WHERE local = false
			AND type IN ('person', 'service')
			AND id NOT IN (SELECT actor_id FROM activities)
			AND id NOT IN (SELECT object_id FROM activities)
			AND id NOT IN (SELECT from_id FROM edges)
			AND id NOT IN (SELECT to_id FROM edges)
			AND id NOT IN (SELECT actor_id FROM users)
		`)
		if res.Error != nil {
			return res.Error
		}
		fmt.Println("deleted", res.RowsAffected, "unreferenced remote actors")
		return nil
	})
}
