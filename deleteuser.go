package main

import (
	"strings"

	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

type DeleteUserCmd struct {
	Acct string `required:"" help:"user@domain of the user to delete"`
}

func (d *DeleteUserCmd) Run(ctx *Context) error {
	db, err := ctx.open()
	if err != nil {
		return err
	}

	name, domain, _ := strings.Cut(d.Acct, "@")
	return db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Joins("Actor").First(&user, "name = ? AND domain = ?", name, domain).Error; err != nil {
			return err
		}

		// tombstone the actor so remote references keep resolving,
		// then drop the credentials
		if err := user.Actor.Efface(tx); err != nil {
			return err
		}
		return tx.Delete(&user).Error
	})
}
