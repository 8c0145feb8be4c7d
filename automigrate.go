package main

import (
	"github.com/quillpub/quill/models"
)

type AutoMigrateCmd struct {
}

func (a *AutoMigrateCmd) Run(ctx *Context) error {
	db, err := ctx.open()
	if err != nil {
		return err
	}
	return models.AutoMigrate(db)
}
