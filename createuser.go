package main

import (
	"errors"
	"strings"

	"github.com/quillpub/quill/internal/crypto"
	"github.com/quillpub/quill/internal/snowflake"
	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

type CreateUserCmd struct {
	Acct     string `required:"" help:"user@domain of the user to create"`
	Password string `required:"" help:"password of the user to create"`
}

func (c *CreateUserCmd) Run(ctx *Context) error {
	db, err := ctx.open()
	if err != nil {
		return err
	}

	name, domain, ok := strings.Cut(c.Acct, "@")
	if !ok {
		return errors.New("acct must be user@domain")
	}

	keypair, err := crypto.GenerateRSAKeypair()
	if err != nil {
		return err
	}
	passwd, err := models.HashPassword(c.Password)
	if err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		actor := &models.ActivityObject{
			ID:          snowflake.Now(),
			URI:         "https://" + domain + "/users/" + name,
			Type:        models.Person,
			DisplayName: name,
			Local:       true,
		}
		if err := tx.Create(actor).Error; err != nil {
			return err
		}
		return tx.Create(&models.User{
			ID:                snowflake.Now(),
			Name:              name,
			Domain:            domain,
			EncryptedPassword: passwd,
			PublicKey:         keypair.PublicKey,
			PrivateKey:        keypair.PrivateKey,
			ActorID:           actor.ID,
			Actor:             actor,
		}).Error
	})
}
