package models

import (
	"github.com/quillpub/quill/internal/snowflake"
	"github.com/quillpub/quill/internal/webfinger"
	"golang.org/x/crypto/bcrypt"
)

// A User is a local account. Every user owns a person ActivityObject
// which is what remote servers see; the user row itself holds the
// credentials that never leave this server.
type User struct {
	ID                snowflake.ID `gorm:"primarykey;autoIncrement:false"`
	Name              string       `gorm:"uniqueIndex:idx_users_name_domain;size:64;not null"`
	Domain            string       `gorm:"uniqueIndex:idx_users_name_domain;size:127;not null"`
	EncryptedPassword []byte       `gorm:"not null"`
	// PEM encoded keypair used to sign outbound fetches.
	PublicKey  []byte `gorm:"not null"`
	PrivateKey []byte `gorm:"not null"`
	ActorID    snowflake.ID
	Actor      *ActivityObject `gorm:"constraint:OnDelete:CASCADE;"`
}

func (u *User) Acct() *webfinger.Acct {
	return &webfinger.Acct{User: u.Name, Host: u.Domain}
}

// URI returns the canonical URI of the user's person object.
func (u *User) URI() string {
	return u.Acct().ID()
}

// KeyID returns the identifier of the user's signing key.
func (u *User) KeyID() string {
	return u.URI() + "#main-key"
}

// CheckPassword compares the given password against the stored hash.
func (u *User) CheckPassword(password string) error {
	return bcrypt.CompareHashAndPassword(u.EncryptedPassword, []byte(password))
}

// HashPassword returns a bcrypt hash suitable for EncryptedPassword.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
