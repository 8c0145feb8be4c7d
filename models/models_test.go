package models

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/quillpub/quill/internal/crypto"
	"github.com/quillpub/quill/internal/snowflake"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// WithType sets the type of an object.
func WithType(t ObjectType) func(*ActivityObject) {
	return func(o *ActivityObject) {
		o.Type = t
	}
}

// MockPerson creates a new person object in the database.
func MockPerson(t *testing.T, tx *gorm.DB, name, domain string, opts ...func(*ActivityObject)) *ActivityObject {
	t.Helper()
	require := require.New(t)

	obj := &ActivityObject{
		ID:          snowflake.Now(),
		URI:         fmt.Sprintf("https://%s/users/%s", domain, name),
		Type:        Person,
		DisplayName: name,
	}
	for _, opt := range opts {
		opt(obj)
	}
	require.NoError(tx.Create(obj).Error)
	return obj
}

// MockUser creates a local user and its person object in the database.
func MockUser(t *testing.T, tx *gorm.DB, name, domain string) *User {
	t.Helper()
	require := require.New(t)

	kp, err := crypto.GenerateRSAKeypair()
	require.NoError(err)

	hash, err := HashPassword("hunter2")
	require.NoError(err)

	actor := MockPerson(t, tx, name, domain)
	actor.Local = true
	require.NoError(tx.Model(actor).UpdateColumn("local", true).Error)

	user := &User{
		ID:                snowflake.Now(),
		Name:              name,
		Domain:            domain,
		EncryptedPassword: hash,
		PublicKey:         kp.PublicKey,
		PrivateKey:        kp.PrivateKey,
		ActorID:           actor.ID,
		Actor:             actor,
	}
	require.NoError(tx.Create(user).Error)
	return user
}

// MockNote creates a note object authored by the given person.
func MockNote(t *testing.T, tx *gorm.DB, author *ActivityObject, content string) *ActivityObject {
	t.Helper()
	require := require.New(t)

	id := snowflake.Now()
	note := &ActivityObject{
		ID:       id,
		URI:      fmt.Sprintf("%s/notes/%d", author.URI, id),
		Type:     Note,
		AuthorID: &author.ID,
		Properties: map[string]any{
			"content": content,
		},
	}
	require.NoError(tx.Create(note).Error)
	return note
}

// MockActivity creates a post activity with the given addressing.
func MockActivity(t *testing.T, tx *gorm.DB, actor *ActivityObject, to, cc []string) *Activity {
	t.Helper()
	require := require.New(t)

	note := MockNote(t, tx, actor, "hello world")
	id := snowflake.Now()
	activity := &Activity{
		ID:        id,
		URI:       fmt.Sprintf("%s/activities/%d", actor.URI, id),
		ActorID:   actor.ID,
		Verb:      VerbPost,
		ObjectID:  note.ID,
		To:        to,
		CC:        cc,
		Published: id.ToTime(),
		Updated:   id.ToTime(),
	}
	require.NoError(tx.Create(activity).Error)
	activity.Actor = actor
	activity.Object = note
	return activity
}

// MockEdge records that from follows to.
func MockEdge(t *testing.T, tx *gorm.DB, from, to *ActivityObject) *Edge {
	t.Helper()
	require := require.New(t)

	edge := NewEdge(from, to)
	require.NoError(tx.Create(edge).Error)
	return edge
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require := require.New(t)
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	require.NoError(err)
	require.NoError(db.Exec("PRAGMA foreign_keys = ON").Error)
	require.NoError(AutoMigrate(db))
	return db
}
