package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/quillpub/quill/fanout"
	"github.com/quillpub/quill/federation"
	"github.com/quillpub/quill/internal/snowflake"
	"github.com/quillpub/quill/internal/webfinger"
	"github.com/quillpub/quill/models"
)

type FollowCmd struct {
	Actor  string `required:"" help:"user@domain of the local user that follows"`
	Object string `required:"" help:"acct or URI of the actor to follow"`
}

func (f *FollowCmd) Run(ctx *Context) error {
	db, err := ctx.open()
	if err != nil {
		return err
	}

	name, domain, ok := strings.Cut(f.Actor, "@")
	if !ok {
		return errors.New("actor must be user@domain")
	}
	var user models.User
	if err := db.Joins("Actor").First(&user, "name = ? AND domain = ?", name, domain).Error; err != nil {
		return err
	}

	uri, err := resolveObject(context.Background(), f.Object)
	if err != nil {
		return err
	}
	target, err := fetchActor(context.Background(), db, &user, uri)
	if err != nil {
		return err
	}

	edge := models.NewEdge(user.Actor, target)
	if err := db.Create(edge).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	now := time.Now()
	activity := &models.Activity{
		ID:        snowflake.Now(),
		URI:       fmt.Sprintf("https://%s/activity/%s", user.Domain, uuid.NewString()),
		ActorID:   user.Actor.ID,
		Actor:     user.Actor,
		Verb:      models.VerbFollow,
		ObjectID:  target.ID,
		Object:    target,
		To:        []string{target.URI},
		Published: now,
		Updated:   now,
	}
	if err := db.Create(activity).Error; err != nil {
		return err
	}

	distributor := fanout.NewDistributor(db, ctx.Logger, user.Domain)
	distributor.Distribute(context.Background(), activity)
	return nil
}

// resolveObject turns an acct style address into an actor URI via
// webfinger. URIs pass through untouched.
func resolveObject(ctx context.Context, object string) (string, error) {
	if strings.HasPrefix(object, "https://") || strings.HasPrefix(object, "http://") {
		return object, nil
	}
	acct, err := webfinger.Parse(object)
	if err != nil {
		return "", err
	}
	jrd, err := acct.Fetch(ctx)
	if err != nil {
		return "", err
	}
	return jrd.ActivityStreams()
}

// fetchActor returns our record of the remote actor, fetching their
// profile document the first time we meet them.
func fetchActor(ctx context.Context, db *gorm.DB, signAs *models.User, uri string) (*models.ActivityObject, error) {
	obj, err := models.FindObjectByURI(db, uri)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	client, err := federation.NewClient(signAs)
	if err != nil {
		return nil, err
	}
	var props map[string]any
	if err := client.Fetch(ctx, uri, &props); err != nil {
		return nil, err
	}

	obj = &models.ActivityObject{
		ID:         snowflake.Now(),
		URI:        uri,
		Type:       models.Person,
		Properties: props,
	}
	if name, ok := props["displayName"].(string); ok {
		obj.DisplayName = name
	}
	if err := db.Create(obj).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.FindObjectByURI(db, uri)
		}
		return nil, err
	}
	return obj, nil
}
