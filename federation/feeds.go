package federation

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/quillpub/quill/fanout"
	"github.com/quillpub/quill/internal/algorithms"
	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/internal/to"
	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
)

// Outbox serves a user's activity feed as an ordered collection. The
// unauthenticated caller sees public activities; a caller who proves a
// local identity with basic auth sees what that identity was addressed.
func Outbox(env *models.Env, w http.ResponseWriter, r *http.Request) error {
	user, err := feedUser(env, r)
	if err != nil {
		return err
	}
	if !pageRequested(r) {
		var count int64
		err := env.DB.Model(&models.Activity{}).Where("actor_id = ?", user.ActorID).Count(&count).Error
		if err != nil {
			return err
		}
		return collectionIndex(w, r, count)
	}

	var activities []*models.Activity
	err = env.DB.Scopes(models.PaginateOutbox(r)).
		Preload("Actor").Preload("Object").Preload("Target").
		Where("actor_id = ?", user.ActorID).
		Find(&activities).Error
	if err != nil {
		return err
	}
	visible, err := visibleTo(env, r, activities)
	if err != nil {
		return err
	}
	return collectionPage(w, r, visible)
}

// Inbox serves a user's inbox stream. Only the user may read it.
func Inbox(env *models.Env, w http.ResponseWriter, r *http.Request) error {
	user, err := feedUser(env, r)
	if err != nil {
		return err
	}
	viewer, err := authenticatedActor(env, r)
	if err != nil {
		return err
	}
	if viewer == nil || viewer.ID != user.ActorID {
		return httpx.Error(http.StatusUnauthorized, errors.New("inbox is private"))
	}
	if !pageRequested(r) {
		var count int64
		err := env.DB.Model(&models.InboxEntry{}).Where("user_id = ?", user.ID).Count(&count).Error
		if err != nil {
			return err
		}
		return collectionIndex(w, r, count)
	}

	var entries []*models.InboxEntry
	err = env.DB.Scopes(models.PaginateInbox(r)).
		Preload("Activity").Preload("Activity.Actor").Preload("Activity.Object").
		Where("user_id = ?", user.ID).
		Find(&entries).Error
	if err != nil {
		return err
	}
	activities := algorithms.Map(entries, func(e *models.InboxEntry) *models.Activity { return e.Activity })
	return collectionPage(w, r, activities)
}

// UserShow serves the person document for a local user.
func UserShow(env *models.Env, w http.ResponseWriter, r *http.Request) error {
	user, err := feedUser(env, r)
	if err != nil {
		return err
	}
	var actor models.ActivityObject
	if err := env.DB.First(&actor, "id = ?", user.ActorID).Error; err != nil {
		return err
	}
	doc := actor.Ref()
	doc["displayName"] = actor.DisplayName
	doc["followers"] = actor.Followers()
	doc["links"] = map[string]any{
		"activity-inbox":  map[string]any{"href": user.Acct().Inbox()},
		"activity-outbox": map[string]any{"href": user.Acct().Outbox()},
	}
	return to.ActivityJSON(w, doc)
}

func feedUser(env *models.Env, r *http.Request) (*models.User, error) {
	name := chi.URLParam(r, "username")
	var user models.User
	err := env.DB.Where("name = ? AND domain = ?", name, r.Host).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, httpx.Error(http.StatusNotFound, fmt.Errorf("no such user: %s", name))
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// authenticatedActor returns the actor of the local user identified by
// basic auth credentials, or nil when the request is anonymous.
func authenticatedActor(env *models.Env, r *http.Request) (*models.ActivityObject, error) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}
	var user models.User
	err := env.DB.Preload("Actor").Where("name = ? AND domain = ?", name, r.Host).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, httpx.Error(http.StatusUnauthorized, errors.New("bad credentials"))
	}
	if err != nil {
		return nil, err
	}
	if err := user.CheckPassword(password); err != nil {
		return nil, httpx.Error(http.StatusUnauthorized, errors.New("bad credentials"))
	}
	return user.Actor, nil
}

// visibleTo filters activities down to what the request's viewer may
// read, using the frozen recipient snapshots.
func visibleTo(env *models.Env, r *http.Request, activities []*models.Activity) ([]*models.Activity, error) {
	viewer, err := authenticatedActor(env, r)
	if err != nil {
		return nil, err
	}
	resolver := fanout.NewResolver(env.DB)
	var visible []*models.Activity
	for _, activity := range activities {
		ok, err := resolver.CheckRecipient(r.Context(), activity, viewer)
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, activity)
		}
	}
	return visible, nil
}

func pageRequested(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("page"))
	return v
}

func collectionIndex(w http.ResponseWriter, r *http.Request, count int64) error {
	return to.ActivityJSON(w, map[string]any{
		"id":         fmt.Sprintf("https://%s%s", r.Host, r.URL.Path),
		"objectType": "collection",
		"totalItems": count,
		"first":      fmt.Sprintf("https://%s%s?page=true", r.Host, r.URL.Path),
	})
}

func collectionPage(w http.ResponseWriter, r *http.Request, activities []*models.Activity) error {
	resp := map[string]any{
		"id":         r.URL.String(),
		"objectType": "collection-page",
		"partOf":     fmt.Sprintf("https://%s%s", r.Host, r.URL.Path),
	}
	if len(activities) > 0 {
		resp["next"] = fmt.Sprintf("https://%s%s?max_id=%d&page=true", r.Host, r.URL.Path, uint64(activities[len(activities)-1].ID))
		resp["prev"] = fmt.Sprintf("https://%s%s?min_id=%d&page=true", r.Host, r.URL.Path, uint64(activities[0].ID))
	}
	resp["items"] = algorithms.Map(activities, fanout.Wire)
	return to.ActivityJSON(w, resp)
}
