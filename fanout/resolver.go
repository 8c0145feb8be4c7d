// Package fanout implements recipient resolution and activity
// distribution: expanding an activity's addressing into concrete
// recipients, writing local inboxes, and pushing to remote servers.
package fanout

import (
	"context"
	"errors"
	"strings"

	"github.com/quillpub/quill/internal/algorithms"
	"github.com/quillpub/quill/internal/snowflake"
	"github.com/quillpub/quill/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// A Resolver expands author supplied addressing into concrete
// recipients. Collection membership is snapshotted into recipient rows
// the first time an activity is flattened; after that the snapshot is
// authoritative, so membership changes never retroactively change who
// could read an activity.
type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

// EnsureRecipients fills in default addressing for an activity with no
// explicit audience: it is addressed to the actor's followers
// collection. Idempotent.
func (r *Resolver) EnsureRecipients(ctx context.Context, activity *models.Activity) error {
	if len(activity.To) > 0 || len(activity.CC) > 0 || len(activity.BTo) > 0 || len(activity.BCC) > 0 {
		return nil
	}
	actor := activity.Actor
	if actor == nil {
		var err error
		actor, err = findObjectByID(r.db.WithContext(ctx), activity.ActorID)
		if err != nil {
			return err
		}
		activity.Actor = actor
	}
	activity.To = []string{actor.Followers()}
	return nil
}

// Flatten returns the concrete recipient set of the activity, expanding
// collections by membership lookup. The first call records the snapshot;
// later calls return the recorded rows unchanged.
func (r *Resolver) Flatten(ctx context.Context, activity *models.Activity) ([]models.Recipient, error) {
	tx := r.db.WithContext(ctx)

	flattened, err := isFlattened(tx, activity.ID)
	if err != nil {
		return nil, err
	}
	if flattened {
		var existing []models.Recipient
		if err := tx.Where("activity_id = ?", activity.ID).Find(&existing).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}

	direct := make(map[string]bool)
	for _, uri := range append(append([]string{}, activity.To...), activity.BTo...) {
		direct[uri] = true
	}

	seen := make(map[string]bool)
	var recipients []models.Recipient
	add := func(uri string, isDirect bool) {
		if uri == models.PublicAudience || seen[uri] {
			return
		}
		seen[uri] = true
		recipients = append(recipients, models.Recipient{
			ActivityID: activity.ID,
			ObjectURI:  uri,
			Direct:     isDirect,
		})
	}

	for _, addr := range activity.Addresses() {
		if addr == models.PublicAudience {
			continue
		}
		obj, err := models.FindObjectByURI(tx, addr)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A reference we have never seen. A followers collection of
			// a known person can still be expanded; anything else
			// degrades to a plain (possibly remote) recipient.
			if owner, ok := collectionOwner(tx, addr); ok {
				if err := r.addMembers(tx, owner, add); err != nil {
					return nil, err
				}
				continue
			}
			add(addr, direct[addr])
			continue
		}
		if err != nil {
			return nil, err
		}
		switch obj.Type {
		case models.Person, models.Service:
			add(obj.URI, direct[addr])
		case models.Group:
			add(obj.URI, direct[addr])
			if err := r.addMembers(tx, obj, add); err != nil {
				return nil, err
			}
		case models.Collection:
			if owner, ok := collectionOwner(tx, addr); ok {
				if err := r.addMembers(tx, owner, add); err != nil {
					return nil, err
				}
			}
			// an unownable collection degrades to no recipients
		default:
			// notes and the like are not deliverable
		}
	}

	// Record the snapshot and mark the activity flattened in one
	// transaction. An empty snapshot is still a snapshot: later
	// membership changes must not reopen the addressing.
	err = tx.Transaction(func(tx *gorm.DB) error {
		if len(recipients) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&recipients).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Activity{}).Where("id = ?", activity.ID).
			UpdateColumn("flattened", true).Error
	})
	if err != nil {
		return nil, err
	}
	activity.Flattened = true
	return recipients, nil
}

// CheckRecipient reports whether the candidate, or the public when the
// candidate is nil, may read the activity. Once the activity has been
// flattened the snapshot is the only authority, even when it is empty;
// before distribution the check resolves live membership. Dangling
// references are not recipients, never errors.
func (r *Resolver) CheckRecipient(ctx context.Context, activity *models.Activity, candidate *models.ActivityObject) (bool, error) {
	if candidate == nil {
		return activity.IsPublic(), nil
	}
	if activity.IsPublic() {
		return true, nil
	}
	if algorithms.Contains(activity.Addresses(), candidate.URI) {
		return true, nil
	}

	tx := r.db.WithContext(ctx)

	flattened, err := isFlattened(tx, activity.ID)
	if err != nil {
		return false, err
	}
	if flattened {
		var hit int64
		err := tx.Model(&models.Recipient{}).
			Where("activity_id = ? AND object_uri = ?", activity.ID, candidate.URI).
			Count(&hit).Error
		return hit > 0, err
	}

	// No snapshot yet: resolve collections live.
	for _, addr := range activity.Addresses() {
		owner, ok := collectionOwner(tx, addr)
		if !ok {
			continue
		}
		var hit int64
		err := tx.Model(&models.Edge{}).
			Where("from_id = ? AND to_id = ?", candidate.ID, owner.ID).
			Count(&hit).Error
		if err != nil {
			return false, err
		}
		if hit > 0 {
			return true, nil
		}
	}
	return false, nil
}

// addMembers adds every follower or group member of owner as an
// indirect recipient.
func (r *Resolver) addMembers(tx *gorm.DB, owner *models.ActivityObject, add func(string, bool)) error {
	var members []models.ActivityObject
	err := tx.Joins("JOIN edges ON edges.from_id = activity_objects.id").
		Where("edges.to_id = ?", owner.ID).
		Find(&members).Error
	if err != nil {
		return err
	}
	for _, m := range members {
		add(m.URI, false)
	}
	return nil
}

// collectionOwner maps a followers or members collection URI to the
// object that owns it, if that object is known.
func collectionOwner(tx *gorm.DB, uri string) (*models.ActivityObject, bool) {
	ownerURI, ok := strings.CutSuffix(uri, "/followers")
	if !ok {
		ownerURI, ok = strings.CutSuffix(uri, "/members")
	}
	if !ok {
		return nil, false
	}
	owner, err := models.FindObjectByURI(tx, ownerURI)
	if err != nil {
		return nil, false
	}
	return owner, true
}

// isFlattened reports whether the activity's recipient snapshot has
// been recorded. Unknown activities count as not flattened.
func isFlattened(tx *gorm.DB, id snowflake.ID) (bool, error) {
	var activity models.Activity
	err := tx.Select("flattened").First(&activity, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return activity.Flattened, nil
}

func findObjectByID(tx *gorm.DB, id snowflake.ID) (*models.ActivityObject, error) {
	var obj models.ActivityObject
	if err := tx.First(&obj, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &obj, nil
}
