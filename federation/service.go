// Package federation handles inbound federation traffic: authenticated
// deliveries into local inboxes, deduplication of concurrently pushed
// remote activities, and the collection feeds remote servers read.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quillpub/quill/fanout"
	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/internal/snowflake"
	"github.com/quillpub/quill/models"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// Service implements the inbound half of federation.
type Service struct {
	db          *gorm.DB
	logger      *slog.Logger
	domain      string
	locks       *Keyed
	distributor *fanout.Distributor
}

func NewService(db *gorm.DB, logger *slog.Logger, domain string, distributor *fanout.Distributor) *Service {
	return &Service{
		db:          db,
		logger:      logger,
		domain:      domain,
		locks:       NewKeyed(),
		distributor: distributor,
	}
}

// EnsureRemoteActivity persists an activity pushed to us by a remote
// server, at most once per activity URI. Concurrent deliveries of the
// same URI serialize on a per-URI lock; whichever gets there first
// persists, the rest observe the existing record. Lock acquisition is
// retried once before giving up.
func (svc *Service) EnsureRemoteActivity(ctx context.Context, props map[string]any) (*models.Activity, error) {
	uri, _ := props["id"].(string)
	if uri == "" {
		return nil, httpx.Error(http.StatusBadRequest, errors.New("activity has no id"))
	}

	release, err := svc.locks.Acquire(ctx, uri)
	if err != nil {
		// one retry bounds worst case latency while riding out a
		// transient contention blip
		release, err = svc.locks.Acquire(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("acquire activity lock: %w", err)
		}
	}
	defer release()

	if existing, err := models.FindActivityByURI(svc.db.WithContext(ctx), uri); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	activity, err := svc.activityFromProps(ctx, props)
	if err != nil {
		return nil, err
	}
	if err := svc.db.WithContext(ctx).Create(activity).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// another worker process won the race; ours lost, theirs is
			// the record
			return models.FindActivityByURI(svc.db.WithContext(ctx), uri)
		}
		return nil, err
	}
	if err := svc.applyVerb(ctx, activity); err != nil {
		// the activity is already persisted; a failed side effect must
		// not fail the delivery
		svc.logger.Error("activity side effect failed", "activity", activity.URI, "verb", activity.Verb, "err", err)
	}
	return activity, nil
}

// applyVerb maintains the relations a freshly persisted remote activity
// implies: follows and unfollows keep the edges table current.
func (svc *Service) applyVerb(ctx context.Context, activity *models.Activity) error {
	tx := svc.db.WithContext(ctx)
	switch activity.Verb {
	case models.VerbFollow:
		edge := models.NewEdge(activity.Actor, activity.Object)
		if err := tx.Create(edge).Error; err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	case models.VerbUnfollow:
		return tx.Delete(&models.Edge{}, "id = ?", models.EdgeID(activity.Actor.URI, activity.Object.URI)).Error
	}
	return nil
}

// activityFromProps validates the raw activity body and builds the
// model, creating referenced objects as needed.
func (svc *Service) activityFromProps(ctx context.Context, props map[string]any) (*models.Activity, error) {
	tx := svc.db.WithContext(ctx)

	uri, _ := props["id"].(string)
	verb, _ := props["verb"].(string)
	if verb == "" {
		return nil, httpx.Error(http.StatusBadRequest, errors.New("activity has no verb"))
	}
	actor, err := svc.objectFromRef(tx, props["actor"], models.Person)
	if err != nil {
		return nil, httpx.Error(http.StatusBadRequest, fmt.Errorf("bad actor: %w", err))
	}
	object, err := svc.objectFromRef(tx, props["object"], models.Note)
	if err != nil {
		return nil, httpx.Error(http.StatusBadRequest, fmt.Errorf("bad object: %w", err))
	}

	now := time.Now()
	published := parseTime(props["published"], now)
	activity := &models.Activity{
		ID:        snowflake.FromTime(published),
		URI:       uri,
		ActorID:   actor.ID,
		Actor:     actor,
		Verb:      models.Verb(verb),
		ObjectID:  object.ID,
		Object:    object,
		To:        stringList(props["to"]),
		CC:        stringList(props["cc"]),
		Published: published,
		Updated:   parseTime(props["updated"], published),
		Received:  &now,
	}
	if target, ok := props["target"]; ok {
		obj, err := svc.objectFromRef(tx, target, models.Note)
		if err != nil {
			return nil, httpx.Error(http.StatusBadRequest, fmt.Errorf("bad target: %w", err))
		}
		activity.TargetID = &obj.ID
		activity.Target = obj
	}
	return activity, nil
}

// objectFromRef resolves a reference, either a bare URI string or a
// {id, objectType, ...} map, into a stored object, creating a stub for
// objects we have not seen before.
func (svc *Service) objectFromRef(tx *gorm.DB, ref any, fallback models.ObjectType) (*models.ActivityObject, error) {
	var uri string
	typ := fallback
	props := map[string]any(nil)
	switch v := ref.(type) {
	case string:
		uri = v
	case map[string]any:
		uri, _ = v["id"].(string)
		if t, ok := v["objectType"].(string); ok && t != "" {
			typ = models.ObjectType(t)
		}
		props = v
	}
	if uri == "" {
		return nil, errors.New("reference has no id")
	}

	obj, err := models.FindObjectByURI(tx, uri)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	obj = &models.ActivityObject{
		ID:         snowflake.Now(),
		URI:        uri,
		Type:       typ,
		Properties: props,
	}
	if name, ok := props["displayName"].(string); ok {
		obj.DisplayName = name
	}
	if err := tx.Create(obj).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.FindObjectByURI(tx, uri)
		}
		return nil, err
	}
	return obj, nil
}

// hostOf returns the host part of a webfinger address or URI host.
func hostOf(identity string) string {
	if _, host, ok := strings.Cut(identity, "@"); ok {
		return host
	}
	return identity
}

func parseTime(v any, fallback time.Time) time.Time {
	s, _ := v.(string)
	if s == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return ts
}

func stringList(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{vs}
	default:
		return nil
	}
}
