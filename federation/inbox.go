package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-json-experiment/json"
	"github.com/quillpub/quill/dialback"
	"github.com/quillpub/quill/fanout"
	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/internal/to"
	"github.com/quillpub/quill/models"
)

// InboxCreate handles an authenticated delivery into a local user's
// inbox. The dialback middleware has already verified the claimed
// identity; here we check the activity's actor actually belongs to that
// identity, deduplicate, write the inbox entry, and hand the activity
// to the distributor for any further local fan-out.
func (svc *Service) InboxCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.UnmarshalFull(r.Body, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := checkActorClaim(r, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	activity, err := svc.EnsureRemoteActivity(r.Context(), body)
	if err != nil {
		svc.logger.Error("ensure remote activity", "err", err)
		if se := new(httpx.StatusError); errors.As(err, &se) {
			http.Error(w, se.Error(), se.Status())
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if name := chi.URLParam(r, "username"); name != "" {
		var user models.User
		err := svc.db.Where("name = ? AND domain = ?", name, svc.domain).First(&user).Error
		if err != nil {
			http.Error(w, "no such user", http.StatusNotFound)
			return
		}
		kind := models.StreamMinor
		if activity.IsMajor() {
			kind = models.StreamMajor
		}
		if err := models.AppendToInbox(svc.db, &user, activity, kind); err != nil {
			svc.logger.Error("inbox write failed", "user", user.Name, "activity", activity.URI, "err", err)
		}
	}

	// group addressing and any other local recipients are resolved by
	// the distributor, detached from this response
	go svc.distributor.DistributeLocal(context.Background(), activity)

	to.ActivityJSON(w, fanout.Wire(activity))
}

// checkActorClaim rejects bodies whose actor does not belong to the
// dialback verified identity.
func checkActorClaim(r *http.Request, body map[string]any) error {
	var actorURI string
	switch v := body["actor"].(type) {
	case string:
		actorURI = v
	case map[string]any:
		actorURI, _ = v["id"].(string)
	}
	if actorURI == "" {
		return errors.New("activity has no actor")
	}
	u, err := url.Parse(actorURI)
	if err != nil {
		return fmt.Errorf("bad actor uri: %w", err)
	}

	var verified string
	if host := dialback.RemoteHost(r); host != "" {
		verified = host
	} else if user := dialback.RemoteUser(r); user != "" {
		verified = hostOf(user)
	} else {
		return errors.New("no verified identity")
	}
	if u.Host != verified {
		return fmt.Errorf("actor %s does not belong to %s", actorURI, verified)
	}
	return nil
}
