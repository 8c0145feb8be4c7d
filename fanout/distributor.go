package fanout

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/quillpub/quill/dialback"
	"github.com/quillpub/quill/models"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// A Deliverer intercepts distribution to a target. Registered
// deliverers are consulted in order before the built-in delivery paths;
// the first one to claim a target handles it alone.
type Deliverer interface {
	// TryDistribute returns true if the deliverer handled delivery of
	// the activity to the target URI.
	TryDistribute(ctx context.Context, target string, activity *models.Activity) (bool, error)
}

// A Notifier is told about newly delivered activities so live
// subscribers can be pushed to, wherever they are connected.
type Notifier interface {
	Update(url string, activity map[string]any)
}

// DeliveryTimeout bounds each outbound delivery; a dead remote server
// costs at most this long.
const DeliveryTimeout = 10 * time.Second

// A Distributor fans a persisted, fully addressed activity out to every
// local inbox and remote server. Callers invoke Distribute on its own
// goroutine; nothing about a delivery failure ever reaches the request
// that created the activity.
type Distributor struct {
	db       *gorm.DB
	logger   *slog.Logger
	domain   string
	resolver *Resolver

	mu         sync.Mutex
	deliverers []Deliverer
	notifier   Notifier

	// post delivers the activity body to a remote inbox URL. Replaced
	// in tests.
	post func(ctx context.Context, inbox string, body map[string]any) error
}

func NewDistributor(db *gorm.DB, logger *slog.Logger, domain string) *Distributor {
	d := &Distributor{
		db:       db,
		logger:   logger,
		domain:   domain,
		resolver: NewResolver(db),
	}
	d.post = d.deliver
	return d
}

func (d *Distributor) Resolver() *Resolver {
	return d.resolver
}

// Register adds a deliverer to the front of the built-in delivery
// paths.
func (d *Distributor) Register(dl Deliverer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverers = append(d.deliverers, dl)
}

// SetNotifier wires the distributor to a dispatcher client.
func (d *Distributor) SetNotifier(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

// Distribute delivers the activity to every recipient. Each local write
// and each remote delivery fails or succeeds on its own; failures are
// logged and contained here.
func (d *Distributor) Distribute(ctx context.Context, activity *models.Activity) {
	d.distribute(ctx, activity, true)
}

// DistributeLocal delivers to local recipients only. Used for
// activities pushed to us by a remote server, which we never forward.
func (d *Distributor) DistributeLocal(ctx context.Context, activity *models.Activity) {
	d.distribute(ctx, activity, false)
}

func (d *Distributor) distribute(ctx context.Context, activity *models.Activity, remote bool) {
	recipients, err := d.resolver.Flatten(ctx, activity)
	if err != nil {
		d.logger.Error("flatten recipients", "activity", activity.URI, "err", err)
		return
	}

	tx := d.db.WithContext(ctx)
	remoteHosts := make(map[string]bool)
	for _, recipient := range recipients {
		if d.tryDeliverers(ctx, recipient.ObjectURI, activity) {
			continue
		}
		user, err := d.localUser(tx, recipient.ObjectURI)
		switch {
		case err == nil:
			if err := models.AppendToInbox(tx, user, activity, streamKind(activity, recipient)); err != nil {
				d.logger.Error("inbox write failed", "user", user.Name, "activity", activity.URI, "err", err)
				continue
			}
			d.notify(user.Acct().Inbox(), activity)
		case isLocal(recipient.ObjectURI, d.domain):
			// a local reference that is not a user inbox; nothing to do
		default:
			if host := uriHost(recipient.ObjectURI); host != "" && remote {
				remoteHosts[host] = true
			}
		}
	}

	// One delivery per distinct remote host, each on its own goroutine.
	// There is no ordering between hosts and no retry; a failed
	// delivery is logged and dropped.
	var wg sync.WaitGroup
	for host := range remoteHosts {
		host := host
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
			defer cancel()
			inbox := "https://" + host + "/inbox"
			if err := d.post(ctx, inbox, Wire(activity)); err != nil {
				d.logger.Error("remote delivery failed", "host", host, "activity", activity.URI, "err", err)
			}
		}()
	}
	wg.Wait()
}

func (d *Distributor) tryDeliverers(ctx context.Context, target string, activity *models.Activity) bool {
	d.mu.Lock()
	deliverers := d.deliverers
	d.mu.Unlock()
	for _, dl := range deliverers {
		handled, err := dl.TryDistribute(ctx, target, activity)
		if err != nil {
			d.logger.Error("deliverer failed", "target", target, "activity", activity.URI, "err", err)
			continue
		}
		if handled {
			return true
		}
	}
	return false
}

func (d *Distributor) notify(url string, activity *models.Activity) {
	d.mu.Lock()
	notifier := d.notifier
	d.mu.Unlock()
	if notifier != nil {
		notifier.Update(url, Wire(activity))
	}
}

// deliver posts the activity JSON to a remote inbox, signed with this
// server's dialback credentials.
func (d *Distributor) deliver(ctx context.Context, inbox string, body map[string]any) error {
	return requests.URL(inbox).
		Header("Content-Type", "application/json").
		BodyJSON(body).
		Transport(dialback.NewHostSigner(d.db, d.domain)).
		CheckStatus(http.StatusOK, http.StatusCreated, http.StatusAccepted).
		Fetch(ctx)
}

func (d *Distributor) localUser(tx *gorm.DB, uri string) (*models.User, error) {
	var user models.User
	err := tx.Joins("JOIN activity_objects ON activity_objects.id = users.actor_id").
		Where("activity_objects.uri = ?", uri).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func streamKind(activity *models.Activity, recipient models.Recipient) models.StreamKind {
	switch {
	case recipient.Direct && !activity.IsPublic():
		return models.StreamDirect
	case activity.IsMajor():
		return models.StreamMajor
	default:
		return models.StreamMinor
	}
}

// Wire is the JSON form sent to remote servers and live
// subscribers. bto and bcc never go over the wire.
func Wire(a *models.Activity) map[string]any {
	body := map[string]any{
		"id":        a.URI,
		"verb":      string(a.Verb),
		"published": a.Published.UTC().Format(time.RFC3339),
		"updated":   a.Updated.UTC().Format(time.RFC3339),
	}
	if a.Actor != nil {
		body["actor"] = a.Actor.Ref()
	}
	if a.Object != nil {
		obj := a.Object.Ref()
		for k, v := range a.Object.Properties {
			obj[k] = v
		}
		body["object"] = obj
	}
	if a.Target != nil {
		body["target"] = a.Target.Ref()
	}
	if len(a.To) > 0 {
		body["to"] = a.To
	}
	if len(a.CC) > 0 {
		body["cc"] = a.CC
	}
	return body
}

func isLocal(uri, domain string) bool {
	return uriHost(uri) == domain
}

func uriHost(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
