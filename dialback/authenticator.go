package dialback

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/quillpub/quill/internal/webfinger"
	"github.com/quillpub/quill/models"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// Window is how far an inbound request's Date header may differ from
// server time before the request is rejected.
const Window = 5 * time.Minute

type contextKey string

const (
	remoteHostKey contextKey = "dialback.remoteHost"
	remoteUserKey contextKey = "dialback.remoteUser"
)

// RemoteHost returns the dialback verified host of the request, if any.
func RemoteHost(r *http.Request) string {
	host, _ := r.Context().Value(remoteHostKey).(string)
	return host
}

// WithRemoteHost marks ctx as carrying a verified host identity.
func WithRemoteHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, remoteHostKey, host)
}

// WithRemoteUser marks ctx as carrying a verified webfinger identity.
func WithRemoteUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, remoteUserKey, user)
}

// RemoteUser returns the dialback verified webfinger address of the
// request, if any.
func RemoteUser(r *http.Request) string {
	user, _ := r.Context().Value(remoteUserKey).(string)
	return user
}

// An Authenticator verifies inbound dialback claims. Discovery and
// verification calls go out over HTTP with a bounded timeout; both are
// replaceable for testing.
type Authenticator struct {
	db     *gorm.DB
	logger *slog.Logger

	// Window overrides the default timestamp window when non-zero.
	Window time.Duration

	discover func(ctx context.Context, auth *Authorization) (string, error)
	verify   func(ctx context.Context, endpoint string, form url.Values) error
}

func NewAuthenticator(db *gorm.DB, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		db:       db,
		logger:   logger,
		discover: discoverEndpoint,
		verify:   verifyToken,
	}
}

func (a *Authenticator) window() time.Duration {
	if a.Window > 0 {
		return a.Window
	}
	return Window
}

// Middleware authenticates the request's dialback claim and attaches
// the verified identity to the request context. Any failure, including
// discovery failure, is a 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, err := a.check(r)
		if err != nil {
			a.logger.Info("dialback authentication failed", "url", r.URL.String(), "err", err)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		endpoint, err := a.discover(ctx, auth)
		if err != nil {
			a.logger.Info("dialback discovery failed", "identity", auth.Identity(), "err", err)
			http.Error(w, "dialback discovery failed", http.StatusUnauthorized)
			return
		}
		form := url.Values{
			"token": {auth.Token},
			"url":   {requestURL(r)},
			"date":  {r.Header.Get("Date")},
		}
		if auth.Host != "" {
			form.Set("host", auth.Host)
		} else {
			form.Set("webfinger", auth.Webfinger)
		}
		if err := a.verify(ctx, endpoint, form); err != nil {
			a.logger.Info("dialback verification failed", "identity", auth.Identity(), "endpoint", endpoint, "err", err)
			http.Error(w, "dialback verification failed", http.StatusUnauthorized)
			return
		}
		rctx := r.Context()
		if auth.Host != "" {
			rctx = WithRemoteHost(rctx, auth.Host)
		} else {
			rctx = WithRemoteUser(rctx, auth.Webfinger)
		}
		next.ServeHTTP(w, r.WithContext(rctx))
	})
}

// check performs the local, network free part of authentication: header
// parsing, timestamp window enforcement and the replay check. The nonce
// is recorded before any verification round trip begins, which closes
// the race where two replays of the same request both pass the
// not-seen check.
func (a *Authenticator) check(r *http.Request) (*Authorization, error) {
	auth, err := ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	dateHeader := r.Header.Get("Date")
	if dateHeader == "" {
		return nil, errors.New("no date header")
	}
	date, err := http.ParseTime(dateHeader)
	if err != nil {
		return nil, err
	}
	if d := time.Since(date); d > a.window() || d < -a.window() {
		return nil, errors.New("date header outside window")
	}
	nonce := &models.Nonce{
		Identity: auth.Identity(),
		URL:      requestURL(r),
		Token:    auth.Token,
		Date:     date.UnixMilli(),
	}
	if err := a.db.Create(nonce).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errors.New("replayed dialback request")
		}
		return nil, err
	}
	return auth, nil
}

func requestURL(r *http.Request) string {
	return "https://" + r.Host + r.URL.RequestURI()
}

// discoverEndpoint finds the claimant's dialback verification endpoint
// from its host-meta or webfinger document.
func discoverEndpoint(ctx context.Context, auth *Authorization) (string, error) {
	if auth.Host != "" {
		jrd, err := webfinger.HostMeta(ctx, auth.Host)
		if err != nil {
			return "", err
		}
		return jrd.Dialback()
	}
	acct, err := webfinger.Parse(auth.Webfinger)
	if err != nil {
		return "", err
	}
	jrd, err := acct.Fetch(ctx)
	if err != nil {
		return "", err
	}
	return jrd.Dialback()
}

// verifyToken posts the claimed fields back to the discovered endpoint.
// A 2xx response confirms the claimant issued the token.
func verifyToken(ctx context.Context, endpoint string, form url.Values) error {
	return requests.URL(endpoint).
		BodyForm(form).
		CheckStatus(http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent).
		Fetch(ctx)
}
