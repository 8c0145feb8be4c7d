package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
	"gorm.io/gorm"

	"github.com/quillpub/quill/dialback"
	"github.com/quillpub/quill/dispatch"
	"github.com/quillpub/quill/fanout"
	"github.com/quillpub/quill/federation"
	"github.com/quillpub/quill/internal/group"
	"github.com/quillpub/quill/internal/httpx"
	"github.com/quillpub/quill/internal/streaming"
	"github.com/quillpub/quill/models"
	"github.com/quillpub/quill/wellknown"
)

type ServeCmd struct {
	Addr       string `help:"address to listen" default:":8080"`
	Domain     string `required:"" help:"domain name of this server"`
	Dispatcher string `help:"websocket url of the dispatcher, e.g. ws://localhost:8090/dispatch"`
}

func (s *ServeCmd) Run(ctx *Context) error {
	db, err := ctx.open()
	if err != nil {
		return err
	}
	logger := ctx.Logger

	g := group.New(context.Background())

	mux := &streaming.Mux{}
	distributor := fanout.NewDistributor(db, logger, s.Domain)
	live := &streamer{
		logger: logger,
		db:     db,
		mux:    mux,
	}
	if s.Dispatcher != "" {
		client := dispatch.NewClient(logger, s.Dispatcher, mux)
		distributor.SetNotifier(client)
		live.follow = client.Follow
		live.unfollow = client.Unfollow
		g.AddContext(client.Run)
	} else {
		distributor.SetNotifier(localNotifier{mux})
	}

	svc := federation.NewService(db, logger, s.Domain, distributor)
	auth := dialback.NewAuthenticator(db, logger)
	envFn := func(r *http.Request) *models.Env {
		return &models.Env{DB: db, Logger: logger}
	}

	c := chi.NewRouter()
	c.Use(middleware.RequestID)
	c.Use(middleware.RealIP)
	c.Use(middleware.Logger)
	c.Use(middleware.Recoverer)

	c.With(auth.Middleware).Post("/inbox", svc.InboxCreate)

	c.Route("/users", func(r chi.Router) {
		r.Get("/{username}", httpx.HandlerFunc(envFn, federation.UserShow))
		r.Get("/{username}/inbox", httpx.HandlerFunc(envFn, federation.Inbox))
		r.Get("/{username}/outbox", httpx.HandlerFunc(envFn, federation.Outbox))
		r.With(auth.Middleware).Post("/{username}/inbox", svc.InboxCreate)
	})

	c.Route("/api", func(r chi.Router) {
		r.Post("/dialback", httpx.HandlerFunc(envFn, dialback.Confirm))
		r.Get("/streaming", live.serve)
	})

	c.Route("/.well-known", func(r chi.Router) {
		r.Get("/webfinger", httpx.HandlerFunc(envFn, wellknown.Webfinger))
		r.Get("/host-meta", httpx.HandlerFunc(envFn, wellknown.HostMeta))
		r.Get("/host-meta.json", httpx.HandlerFunc(envFn, wellknown.HostMeta))
	})

	// expired dialback tokens and nonces are ground down once a minute
	g.AddContext(func(ctx context.Context) error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if err := models.SweepDialbackState(db, now); err != nil {
					logger.Error("dialback sweep failed", "err", err)
				}
			}
		}
	})

	g.AddContext(func(ctx context.Context) error {
		svr := &http.Server{
			Addr:              s.Addr,
			Handler:           c,
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			<-ctx.Done()
			svr.Shutdown(context.Background())
		}()
		logger.Info("listening", "addr", s.Addr, "domain", s.Domain)
		if err := svr.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}

// localNotifier pushes updates straight to this worker's subscribers.
// Used when no dispatcher is configured, i.e. a single worker carries
// all the live connections itself.
type localNotifier struct {
	mux *streaming.Mux
}

func (n localNotifier) Update(url string, activity map[string]any) {
	n.mux.Publish(url, activity)
}

// streamer pushes live activity updates to a connected client over a
// websocket. Clients may only stream their own inbox.
type streamer struct {
	logger   *slog.Logger
	db       *gorm.DB
	mux      *streaming.Mux
	upgrader websocket.Upgrader

	// set when a dispatcher link exists, so other workers know to
	// forward updates for the streamed URL here
	follow   func(url string)
	unfollow func(url string)
}

func (s *streamer) serve(w http.ResponseWriter, r *http.Request) {
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		http.Error(w, "stream query parameter is required", http.StatusBadRequest)
		return
	}

	name, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var user models.User
	if err := s.db.Where("name = ? AND domain = ?", name, r.Host).First(&user).Error; err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := user.CheckPassword(password); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if stream != user.Acct().Inbox() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("streaming upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.mux.Subscribe()
	defer sub.Cancel()
	if s.follow != nil {
		s.follow(stream)
		defer s.unfollow(stream)
	}

	// the read side only matters for noticing the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			if payload.URL != stream {
				continue
			}
			if err := conn.WriteJSON(payload.Activity); err != nil {
				return
			}
		}
	}
}
