package dispatch

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"
)

// A Dispatcher accepts websocket connections from workers and forwards
// update messages to every worker following the updated URL.
type Dispatcher struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu sync.Mutex
	// followers maps a resource URL to the workers that follow it;
	// watched is the inverse, so disconnect cleanup is one lookup
	// rather than a table scan.
	followers map[string]map[*remoteWorker]struct{}
	watched   map[*remoteWorker]map[string]struct{}
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger,
		followers: make(map[string]map[*remoteWorker]struct{}),
		watched:   make(map[*remoteWorker]map[string]struct{}),
	}
}

// remoteWorker is one connected worker process. Writes are serialized
// with a mutex; the websocket permits only one concurrent writer.
type remoteWorker struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *remoteWorker) send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Error("dispatch upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	worker := &remoteWorker{conn: conn}
	defer d.disconnect(worker)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Info("worker gone", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		switch msg.Cmd {
		case CmdFollow:
			d.follow(worker, msg.URL)
		case CmdUnfollow:
			d.unfollow(worker, msg.URL)
		case CmdUpdate:
			d.update(worker, msg)
		default:
			d.logger.Warn("unknown dispatch command", "cmd", msg.Cmd)
		}
	}
}

// follow registers interest. Re-following an already followed URL is a
// no-op.
func (d *Dispatcher) follow(worker *remoteWorker, url string) {
	if url == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.followers[url] == nil {
		d.followers[url] = make(map[*remoteWorker]struct{})
	}
	d.followers[url][worker] = struct{}{}
	if d.watched[worker] == nil {
		d.watched[worker] = make(map[string]struct{})
	}
	d.watched[worker][url] = struct{}{}
}

// unfollow drops interest. Unfollowing something never followed is a
// no-op.
func (d *Dispatcher) unfollow(worker *remoteWorker, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(worker, url)
}

func (d *Dispatcher) drop(worker *remoteWorker, url string) {
	if set, ok := d.followers[url]; ok {
		delete(set, worker)
		if len(set) == 0 {
			delete(d.followers, url)
		}
	}
	if set, ok := d.watched[worker]; ok {
		delete(set, url)
		if len(set) == 0 {
			delete(d.watched, worker)
		}
	}
}

// update forwards the activity to every follower of the URL except the
// sender, which already published to its own subscribers. A worker that
// cannot be written to is dropped from the table, not reported back.
func (d *Dispatcher) update(from *remoteWorker, msg Message) {
	d.mu.Lock()
	targets := make([]*remoteWorker, 0, len(d.followers[msg.URL]))
	for worker := range d.followers[msg.URL] {
		if worker != from {
			targets = append(targets, worker)
		}
	}
	d.mu.Unlock()

	for _, worker := range targets {
		if err := worker.send(msg); err != nil {
			d.logger.Info("dropping unreachable worker", "url", msg.URL, "err", err)
			d.disconnect(worker)
		}
	}
}

// disconnect removes the worker from every followed URL and closes the
// connection.
func (d *Dispatcher) disconnect(worker *remoteWorker) {
	d.mu.Lock()
	for url := range d.watched[worker] {
		if set, ok := d.followers[url]; ok {
			delete(set, worker)
			if len(set) == 0 {
				delete(d.followers, url)
			}
		}
	}
	delete(d.watched, worker)
	d.mu.Unlock()
	worker.conn.Close()
}

// followerCount reports how many workers follow url.
func (d *Dispatcher) followerCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.followers[url])
}
