package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quillpub/quill/internal/streaming"
	"golang.org/x/exp/slog"
)

// reconnectDelay spaces dial attempts when the dispatcher is away.
const reconnectDelay = time.Second

// A Client is one worker's end of the dispatcher link. Updates received
// from the dispatcher are published to the worker's streaming mux, and
// updates originated by this worker are both published locally and
// relayed to the other workers via the dispatcher.
//
// The client survives dispatcher restarts: it reconnects and re-issues
// a follow for everything its subscribers still care about.
type Client struct {
	logger *slog.Logger
	url    string
	mux    *streaming.Mux

	mu      sync.Mutex
	follows map[string]struct{}
	conn    *websocket.Conn
}

func NewClient(logger *slog.Logger, url string, mux *streaming.Mux) *Client {
	return &Client{
		logger:  logger,
		url:     url,
		mux:     mux,
		follows: make(map[string]struct{}),
	}
}

// Run dials and serves the dispatcher link until ctx is cancelled,
// reconnecting after any failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Info("dispatcher link lost", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	resubscribe := make([]string, 0, len(c.follows))
	for url := range c.follows {
		resubscribe = append(resubscribe, url)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	for _, url := range resubscribe {
		c.write(conn, Message{Cmd: CmdFollow, URL: url})
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Cmd == CmdUpdate {
			c.mux.Publish(msg.URL, msg.Activity)
		}
	}
}

// Follow asks the dispatcher to forward updates for url to this worker.
// Safe to call while disconnected; the follow is replayed on reconnect.
func (c *Client) Follow(url string) {
	c.mu.Lock()
	c.follows[url] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	c.write(conn, Message{Cmd: CmdFollow, URL: url})
}

// Unfollow withdraws interest in url.
func (c *Client) Unfollow(url string) {
	c.mu.Lock()
	delete(c.follows, url)
	conn := c.conn
	c.mu.Unlock()
	c.write(conn, Message{Cmd: CmdUnfollow, URL: url})
}

// Update publishes an activity to this worker's own subscribers and
// relays it to the other workers. Satisfies the distributor's notifier
// interface.
func (c *Client) Update(url string, activity map[string]any) {
	c.mux.Publish(url, activity)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.write(conn, Message{Cmd: CmdUpdate, URL: url, Activity: activity})
}

// write is best-effort: a nil conn or a write error just means the
// dispatcher will be caught up after the next reconnect.
func (c *Client) write(conn *websocket.Conn, msg Message) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Debug("dispatcher write failed", "cmd", msg.Cmd, "err", err)
	}
}
