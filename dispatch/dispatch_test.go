package dispatch

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quillpub/quill/internal/streaming"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// startDispatcher serves a dispatcher over a real websocket and returns
// its ws:// URL.
func startDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	d := NewDispatcher(testLogger())
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return d, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startClient runs a connected client against the dispatcher and waits
// until its link is up.
func startClient(t *testing.T, url string) (*Client, *streaming.Mux) {
	t.Helper()
	mux := &streaming.Mux{}
	c := NewClient(testLogger(), url, mux)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.conn != nil
	}, 5*time.Second, 10*time.Millisecond)
	return c, mux
}

func TestFollowIsIdempotent(t *testing.T) {
	require := require.New(t)
	d, url := startDispatcher(t)
	c, _ := startClient(t, url)

	c.Follow("https://example.com/users/bob/inbox")
	c.Follow("https://example.com/users/bob/inbox")

	require.Eventually(func() bool {
		return d.followerCount("https://example.com/users/bob/inbox") == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnfollowUnknownIsNoop(t *testing.T) {
	require := require.New(t)
	d, url := startDispatcher(t)
	c, _ := startClient(t, url)

	c.Unfollow("https://example.com/users/nobody/inbox")
	c.Follow("https://example.com/users/bob/inbox")

	require.Eventually(func() bool {
		return d.followerCount("https://example.com/users/bob/inbox") == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(0, d.followerCount("https://example.com/users/nobody/inbox"))
}

func TestUpdateReachesFollowingWorker(t *testing.T) {
	require := require.New(t)
	d, url := startDispatcher(t)

	sender, senderMux := startClient(t, url)
	receiver, receiverMux := startClient(t, url)

	inbox := "https://example.com/users/bob/inbox"
	receiver.Follow(inbox)
	require.Eventually(func() bool { return d.followerCount(inbox) == 1 }, 5*time.Second, 10*time.Millisecond)

	local := senderMux.Subscribe()
	defer local.Cancel()
	remote := receiverMux.Subscribe()
	defer remote.Cancel()

	sender.Update(inbox, map[string]any{"id": "https://example.com/activity/1"})

	// the sender's own subscribers hear it immediately
	select {
	case p := <-local.C:
		require.Equal(inbox, p.URL)
	case <-time.After(5 * time.Second):
		t.Fatal("no local publish")
	}
	// the following worker hears it via the dispatcher
	select {
	case p := <-remote.C:
		require.Equal(inbox, p.URL)
		require.Equal("https://example.com/activity/1", p.Activity["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no relayed publish")
	}
}

func TestUpdateSkipsNonFollowers(t *testing.T) {
	require := require.New(t)
	d, url := startDispatcher(t)

	sender, _ := startClient(t, url)
	bystander, bystanderMux := startClient(t, url)

	bystander.Follow("https://example.com/users/carol/inbox")
	require.Eventually(func() bool {
		return d.followerCount("https://example.com/users/carol/inbox") == 1
	}, 5*time.Second, 10*time.Millisecond)

	sub := bystanderMux.Subscribe()
	defer sub.Cancel()

	sender.Update("https://example.com/users/bob/inbox", map[string]any{"id": "x"})

	select {
	case p := <-sub.C:
		t.Fatalf("unexpected publish for %s", p.URL)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisconnectCleansFollowerTable(t *testing.T) {
	require := require.New(t)
	d, url := startDispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	mux := &streaming.Mux{}
	c := NewClient(testLogger(), url, mux)
	go c.Run(ctx)

	inbox := "https://example.com/users/bob/inbox"
	require.Eventually(func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.conn != nil
	}, 5*time.Second, 10*time.Millisecond)
	c.Follow(inbox)
	require.Eventually(func() bool { return d.followerCount(inbox) == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(func() bool { return d.followerCount(inbox) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestUpdateToleratesDeadWorker(t *testing.T) {
	require := require.New(t)
	d, url := startDispatcher(t)

	inbox := "https://example.com/users/bob/inbox"

	deadCtx, killDead := context.WithCancel(context.Background())
	dead := NewClient(testLogger(), url, &streaming.Mux{})
	go dead.Run(deadCtx)
	require.Eventually(func() bool {
		dead.mu.Lock()
		defer dead.mu.Unlock()
		return dead.conn != nil
	}, 5*time.Second, 10*time.Millisecond)
	dead.Follow(inbox)

	live, liveMux := startClient(t, url)
	live.Follow(inbox)
	require.Eventually(func() bool { return d.followerCount(inbox) == 2 }, 5*time.Second, 10*time.Millisecond)

	// kill the first worker without letting it reconnect cleanly
	killDead()

	sub := liveMux.Subscribe()
	defer sub.Cancel()

	sender, _ := startClient(t, url)
	sender.Update(inbox, map[string]any{"id": "still-delivered"})

	select {
	case p := <-sub.C:
		require.Equal("still-delivered", p.Activity["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("live worker never notified")
	}
}

func TestClientReconnectReplaysFollows(t *testing.T) {
	require := require.New(t)
	d := NewDispatcher(testLogger())
	srv := httptest.NewServer(d)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mux := &streaming.Mux{}
	c := NewClient(testLogger(), url, mux)
	go c.Run(ctx)

	inbox := "https://example.com/users/bob/inbox"
	require.Eventually(func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.conn != nil
	}, 5*time.Second, 10*time.Millisecond)
	c.Follow(inbox)
	require.Eventually(func() bool { return d.followerCount(inbox) == 1 }, 5*time.Second, 10*time.Millisecond)

	// bounce every connection; the client should dial back in and
	// re-follow on its own
	srv.CloseClientConnections()
	require.Eventually(func() bool { return d.followerCount(inbox) == 0 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(func() bool { return d.followerCount(inbox) == 1 }, 10*time.Second, 20*time.Millisecond)
	srv.Close()
}
