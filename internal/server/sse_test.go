package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/lifecycle"
)

type sseFrame struct {
	Event string
	Data  string
}

// openEventStream subscribes to /api/events and feeds parsed frames to the
// returned channel until ctx is canceled. Comment lines surface as frames
// with Event "comment".
func openEventStream(t *testing.T, ctx context.Context, env *testEnv) <-chan sseFrame {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan sseFrame, 16)
	go func() {
		defer resp.Body.Close()
		defer close(frames)
		var cur sseFrame
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if cur.Event != "" || cur.Data != "" {
					select {
					case frames <- cur:
					case <-ctx.Done():
						return
					}
				}
				cur = sseFrame{}
			case strings.HasPrefix(line, "event: "):
				cur.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.Data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, ":"):
				cur.Event = "comment"
				cur.Data = strings.TrimSpace(strings.TrimPrefix(line, ":"))
			}
		}
	}()
	return frames
}

// nextFrame waits for the next frame of the named type, skipping others.
func nextFrame(t *testing.T, frames <-chan sseFrame, event string) sseFrame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "event stream closed while waiting for %q", event)
			if f.Event == event {
				return f
			}
		case <-deadline:
			t.Fatalf("no %q frame within deadline", event)
		}
	}
}

func TestEventStreamReplaysState(t *testing.T) {
	env := newTestServer(t)
	initIssueHTTP(t, env, "acme/widgets#7")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openEventStream(t, ctx, env)

	f := nextFrame(t, frames, "state")
	var snap lifecycle.Snapshot
	require.NoError(t, json.Unmarshal([]byte(f.Data), &snap))
	assert.Equal(t, "acme/widgets#7", snap.ActiveIssue)
	require.NotNil(t, snap.Issue)
	assert.Equal(t, "implement", snap.Issue.Phase)
}

func TestEventStreamCarriesLiveEvents(t *testing.T) {
	env := newTestServer(t)
	initIssueHTTP(t, env, "acme/widgets#7")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openEventStream(t, ctx, env)

	// The replay frame confirms the subscription is attached before
	// broadcasting anything the test depends on.
	nextFrame(t, frames, "state")

	env.hub.Broadcast(events.Event{Type: "run", Data: map[string]any{
		"runId": "01TEST",
		"state": "running",
	}})

	f := nextFrame(t, frames, "run")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.Data), &payload))
	assert.Equal(t, "01TEST", payload["runId"])
	assert.Equal(t, "running", payload["state"])
}

func TestEventStreamHeartbeat(t *testing.T) {
	env := newTestServer(t) // 40ms heartbeat

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openEventStream(t, ctx, env)

	f := nextFrame(t, frames, "comment")
	assert.Equal(t, "keepalive", f.Data)
}

func TestEventStreamCountsSubscribers(t *testing.T) {
	env := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := openEventStream(t, ctx, env)
	nextFrame(t, frames, "state")

	require.Equal(t, 1, env.hub.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return env.hub.SubscriberCount() == 0
	}, 3*time.Second, 10*time.Millisecond, "subscriber not removed after disconnect")
}

func TestShutdownIsIdempotent(t *testing.T) {
	env := newTestServer(t)

	env.srv.Shutdown()
	env.srv.Shutdown()
}
