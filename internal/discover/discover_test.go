package discover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

type wireEvent struct {
	DID    string      `json:"did"`
	Kind   string      `json:"kind"`
	Commit *wireCommit `json:"commit,omitempty"`
}

type wireCommit struct {
	Collection string `json:"collection"`
	Operation  string `json:"operation"`
}

// startJetstream serves a scripted sequence of events over a websocket and
// then blocks until the client disconnects.
func startJetstream(t *testing.T, events []wireEvent, wantQuery func(url string)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantQuery != nil {
			wantQuery(r.URL.String())
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range events {
			buf, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		}
		// Hold the connection open; the collector closes it when done.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func commitEvent(did, collection string) wireEvent {
	return wireEvent{
		DID:    did,
		Kind:   "commit",
		Commit: &wireCommit{Collection: collection, Operation: "create"},
	}
}

func TestCollectorDedupsAndStopsAtCap(t *testing.T) {
	t.Parallel()

	events := []wireEvent{
		commitEvent("did:plc:aaaaaaaaaaaaaaaaaaaaaaaa", "app.bsky.feed.post"),
		commitEvent("did:plc:aaaaaaaaaaaaaaaaaaaaaaaa", "app.bsky.feed.post"),
		{DID: "did:plc:ignored", Kind: "identity"},
		commitEvent("did:plc:bbbbbbbbbbbbbbbbbbbbbbbb", "app.bsky.feed.post"),
		commitEvent("did:plc:cccccccccccccccccccccccc", "app.bsky.feed.post"),
	}
	url := startJetstream(t, events, nil)

	c, err := New(Config{URL: url, MaxDIDs: 2}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dids, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []backfill.DID{
		"did:plc:aaaaaaaaaaaaaaaaaaaaaaaa",
		"did:plc:bbbbbbbbbbbbbbbbbbbbbbbb",
	}, dids)
}

func TestCollectorFiltersCollections(t *testing.T) {
	t.Parallel()

	events := []wireEvent{
		commitEvent("did:plc:aaaaaaaaaaaaaaaaaaaaaaaa", "app.bsky.graph.follow"),
		commitEvent("did:plc:bbbbbbbbbbbbbbbbbbbbbbbb", "app.bsky.feed.post"),
	}
	var gotURL string
	url := startJetstream(t, events, func(u string) { gotURL = u })

	c, err := New(Config{
		URL:         url,
		Collections: []string{"app.bsky.feed.post"},
		MaxDIDs:     1,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dids, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []backfill.DID{"did:plc:bbbbbbbbbbbbbbbbbbbbbbbb"}, dids)
	require.Contains(t, gotURL, "wantedCollections=app.bsky.feed.post")
}

func TestCollectorDropsInvalidDIDs(t *testing.T) {
	t.Parallel()

	events := []wireEvent{
		commitEvent("not-a-did", "app.bsky.feed.post"),
		commitEvent("did:plc:dddddddddddddddddddddddd", "app.bsky.feed.post"),
	}
	url := startJetstream(t, events, nil)

	c, err := New(Config{URL: url, MaxDIDs: 1}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dids, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []backfill.DID{"did:plc:dddddddddddddddddddddddd"}, dids)
}

func TestCollectorStopsOnDurationLimit(t *testing.T) {
	t.Parallel()

	events := []wireEvent{
		commitEvent("did:plc:eeeeeeeeeeeeeeeeeeeeeeee", "app.bsky.feed.post"),
	}
	url := startJetstream(t, events, nil)

	c, err := New(Config{URL: url, Duration: 500 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	dids, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, dids, 1)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestNewRequiresLimit(t *testing.T) {
	t.Parallel()

	_, err := New(Config{URL: "wss://example.com"}, zap.NewNop())
	require.Error(t, err)

	_, err = New(Config{MaxDIDs: 1}, zap.NewNop())
	require.Error(t, err)
}
