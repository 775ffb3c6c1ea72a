// Package discover collects DIDs from the Jetstream firehose. It supplies
// the backfill's input list; no record processing happens here.
package discover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

const (
	reconnectPause = 5 * time.Second
	statsInterval  = 30 * time.Second
)

// Config parameterizes one collection run.
type Config struct {
	// URL is the Jetstream subscribe endpoint (wss://...).
	URL string

	// Collections filters commit events to these NSIDs. Empty means all.
	Collections []string

	// MaxDIDs stops the run once this many unique DIDs are seen. Zero means
	// no count limit.
	MaxDIDs int

	// Duration stops the run after this long. Zero means no time limit.
	Duration time.Duration
}

// Collector tails the firehose and accumulates unique DIDs.
type Collector struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Collector.
func New(cfg Config, logger *zap.Logger) (*Collector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("jetstream url is required")
	}
	if cfg.MaxDIDs <= 0 && cfg.Duration <= 0 {
		return nil, fmt.Errorf("either a DID cap or a duration limit is required")
	}
	return &Collector{cfg: cfg, logger: logger}, nil
}

// jetstreamEvent is the slice of a Jetstream message the collector reads.
type jetstreamEvent struct {
	DID    string `json:"did"`
	Kind   string `json:"kind"`
	Commit *struct {
		Collection string `json:"collection"`
		Operation  string `json:"operation"`
	} `json:"commit,omitempty"`
}

// Run connects and collects until a limit hits or ctx is cancelled. It
// reconnects on transient errors. DIDs are returned in first-seen order;
// invalid DIDs are counted and dropped.
func (c *Collector) Run(ctx context.Context) ([]backfill.DID, error) {
	if c.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Duration)
		defer cancel()
	}

	seen := make(map[backfill.DID]struct{})
	var ordered []backfill.DID
	var invalid int

	for {
		done, err := c.collect(ctx, seen, &ordered, &invalid)
		if done {
			c.logger.Info("discovery finished",
				zap.Int("dids", len(ordered)),
				zap.Int("invalid", invalid))
			return ordered, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ordered, nil
		}
		c.logger.Warn("firehose connection error; reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			return ordered, nil
		case <-time.After(reconnectPause):
		}
	}
}

func (c *Collector) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse jetstream url: %w", err)
	}
	q := u.Query()
	for _, col := range c.cfg.Collections {
		q.Add("wantedCollections", col)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// collect runs one websocket session. It returns done=true when a configured
// limit was reached.
func (c *Collector) collect(ctx context.Context, seen map[backfill.DID]struct{}, ordered *[]backfill.DID, invalid *int) (bool, error) {
	wsURL, err := c.buildURL()
	if err != nil {
		return true, err
	}

	c.logger.Info("connecting to firehose", zap.String("url", wsURL))
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial firehose: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() {
		_ = conn.Close()
	}()

	// ReadMessage has no context support; unblock it on cancellation.
	stop := context.AfterFunc(ctx, func() {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	})
	defer stop()

	wanted := make(map[string]struct{}, len(c.cfg.Collections))
	for _, col := range c.cfg.Collections {
		wanted[col] = struct{}{}
	}

	lastStats := time.Now()
	var events int64
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("read message: %w", err)
		}
		events++

		var event jetstreamEvent
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Debug("skipping unparseable event", zap.Error(err))
			continue
		}
		if event.Kind != "commit" || event.Commit == nil {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[event.Commit.Collection]; !ok {
				continue
			}
		}

		did := backfill.DID(event.DID)
		if _, ok := seen[did]; ok {
			continue
		}
		if !did.Valid() {
			*invalid++
			continue
		}
		seen[did] = struct{}{}
		*ordered = append(*ordered, did)

		if c.cfg.MaxDIDs > 0 && len(*ordered) >= c.cfg.MaxDIDs {
			return true, nil
		}

		if time.Since(lastStats) >= statsInterval {
			c.logger.Info("discovery progress",
				zap.Int64("events", events),
				zap.Int("dids", len(*ordered)))
			lastStats = time.Now()
		}
	}
}
