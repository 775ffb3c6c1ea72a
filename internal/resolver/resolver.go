// Package resolver maps DIDs to their hosting PDS through the PLC directory.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

const (
	defaultDirectory = "https://plc.directory"
	defaultTimeout   = 15 * time.Second

	// maxDocumentSize bounds how much of a directory response we read.
	maxDocumentSize = 1 << 20
)

// Client resolves DIDs against a PLC directory. Resolutions are cached for
// the lifetime of the client, so a run never asks the directory twice for
// the same DID. Directory requests go through a politeness limiter that is
// independent of the per-endpoint budgets used for repo fetches.
type Client struct {
	http      *http.Client
	directory string
	userAgent string
	limiter   *rate.Limiter
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[backfill.DID]backfill.Identity
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDirectory points the client at a different directory base URL.
func WithDirectory(base string) Option {
	return func(c *Client) { c.directory = strings.TrimRight(base, "/") }
}

// WithUserAgent sets the User-Agent header sent to the directory.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithRate replaces the politeness limiter.
func WithRate(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New constructs a directory client. The defaults are polite enough for the
// public directory: ten lookups per second with a small burst.
func New(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		directory: defaultDirectory,
		userAgent: "atproto-backfill/1.0",
		limiter:   rate.NewLimiter(rate.Limit(10), 5),
		logger:    logger,
		cache:     make(map[backfill.DID]backfill.Identity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// didDocument is the slice of a PLC document the backfill needs.
type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
	Service     []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// Resolve returns the identity for a DID, hitting the directory at most once
// per DID per client lifetime.
func (c *Client) Resolve(ctx context.Context, did backfill.DID) (backfill.Identity, error) {
	if !did.Valid() {
		return backfill.Identity{}, fmt.Errorf("invalid did %q", did)
	}

	c.mu.Lock()
	if id, ok := c.cache[did]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return backfill.Identity{}, fmt.Errorf("directory limiter: %w", err)
	}

	id, err := c.lookup(ctx, did)
	if err != nil {
		return backfill.Identity{}, err
	}

	c.mu.Lock()
	c.cache[did] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) lookup(ctx context.Context, did backfill.DID) (backfill.Identity, error) {
	url := c.directory + "/" + string(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backfill.Identity{}, fmt.Errorf("new directory request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return backfill.Identity{}, fmt.Errorf("fetch did document: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close directory response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return backfill.Identity{}, fmt.Errorf("directory returned %d for %s", resp.StatusCode, did)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return backfill.Identity{}, fmt.Errorf("read did document: %w", err)
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return backfill.Identity{}, fmt.Errorf("decode did document: %w", err)
	}

	endpoint := pdsEndpoint(doc)
	if endpoint == "" {
		return backfill.Identity{}, fmt.Errorf("did document for %s has no pds endpoint", did)
	}

	id := backfill.Identity{
		DID:         did,
		PDSEndpoint: strings.TrimRight(endpoint, "/"),
		Handle:      handle(doc),
	}
	c.logger.Debug("Resolved DID",
		zap.String("did", string(did)),
		zap.String("endpoint", id.PDSEndpoint),
		zap.String("handle", id.Handle))
	return id, nil
}

// pdsEndpoint picks the personal data server from the service list, falling
// back to the first entry for documents that omit the type.
func pdsEndpoint(doc didDocument) string {
	for _, svc := range doc.Service {
		if svc.Type == "AtprotoPersonalDataServer" || strings.HasSuffix(svc.ID, "#atproto_pds") {
			return svc.ServiceEndpoint
		}
	}
	if len(doc.Service) > 0 {
		return doc.Service[0].ServiceEndpoint
	}
	return ""
}

func handle(doc didDocument) string {
	if len(doc.AlsoKnownAs) == 0 {
		return ""
	}
	return strings.TrimPrefix(doc.AlsoKnownAs[0], "at://")
}
