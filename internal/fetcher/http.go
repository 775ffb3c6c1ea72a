// Package fetcher retrieves repository archives from PDS hosts.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
)

const getRepoPath = "/xrpc/com.atproto.sync.getRepo"

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration

	// MaxArchiveBytes caps how large a single repository archive may be.
	// Zero means the default cap.
	MaxArchiveBytes int64
}

// HTTP implements backfill.RepoFetcher over plain HTTP. One instance is
// shared by all workers; the transport pools connections per host.
type HTTP struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTP builds the fetcher. Repository archives can run to hundreds of
// megabytes, so the default overall timeout is generous.
func NewHTTP(cfg Config, logger *zap.Logger) *HTTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxArchiveBytes == 0 {
		cfg.MaxArchiveBytes = 512 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "atproto-backfill/1.0"
	}
	return &HTTP{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(),
		},
		logger: logger,
	}
}

// FetchRepo downloads the full archive for a DID from its PDS. Transport
// failures come back as errors; HTTP-level failures come back as a response
// carrying the status code, so the caller can classify them.
func (h *HTTP) FetchRepo(ctx context.Context, endpoint string, did backfill.DID) (backfill.FetchResponse, error) {
	start := time.Now()
	target := strings.TrimRight(endpoint, "/") + getRepoPath + "?did=" + url.QueryEscape(string(did))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backfill.FetchResponse{}, fmt.Errorf("new repo request: %w", err)
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "application/vnd.ipld.car")

	resp, err := h.client.Do(req)
	if err != nil {
		return backfill.FetchResponse{}, fmt.Errorf("fetch repo: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			h.logger.Debug("Failed to close repo response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxArchiveBytes+1))
	if err != nil {
		return backfill.FetchResponse{}, fmt.Errorf("read repo body: %w", err)
	}
	if int64(len(body)) > h.cfg.MaxArchiveBytes {
		return backfill.FetchResponse{}, fmt.Errorf("archive for %s exceeds %d bytes: %w", did, h.cfg.MaxArchiveBytes, backfill.ErrArchiveTooLarge)
	}

	return backfill.FetchResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
