package backfill

import (
	"context"
	"time"
)

// RepoFetcher retrieves one DID's repository archive from its PDS.
type RepoFetcher interface {
	FetchRepo(ctx context.Context, endpoint string, did DID) (FetchResponse, error)
}

// Resolver maps a DID to its identity document (PDS endpoint, handle).
type Resolver interface {
	Resolve(ctx context.Context, did DID) (Identity, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
