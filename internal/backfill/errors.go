package backfill

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureClass labels why a DID was deadlettered or a worker halted.
type FailureClass string

// Failure classes persisted on deadletter entries and carried on worker errors.
const (
	FailureTransient FailureClass = "transient"
	FailureHTTP      FailureClass = "http"
	FailureParse     FailureClass = "parse"
	FailureStorage   FailureClass = "storage"
)

// ErrArchiveTooLarge marks a repository archive over the configured size cap.
// Retrying cannot shrink the repo, so the worker deadletters on first sight
// instead of burning the retry budget on re-downloads.
var ErrArchiveTooLarge = errors.New("archive exceeds size cap")

// StatusOutcome maps an HTTP status onto the worker's handling path.
type StatusOutcome int

// Handling paths for repository fetch status codes.
const (
	StatusOK          StatusOutcome = iota // 200: parse the body
	StatusRateLimited                      // 429: requeue after backoff, retry budget untouched
	StatusRetryable                        // 5xx: transient, counts against the retry budget
	StatusFatal                            // anything else: deadletter immediately
)

// ClassifyStatus groups fetch status codes by how the worker reacts to them.
func ClassifyStatus(code int) StatusOutcome {
	switch {
	case code == http.StatusOK:
		return StatusOK
	case code == http.StatusTooManyRequests:
		return StatusRateLimited
	case code >= 500 && code < 600:
		return StatusRetryable
	default:
		return StatusFatal
	}
}

// StorageError wraps a durable queue failure so the orchestrator can tell a
// fatal storage fault apart from per-DID trouble.
type StorageError struct {
	Endpoint string
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("durable queue write for %s: %v", e.Endpoint, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a StorageError anywhere in its chain.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
