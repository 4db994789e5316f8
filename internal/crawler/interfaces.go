package crawler

import (
	"context"
	"time"
)

// Feed yields tasks ready for dispatch. Next returns ok=false when nothing is
// ready right now; it does not block waiting for work.
type Feed interface {
	Next(ctx context.Context) (task CrawlTask, ok bool, err error)
}

// DelayStore holds tasks until their release time, then hands them back to the feed.
type DelayStore interface {
	Add(ctx context.Context, task CrawlTask, releaseAt time.Time) error
}

// Backend is the browsing state owned by one fetch identity.
type Backend interface {
	Close() error
}

// BackendFactory opens the browsing state for a new identity.
type BackendFactory interface {
	Open(ctx context.Context, identityID string, proxy ProxyHandle) (Backend, error)
}

// Session is what a fetcher sees of the identity a task was assigned to.
type Session interface {
	ID() string
	Proxy() ProxyHandle
	Backend() Backend
}

// Fetcher loads one task using the given session. A returned error is
// classified with KindOf; otherwise the outcome drives routing.
type Fetcher interface {
	Fetch(ctx context.Context, task CrawlTask, session Session) (FetchOutcome, error)
}

// ProxyPool hands out proxy endpoints for new identities.
type ProxyPool interface {
	Take(ctx context.Context) (ProxyHandle, error)
}

// StatsSink records per-page statistics.
type StatsSink interface {
	RecordPage(ctx context.Context, report PageReport) error
}

// Hasher computes digests for task keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identity IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// NopBackend is a Backend with nothing to release.
type NopBackend struct{}

// Close implements Backend.
func (NopBackend) Close() error { return nil }

// NopBackendFactory opens NopBackends, for fetchers that keep no per-identity state.
type NopBackendFactory struct{}

// Open implements BackendFactory.
func (NopBackendFactory) Open(context.Context, string, ProxyHandle) (Backend, error) {
	return NopBackend{}, nil
}
