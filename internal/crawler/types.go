package crawler

import (
	"net/url"
	"strings"
	"time"
)

// Status is the closed set of terminal classifications for one fetch.
type Status int

// Fetch outcome statuses.
const (
	StatusSuccess Status = iota
	StatusRetry
	StatusGone
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetry:
		return "retry"
	case StatusGone:
		return "gone"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Integrity tags what a fetched page revealed about the identity that loaded it.
type Integrity int

// Page integrity tags reported by fetchers.
const (
	IntegrityOK Integrity = iota
	IntegrityRobotCheck
	IntegrityForbidden
	IntegrityWrongDistrict
	IntegrityWrongProfile
	IntegrityProxyRetired
	IntegrityBrowserError
)

func (i Integrity) String() string {
	switch i {
	case IntegrityOK:
		return "ok"
	case IntegrityRobotCheck:
		return "robot_check"
	case IntegrityForbidden:
		return "forbidden"
	case IntegrityWrongDistrict:
		return "wrong_district"
	case IntegrityWrongProfile:
		return "wrong_profile"
	case IntegrityProxyRetired:
		return "proxy_retired"
	case IntegrityBrowserError:
		return "browser_error"
	default:
		return "unknown"
	}
}

// IsGeofenced reports whether the page was served for the wrong region or profile.
func (i Integrity) IsGeofenced() bool {
	return i == IntegrityWrongDistrict || i == IntegrityWrongProfile
}

// CrawlTask is a unit of work pulled from the feed.
type CrawlTask struct {
	URL        string        `json:"url"`
	Args       string        `json:"args,omitempty"`
	Retries    int           `json:"retries"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	Deadline   time.Time     `json:"deadline,omitzero"`
	// Degenerate tasks carry no page to load and are only counted.
	Degenerate bool `json:"degenerate,omitempty"`
}

// IsNil reports whether the task has no URL.
func (t CrawlTask) IsNil() bool {
	return strings.TrimSpace(t.URL) == ""
}

// IsDead reports whether the task deadline has passed.
func (t CrawlTask) IsDead(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Host returns the lowercased host of the task URL, or "" if it cannot be parsed.
func (t CrawlTask) Host() string {
	return HostOf(t.URL)
}

// Key identifies the task by normalized URL and args.
func (t CrawlTask) Key() string {
	u, err := NormalizeURL(t.URL)
	if err != nil {
		u = strings.TrimSpace(t.URL)
	}
	args := NormalizeArgs(t.Args)
	if args == "" {
		return u
	}
	return u + " " + args
}

// PageStats holds per-page structure counts.
type PageStats struct {
	Anchors int `json:"anchors"`
	Images  int `json:"images"`
	Texts   int `json:"texts"`
}

// FetchOutcome is what a fetch collaborator reports for one task.
type FetchOutcome struct {
	Status       Status
	Bytes        int64
	Elapsed      time.Duration
	ProtocolCode int
	// RetryDelay overrides the default retry schedule when positive.
	RetryDelay time.Duration
	Integrity  Integrity
	FinalURL   string
	Page       PageStats
}

// PageReport is emitted to stats sinks for every successful fetch.
type PageReport struct {
	URL  string `json:"url"`
	Host string `json:"host"`
	// TaskKey is a digest of CrawlTask.Key, stable across retries.
	TaskKey      string        `json:"task_key,omitempty"`
	IdentityID   string        `json:"identity_id"`
	ProtocolCode int           `json:"protocol_code"`
	Bytes        int64         `json:"bytes"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	Integrity    string        `json:"integrity"`
	Page         PageStats     `json:"page"`
	FetchedAt    time.Time     `json:"fetched_at"`
}

// DelayedTask is a task waiting in the delay store until ReleaseAt.
type DelayedTask struct {
	Task      CrawlTask
	ReleaseAt time.Time
}

// ProxyHandle identifies one proxy endpoint handed out by a ProxyPool.
type ProxyHandle struct {
	ID  string
	URL string
}

// IsZero reports whether the handle names no proxy.
func (p ProxyHandle) IsZero() bool {
	return p.URL == ""
}

// HostOf extracts the lowercased hostname (without port) from a raw URL.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
