// Package hosts tracks hosts that keep failing and marks them unreachable.
package hosts

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// DefaultMaxFailures is the failure count a host may reach before it is marked unreachable.
const DefaultMaxFailures = 20

// DefaultNeverBlock lists hosts that are never marked unreachable.
var DefaultNeverBlock = []string{"*.amazon.com"}

// Config controls the tracker.
type Config struct {
	MaxFailures int
	NeverBlock  []string
}

// Tracker counts failures per host. It is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	maxFailures int
	exempt      *crawler.HostPatterns
	failures    map[string]int
	unreachable map[string]struct{}
	logger      *zap.Logger
}

// New builds a Tracker.
func New(cfg Config, logger *zap.Logger) *Tracker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		maxFailures: cfg.MaxFailures,
		exempt:      crawler.NewHostPatterns(cfg.NeverBlock),
		failures:    make(map[string]int),
		unreachable: make(map[string]struct{}),
		logger:      logger.Named("hosts"),
	}
}

func normalize(host string) string {
	return strings.TrimSpace(strings.ToLower(host))
}

// RecordFailure counts a failure for host and returns true only on the call
// that marks it unreachable.
func (t *Tracker) RecordFailure(host string) bool {
	key := normalize(host)
	if key == "" || t.exempt.Match(key) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, gone := t.unreachable[key]; gone {
		return false
	}
	t.failures[key]++
	if t.failures[key] <= t.maxFailures {
		return false
	}
	t.unreachable[key] = struct{}{}
	t.logger.Info("host marked unreachable",
		zap.String("host", key),
		zap.Int("failures", t.failures[key]),
		zap.Int("unreachable_hosts", len(t.unreachable)),
	)
	return true
}

// RecordSuccess clears the failure count and the unreachable flag for host.
func (t *Tracker) RecordSuccess(host string) {
	key := normalize(host)
	if key == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
	delete(t.unreachable, key)
}

// IsReachable reports whether host may still be dispatched to.
func (t *Tracker) IsReachable(host string) bool {
	key := normalize(host)
	if key == "" {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, gone := t.unreachable[key]
	return !gone
}

// Failures returns the current failure count for host.
func (t *Tracker) Failures(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[normalize(host)]
}

// Unreachable returns the unreachable hosts in sorted order.
func (t *Tracker) Unreachable() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.unreachable))
	for host := range t.unreachable {
		out = append(out, host)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Load merges hosts from path, one per line. A missing file is not an error.
// Blank lines and lines starting with '#' are skipped.
func (t *Tracker) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open unreachable hosts: %w", err)
	}
	defer f.Close()

	var loaded int
	scanner := bufio.NewScanner(f)
	t.mu.Lock()
	for scanner.Scan() {
		line := normalize(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || t.exempt.Match(line) {
			continue
		}
		t.unreachable[line] = struct{}{}
		loaded++
	}
	t.mu.Unlock()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read unreachable hosts: %w", err)
	}
	t.logger.Info("loaded unreachable hosts", zap.String("path", path), zap.Int("count", loaded))
	return nil
}

// Save writes the unreachable hosts to path, one per line, replacing the file atomically.
func (t *Tracker) Save(path string) error {
	hosts := t.Unreachable()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create hosts dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".unreachable-*")
	if err != nil {
		return fmt.Errorf("create temp hosts file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, host := range hosts {
		if _, err := w.WriteString(host + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("write hosts file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close hosts file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace hosts file: %w", err)
	}
	return nil
}
