package admission

import (
	"sync"
	"time"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// RateMeter counts events over a rolling window split into fixed buckets.
type RateMeter struct {
	mu     sync.Mutex
	clock  crawler.Clock
	window time.Duration
	bucket time.Duration
	counts []int64
	stamps []int64
}

// NewRateMeter builds a meter over window with the given bucket resolution.
func NewRateMeter(window, resolution time.Duration, clock crawler.Clock) *RateMeter {
	if resolution <= 0 {
		resolution = time.Second
	}
	if window < resolution {
		window = resolution
	}
	n := int(window / resolution)
	return &RateMeter{
		clock:  clock,
		window: window,
		bucket: resolution,
		counts: make([]int64, n),
		stamps: make([]int64, n),
	}
}

// Mark records n events now.
func (m *RateMeter) Mark(n int64) {
	slot := m.clock.Now().UnixNano() / int64(m.bucket)
	idx := int(slot % int64(len(m.counts)))
	m.mu.Lock()
	if m.stamps[idx] != slot {
		m.stamps[idx] = slot
		m.counts[idx] = 0
	}
	m.counts[idx] += n
	m.mu.Unlock()
}

// MarkLeak implements identity.LeakRecorder.
func (m *RateMeter) MarkLeak() {
	m.Mark(1)
}

// Count returns the number of events inside the window.
func (m *RateMeter) Count() int64 {
	slot := m.clock.Now().UnixNano() / int64(m.bucket)
	oldest := slot - int64(len(m.counts)) + 1
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for i, stamp := range m.stamps {
		if stamp >= oldest && stamp <= slot {
			total += m.counts[i]
		}
	}
	return total
}

// Rate returns events per second averaged over the window.
func (m *RateMeter) Rate() float64 {
	return float64(m.Count()) / m.window.Seconds()
}

// PerMinute returns events per minute averaged over the window.
func (m *RateMeter) PerMinute() float64 {
	return m.Rate() * 60
}

// Reset forgets all recorded events.
func (m *RateMeter) Reset() {
	m.mu.Lock()
	clear(m.counts)
	clear(m.stamps)
	m.mu.Unlock()
}
