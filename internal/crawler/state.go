package crawler

import (
	"sync"
	"sync/atomic"
)

// CriticalWarning is the single process-wide condition that blocks dispatch.
type CriticalWarning int

// Critical warnings, most recent one wins.
const (
	WarningNone CriticalWarning = iota
	WarningOutOfMemory
	WarningOutOfDisk
	WarningNoProxy
	WarningFastIdentityLeak
	WarningWrongDistrict
)

func (w CriticalWarning) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningOutOfMemory:
		return "out_of_memory"
	case WarningOutOfDisk:
		return "out_of_disk"
	case WarningNoProxy:
		return "no_proxy"
	case WarningFastIdentityLeak:
		return "fast_identity_leak"
	case WarningWrongDistrict:
		return "wrong_district"
	default:
		return "unknown"
	}
}

// FlowState tells the dispatch loop whether to keep going.
type FlowState int32

// Flow states.
const (
	FlowContinue FlowState = iota
	FlowStop
)

func (f FlowState) String() string {
	if f == FlowStop {
		return "stop"
	}
	return "continue"
}

// State is the scheduler-wide bookkeeping shared by the dispatch loop,
// admission gates, and fetch workers. Counters are atomic; the critical
// warning and the last-seen diagnostics sit behind one mutex.
type State struct {
	runningInstances atomic.Int64
	inFlight         atomic.Int64
	peakInFlight     atomic.Int64
	total            atomic.Int64
	dispatched       atomic.Int64
	killed           atomic.Int64
	dropped          atomic.Int64
	unreachable      atomic.Int64
	successes        atomic.Int64
	retries          atomic.Int64
	gone             atomic.Int64
	canceled         atomic.Int64
	timeouts         atomic.Int64
	proxyOutages     atomic.Int64

	flow    atomic.Int32
	illegal atomic.Bool

	mu             sync.Mutex
	warning        CriticalWarning
	lastURL        string
	lastFetchError string
}

// NewState returns a zeroed state with flow set to continue.
func NewState() *State {
	return &State{}
}

// Flow returns the current flow state.
func (s *State) Flow() FlowState {
	return FlowState(s.flow.Load())
}

// Stop sets the flow to stop and reports whether this call changed it.
func (s *State) Stop() bool {
	return s.flow.CompareAndSwap(int32(FlowContinue), int32(FlowStop))
}

// MarkIllegal records an illegal-state condition and reports whether this is
// the first time, so the caller logs it once.
func (s *State) MarkIllegal() bool {
	return s.illegal.CompareAndSwap(false, true)
}

// Warning returns the current critical warning.
func (s *State) Warning() CriticalWarning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning
}

// SetWarning replaces the critical warning.
func (s *State) SetWarning(w CriticalWarning) {
	s.mu.Lock()
	s.warning = w
	s.mu.Unlock()
}

// ClearWarning resets the critical warning once all gates pass.
func (s *State) ClearWarning() {
	s.SetWarning(WarningNone)
}

// InFlight returns the number of fetch tasks admitted but not yet finished.
func (s *State) InFlight() int64 {
	return s.inFlight.Load()
}

// BeginTask records an admitted task.
func (s *State) BeginTask() {
	n := s.inFlight.Add(1)
	s.dispatched.Add(1)
	for {
		peak := s.peakInFlight.Load()
		if n <= peak || s.peakInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

// EndTask records a finished task.
func (s *State) EndTask() {
	s.inFlight.Add(-1)
}

// EnterRun and ExitRun track concurrently running dispatch loops.
func (s *State) EnterRun() { s.runningInstances.Add(1) }

// ExitRun decrements the running loop count.
func (s *State) ExitRun() { s.runningInstances.Add(-1) }

// IncTotal counts a task pulled from the feed.
func (s *State) IncTotal() { s.total.Add(1) }

// IncKilled counts a task dropped because its deadline passed.
func (s *State) IncKilled() { s.killed.Add(1) }

// IncDropped counts a nil or degenerate task.
func (s *State) IncDropped() { s.dropped.Add(1) }

// IncUnreachable counts a task skipped because its host is unreachable.
func (s *State) IncUnreachable() { s.unreachable.Add(1) }

// IncRetries counts a scheduled retry.
func (s *State) IncRetries() { s.retries.Add(1) }

// IncGone counts a task given up on.
func (s *State) IncGone() { s.gone.Add(1) }

// IncCanceled counts a canceled fetch.
func (s *State) IncCanceled() { s.canceled.Add(1) }

// IncTimeouts counts a timed out fetch and returns the new total.
func (s *State) IncTimeouts() int64 { return s.timeouts.Add(1) }

// IncProxyOutages counts a proxy exhaustion report.
func (s *State) IncProxyOutages() { s.proxyOutages.Add(1) }

// RecordSuccess counts a successful fetch of url.
func (s *State) RecordSuccess(url string) {
	s.successes.Add(1)
	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()
}

// RecordFetchError remembers the latest fetch failure for diagnostics.
func (s *State) RecordFetchError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastFetchError = err.Error()
	s.mu.Unlock()
}

// StateSnapshot is a point-in-time copy of State.
type StateSnapshot struct {
	RunningInstances int64  `json:"running_instances"`
	InFlight         int64  `json:"in_flight"`
	PeakInFlight     int64  `json:"peak_in_flight"`
	Total            int64  `json:"total"`
	Dispatched       int64  `json:"dispatched"`
	Killed           int64  `json:"killed"`
	Dropped          int64  `json:"dropped"`
	Unreachable      int64  `json:"unreachable"`
	Successes        int64  `json:"successes"`
	Retries          int64  `json:"retries"`
	Gone             int64  `json:"gone"`
	Canceled         int64  `json:"canceled"`
	Timeouts         int64  `json:"timeouts"`
	ProxyOutages     int64  `json:"proxy_outages"`
	Flow             string `json:"flow"`
	Warning          string `json:"critical_warning"`
	LastURL          string `json:"last_url,omitempty"`
	LastFetchError   string `json:"last_fetch_error,omitempty"`
}

// Snapshot copies the current counters.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	warning, lastURL, lastErr := s.warning, s.lastURL, s.lastFetchError
	s.mu.Unlock()
	return StateSnapshot{
		RunningInstances: s.runningInstances.Load(),
		InFlight:         s.inFlight.Load(),
		PeakInFlight:     s.peakInFlight.Load(),
		Total:            s.total.Load(),
		Dispatched:       s.dispatched.Load(),
		Killed:           s.killed.Load(),
		Dropped:          s.dropped.Load(),
		Unreachable:      s.unreachable.Load(),
		Successes:        s.successes.Load(),
		Retries:          s.retries.Load(),
		Gone:             s.gone.Load(),
		Canceled:         s.canceled.Load(),
		Timeouts:         s.timeouts.Load(),
		ProxyOutages:     s.proxyOutages.Load(),
		Flow:             s.Flow().String(),
		Warning:          warning.String(),
		LastURL:          lastURL,
		LastFetchError:   lastErr,
	}
}
