package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRetryDelay(t *testing.T) {
	t.Parallel()

	require.Equal(t, 3*time.Minute, DefaultRetryDelay(1))
	require.Equal(t, 5*time.Minute, DefaultRetryDelay(2))
	require.Equal(t, 7*time.Minute, DefaultRetryDelay(3))
	require.Equal(t, time.Minute, DefaultRetryDelay(-4))
}

func TestStatusForCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code      int
		integrity Integrity
		want      Status
	}{
		{200, IntegrityOK, StatusSuccess},
		{200, IntegrityRobotCheck, StatusRetry},
		{200, IntegrityWrongDistrict, StatusRetry},
		{301, IntegrityOK, StatusSuccess},
		{404, IntegrityOK, StatusGone},
		{410, IntegrityOK, StatusGone},
		{400, IntegrityOK, StatusGone},
		{403, IntegrityForbidden, StatusRetry},
		{429, IntegrityOK, StatusRetry},
		{503, IntegrityOK, StatusRetry},
		{0, IntegrityOK, StatusRetry},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, StatusForCode(tc.code, tc.integrity), "code %d integrity %s", tc.code, tc.integrity)
	}
}

func TestExhaustRetries(t *testing.T) {
	t.Parallel()

	task := CrawlTask{URL: "https://example.com", Retries: 2, MaxRetries: 2}
	require.Equal(t, StatusGone, ExhaustRetries(task, StatusRetry))
	require.Equal(t, StatusSuccess, ExhaustRetries(task, StatusSuccess))
	task.Retries = 1
	require.Equal(t, StatusRetry, ExhaustRetries(task, StatusRetry))
}

func TestCrawlTaskHelpers(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	task := CrawlTask{URL: "HTTPS://Example.com:443/a?b=2&a=1#frag", Args: "-parse  -expires 1d"}
	require.Equal(t, "example.com", task.Host())
	require.Equal(t, "https://example.com/a?a=1&b=2 -expires 1d -parse", task.Key())
	require.False(t, task.IsNil())
	require.True(t, CrawlTask{URL: "  "}.IsNil())
	require.False(t, task.IsDead(now))

	task.Deadline = now.Add(-time.Second)
	require.True(t, task.IsDead(now))
}

func TestStripRefresh(t *testing.T) {
	t.Parallel()

	require.Equal(t, "-expires 1d -parse", StripRefresh("-expires 1d -refresh -parse"))
	require.Equal(t, "-parse", StripRefresh("--refresh -parse"))
	require.Empty(t, StripRefresh("-refresh"))
	require.Empty(t, StripRefresh(""))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"tagged", NewFetchError(KindTransient, errors.New("reset")), KindTransient},
		{"wrapped tag", fmt.Errorf("fetch: %w", NewFetchError(KindProxyUntrusted, errors.New("x"))), KindProxyUntrusted},
		{"exhausted", fmt.Errorf("take: %w", ErrProxyBalanceExhausted), KindProxyExhausted},
		{"untrusted", ErrProxyVendorUntrusted, KindProxyUntrusted},
		{"illegal", ErrIllegalState, KindIllegalState},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), KindCanceled},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"other", errors.New("boom"), KindUnclassified},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, KindOf(tc.err), tc.name)
	}
	require.NoError(t, NewFetchError(KindTimeout, nil))
}

func TestStateSnapshotAndWarning(t *testing.T) {
	t.Parallel()

	s := NewState()
	require.Equal(t, FlowContinue, s.Flow())
	s.BeginTask()
	s.BeginTask()
	s.EndTask()
	s.SetWarning(WarningOutOfMemory)
	s.RecordSuccess("https://example.com")

	snap := s.Snapshot()
	require.EqualValues(t, 1, snap.InFlight)
	require.EqualValues(t, 2, snap.PeakInFlight)
	require.EqualValues(t, 2, snap.Dispatched)
	require.EqualValues(t, 1, snap.Successes)
	require.Equal(t, "out_of_memory", snap.Warning)
	require.Equal(t, "https://example.com", snap.LastURL)

	require.True(t, s.Stop())
	require.False(t, s.Stop())
	require.Equal(t, FlowStop, s.Flow())
	require.True(t, s.MarkIllegal())
	require.False(t, s.MarkIllegal())

	s.ClearWarning()
	require.Equal(t, WarningNone, s.Warning())
}
