package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestSchedulerCollectors(t *testing.T) {
	Init()
	Init()

	ObserveCrawl("https://shop.metrics.test/a", "success", 2048)
	if val := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("shop.metrics.test", "success")); val != 1 {
		t.Errorf("expected one success page, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("shop.metrics.test")); val != 2048 {
		t.Errorf("expected 2048 bytes, got %f", val)
	}

	ObserveDispatch("killed_test")
	if val := testutil.ToFloat64(crawlerDispatchTotal.WithLabelValues("killed_test")); val != 1 {
		t.Errorf("expected one killed dispatch, got %f", val)
	}

	SetCriticalWarning("out_of_memory", []string{"none", "out_of_memory", "no_proxy"})
	if val := testutil.ToFloat64(crawlerCriticalWarning.WithLabelValues("out_of_memory")); val != 1 {
		t.Errorf("expected out_of_memory active, got %f", val)
	}
	SetCriticalWarning("none", []string{"none", "out_of_memory", "no_proxy"})
	if val := testutil.ToFloat64(crawlerCriticalWarning.WithLabelValues("out_of_memory")); val != 0 {
		t.Errorf("expected out_of_memory cleared, got %f", val)
	}

	SetUnreachableHosts(3)
	if val := testutil.ToFloat64(crawlerUnreachableHosts); val != 3 {
		t.Errorf("expected 3 unreachable hosts, got %f", val)
	}

	ObserveRateLimitDelay("metrics.test", 250*time.Millisecond)
	if val := testutil.CollectAndCount(crawlerRateLimitDelaysSeconds); val <= 0 {
		t.Errorf("expected rate limit delay to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
