// Package fetcher holds the outcome mapping shared by the fetch backends.
package fetcher

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/headless/detector"
	"github.com/JakeFAU/streamcrawler/internal/pagestats"
)

// maxRetryAfter caps a server supplied Retry-After.
const maxRetryAfter = time.Hour

// Page is what a backend got back from one navigation.
type Page struct {
	Code     int
	Body     []byte
	FinalURL string
	Elapsed  time.Duration
	Header   http.Header
}

// Classify turns a fetched page into an outcome: integrity from the detector,
// status from the protocol code, retry budget applied, page structure counted
// for successes. A nil detector skips integrity checks.
func Classify(task crawler.CrawlTask, page Page, det *detector.Detector, now time.Time) crawler.FetchOutcome {
	doc, err := pagestats.Parse(page.Body)
	if err != nil {
		doc = nil
	}
	integrity := crawler.IntegrityOK
	if det != nil {
		integrity = det.Inspect(page.Code, page.Body, doc)
	}
	status := crawler.ExhaustRetries(task, crawler.StatusForCode(page.Code, integrity))
	out := crawler.FetchOutcome{
		Status:       status,
		Bytes:        int64(len(page.Body)),
		Elapsed:      page.Elapsed,
		ProtocolCode: page.Code,
		Integrity:    integrity,
		FinalURL:     page.FinalURL,
	}
	switch status {
	case crawler.StatusSuccess:
		out.Page = pagestats.Count(doc)
	case crawler.StatusRetry:
		if page.Code == http.StatusTooManyRequests || page.Code == http.StatusServiceUnavailable {
			out.RetryDelay = RetryAfter(page.Header.Get("Retry-After"), now)
		}
	}
	return out
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// It returns 0 when the header is absent or unusable.
func RetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}
