// Package storage archives the final report of each crawl run. The gcs and
// local subpackages hold the backends.
package storage

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
	"github.com/JakeFAU/streamcrawler/internal/identity"
)

// RunReport is the summary written when a crawl run ends.
type RunReport struct {
	RunID            string                `json:"run_id"`
	Job              string                `json:"job"`
	StartedAt        time.Time             `json:"started_at"`
	FinishedAt       time.Time             `json:"finished_at"`
	Scheduler        crawler.StateSnapshot `json:"scheduler"`
	Identities       identity.Status       `json:"identities"`
	UnreachableHosts []string              `json:"unreachable_hosts"`
}

// ReportStore persists run reports and returns where each one landed.
type ReportStore interface {
	PutReport(ctx context.Context, report RunReport) (string, error)
}

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectName is the slash-separated key a report is stored under:
// prefix/job/20240501T100000Z-runid.json.
func ObjectName(prefix string, report RunReport) (string, error) {
	if report.RunID == "" {
		return "", fmt.Errorf("run report has no run id")
	}
	job := unsafeSegment.ReplaceAllString(report.Job, "_")
	if job == "" || job == "." || job == ".." {
		job = "default"
	}
	name := fmt.Sprintf("%s-%s.json", report.StartedAt.UTC().Format("20060102T150405Z"), report.RunID)
	return path.Join(prefix, job, name), nil
}
