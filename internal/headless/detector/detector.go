// Package detector inspects fetched HTML for signs the page is not the page
// that was asked for: robot checks, blocks, or content for another region.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// Config lists the markers the detector looks for. Text markers match the
// page title and visible body text case-insensitively.
type Config struct {
	RobotSelectors   []string
	RobotMarkers     []string
	ForbiddenMarkers []string
	// DistrictSelector picks the element holding the delivery region; empty disables the check.
	DistrictSelector string
	ExpectedDistrict string
	// ProfileSelector picks the element holding the signed-in profile; empty disables the check.
	ProfileSelector string
	ExpectedProfile string
	// ShellBodyBytes is the size under which a script-dominated page counts as unrendered.
	ShellBodyBytes int
}

// DefaultConfig returns markers for common bot walls.
func DefaultConfig() Config {
	return Config{
		RobotSelectors: []string{
			"form[action*='validateCaptcha']",
			"#px-captcha",
			"iframe[src*='captcha']",
			"div.g-recaptcha",
		},
		RobotMarkers: []string{
			"are you a robot",
			"enter the characters you see below",
			"unusual traffic from your computer",
			"verify you are human",
		},
		ForbiddenMarkers: []string{
			"access denied",
			"request blocked",
			"you don't have permission to access",
		},
		ShellBodyBytes: 2048,
	}
}

// Detector classifies page integrity.
type Detector struct {
	cfg Config
}

// New creates a detector.
func New(cfg Config) *Detector {
	if cfg.ShellBodyBytes == 0 {
		cfg.ShellBodyBytes = 2048
	}
	return &Detector{cfg: cfg}
}

// Inspect returns the integrity of a page. doc is the parsed form of body and
// may be nil when parsing failed.
func (d *Detector) Inspect(code int, body []byte, doc *goquery.Document) crawler.Integrity {
	if code == http.StatusForbidden {
		return crawler.IntegrityForbidden
	}
	if doc == nil {
		return crawler.IntegrityBrowserError
	}
	for _, sel := range d.cfg.RobotSelectors {
		if doc.Find(sel).Length() > 0 {
			return crawler.IntegrityRobotCheck
		}
	}
	text := strings.ToLower(doc.Find("title").Text() + " " + doc.Find("body").Text())
	if containsAny(text, d.cfg.RobotMarkers) {
		return crawler.IntegrityRobotCheck
	}
	if containsAny(text, d.cfg.ForbiddenMarkers) {
		return crawler.IntegrityForbidden
	}
	if mismatch(doc, d.cfg.DistrictSelector, d.cfg.ExpectedDistrict) {
		return crawler.IntegrityWrongDistrict
	}
	if mismatch(doc, d.cfg.ProfileSelector, d.cfg.ExpectedProfile) {
		return crawler.IntegrityWrongProfile
	}
	if code < http.StatusBadRequest && unrendered(body, d.cfg.ShellBodyBytes) {
		return crawler.IntegrityBrowserError
	}
	return crawler.IntegrityOK
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// mismatch reports a present element whose text lacks the expected value. A
// missing element is not a mismatch; plenty of pages carry no region widget.
func mismatch(doc *goquery.Document, selector, expected string) bool {
	if selector == "" || expected == "" {
		return false
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return false
	}
	got := strings.ToLower(strings.Join(strings.Fields(sel.First().Text()), " "))
	return !strings.Contains(got, strings.ToLower(expected))
}

// unrendered flags an empty page, or a small page that is mostly script, as
// one the browser never finished rendering.
func unrendered(body []byte, threshold int) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	return len(body) < threshold && scriptDensityHigh(body)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
