package crawler

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, and drops the fragment.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// NormalizeArgs collapses whitespace and sorts the option tokens of a load
// argument string so equivalent args compare equal. Option values stay
// attached to their flag.
func NormalizeArgs(args string) string {
	opts := splitOptions(args)
	sort.Strings(opts)
	return strings.Join(opts, " ")
}

// StripRefresh removes every -refresh flag from args. A retried task must not
// force a reload of content that was already fetched on the first attempt.
func StripRefresh(args string) string {
	opts := splitOptions(args)
	kept := opts[:0]
	for _, opt := range opts {
		name, _, _ := strings.Cut(opt, " ")
		name, _, _ = strings.Cut(name, "=")
		switch name {
		case "-refresh", "--refresh":
			continue
		}
		kept = append(kept, opt)
	}
	return strings.Join(kept, " ")
}

// splitOptions groups "-flag value" pairs into single tokens.
func splitOptions(args string) []string {
	fields := strings.Fields(args)
	opts := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "-") || len(opts) == 0 {
			opts = append(opts, f)
			continue
		}
		opts[len(opts)-1] += " " + f
	}
	return opts
}
