package crawler

import "strings"

// HostPatterns matches hosts against exact names and "*.suffix" wildcards.
type HostPatterns struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostPatterns compiles patterns. Blank entries are ignored; a leading "."
// is treated like "*.".
func NewHostPatterns(patterns []string) *HostPatterns {
	matcher := &HostPatterns{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	return matcher
}

func (p *HostPatterns) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// Match reports whether host matches any pattern. A nil matcher matches nothing.
func (p *HostPatterns) Match(host string) bool {
	if p == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := p.exact[host]; exact {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
