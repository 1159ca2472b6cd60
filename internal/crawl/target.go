package crawl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Blocklist matches hosts against exact names and suffix patterns written
// as "*.example.com" or ".example.com".
type Blocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewBlocklist builds a Blocklist from patterns. It returns nil when no
// pattern survives trimming.
func NewBlocklist(patterns []string) *Blocklist {
	b := &Blocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *Blocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches an entry. A nil Blocklist blocks
// nothing.
func (b *Blocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// checkTarget validates raw as an absolute http(s) URL on an allowed host
// and returns it normalized: lowercase scheme and host, no default port,
// no fragment.
func (o *Orchestrator) checkTarget(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: target url must be an absolute http(s) url", registrar.ErrInvalidArgument)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	if o.blocked.IsBlocked(u.Hostname()) {
		return "", fmt.Errorf("%w: crawling %s is not allowed", registrar.ErrUnsupportedSite, u.Hostname())
	}
	return u.String(), nil
}

// CheckTarget validates a crawl request ahead of any run: raw must pass the
// target checks and targetType must resolve to an adapter. It returns the
// normalized URL.
func (o *Orchestrator) CheckTarget(raw, targetType string) (string, error) {
	target, err := o.checkTarget(raw)
	if err != nil {
		return "", err
	}
	if _, err := o.adapters.Lookup(targetType); err != nil {
		return "", err
	}
	return target, nil
}
