// Package detector decides when a static product page probe should be
// re-fetched with a headless browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	// ScriptPercent is the share of the document covered by <script> blocks
	// above which a small page counts as client-rendered.
	ScriptPercent       int
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. Zero values fall back to 25% and 2KiB.
func NewHeuristic(scriptPercent int) *Heuristic {
	if scriptPercent <= 0 || scriptPercent > 100 {
		scriptPercent = 25
	}
	return &Heuristic{ScriptPercent: scriptPercent, BodyLengthThreshold: 2048}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("window.__initial_state__"),
	[]byte("window.__apollo_state__"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp registrar.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	lower := bytes.ToLower(body)
	if len(body) < h.BodyLengthThreshold && scriptCoverage(string(lower)) >= h.ScriptPercent {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage returns the percentage of lower covered by script elements.
func scriptCoverage(lower string) int {
	total := len(lower)
	if total == 0 {
		return 0
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagClose + 1
		end := strings.Index(lower[contentStart:], closeTag)
		next := total
		if end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
