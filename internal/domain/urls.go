package domain

import "strings"

// DefaultUnsupportedMarkers are URL fragments the downloaders cannot handle.
var DefaultUnsupportedMarkers = []string{"/photo/"}

// ParseURLList splits an uploaded list into URLs, dropping blank and comment lines.
func ParseURLList(payload string) []string {
	var urls []string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls
}

// SkipRule decides which URLs are skipped without being attempted.
type SkipRule struct {
	Markers []string
}

// Skip reports whether the URL contains an unsupported-content marker.
func (r SkipRule) Skip(url string) bool {
	for _, m := range r.Markers {
		if m != "" && strings.Contains(url, m) {
			return true
		}
	}
	return false
}

// Dispatchable counts the URLs that will actually be attempted.
func (r SkipRule) Dispatchable(urls []string) int {
	n := 0
	for _, u := range urls {
		if !r.Skip(u) {
			n++
		}
	}
	return n
}
