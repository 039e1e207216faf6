// Package matcher decides which URLs are conversation fetches and pulls
// conversation ids out of page and API URLs.
package matcher

import (
	"net/url"
	"regexp"
	"strings"
)

// IDLength is the length of a conversation id (8-4-4-4-12 hex layout).
const IDLength = 36

const apiPrefix = "/backend-api/conversation/"

var (
	pagePattern = regexp.MustCompile(`/c/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})(?:[/?#]|$)`)
	apiPattern  = regexp.MustCompile(`/backend-api/conversation/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})(?:[/?#]|$)`)
)

// DefaultHosts are the chat hosts observed by default.
var DefaultHosts = []string{"chatgpt.com", "chat.openai.com"}

// DefaultExcluded lists conversation sub-resources that never carry the
// conversation mapping.
var DefaultExcluded = []string{
	"/textdocs",
	"/attachment",
	"/download",
	"/files",
	"/stream_status",
	"/init",
}

// Matcher holds the host and sub-resource lists used for classification.
type Matcher struct {
	Hosts    []string
	Excluded []string
}

// Default is the matcher used by the package level functions.
var Default = New(nil, nil)

// New creates a Matcher. Nil slices fall back to the defaults.
func New(hosts, excluded []string) *Matcher {
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	if excluded == nil {
		excluded = DefaultExcluded
	}
	return &Matcher{Hosts: hosts, Excluded: excluded}
}

// IsTargetHost reports whether host (with or without port) is observed.
func (m *Matcher) IsTargetHost(host string) bool {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, t := range m.Hosts {
		if host == t || strings.HasSuffix(host, "."+t) {
			return true
		}
	}
	return false
}

// IsExcludedSubresource reports whether the path addresses a document or
// attachment below a conversation.
func (m *Matcher) IsExcludedSubresource(path string) bool {
	for _, ex := range m.Excluded {
		if strings.Contains(path, ex) {
			return true
		}
	}
	return false
}

// IsConversationFetch reports whether a request is a read of a conversation
// document from the backend API.
func (m *Matcher) IsConversationFetch(rawURL, method string) bool {
	if !strings.EqualFold(method, "GET") {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Host != "" && !m.IsTargetHost(u.Host) {
		return false
	}
	if !strings.Contains(u.Path, apiPrefix) {
		return false
	}
	return !m.IsExcludedSubresource(u.Path)
}

// IsConversationPage reports whether rawURL is a conversation page (/c/<id>).
func (m *Matcher) IsConversationPage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Host != "" && !m.IsTargetHost(u.Host) {
		return false
	}
	return pagePattern.MatchString(u.Path)
}

// ExtractConversationID returns the conversation id embedded in a page or
// API URL, or "" when none is present.
func ExtractConversationID(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	if m := pagePattern.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	if m := apiPattern.FindStringSubmatch(path); m != nil {
		return m[1]
	}
	return ""
}

// ContainsConversationID reports whether rawURL mentions id anywhere.
func ContainsConversationID(rawURL, id string) bool {
	if len(id) != IDLength {
		return false
	}
	return strings.Contains(rawURL, id)
}

// IsConversationFetch classifies with the default matcher.
func IsConversationFetch(rawURL, method string) bool {
	return Default.IsConversationFetch(rawURL, method)
}

// IsConversationPage classifies with the default matcher.
func IsConversationPage(rawURL string) bool {
	return Default.IsConversationPage(rawURL)
}

// IsExcludedSubresource checks path against the default exclusions.
func IsExcludedSubresource(path string) bool {
	return Default.IsExcludedSubresource(path)
}
