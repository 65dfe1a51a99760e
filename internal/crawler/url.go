package crawler

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeURL standardizes a URL so equivalent spellings compare equal.
// It lowercases the scheme and host, removes default ports, drops the
// fragment, sorts query parameters by key then value, and trims a trailing
// slash from the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
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
	u.RawFragment = ""

	q := u.Query()
	for _, values := range q {
		sort.Strings(values)
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// PathDepth counts the segments of the URL path once leading and trailing
// slashes are trimmed. The root path counts as one segment.
func PathDepth(u *url.URL) int {
	return len(strings.Split(strings.Trim(u.Path, "/"), "/"))
}

// HostOf returns the lowercased host of rawURL without its port.
func HostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return strings.ToLower(u.Hostname()), nil
}
