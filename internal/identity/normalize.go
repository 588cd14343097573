// Package identity canonicalizes external profile URLs into stable
// deduplication keys.
//
// Every lookup and every write of an identity key must go through Normalize,
// so that syntactically different spellings of the same profile
// (linkedin.com/in/x, https://www.linkedin.com/in/x/, ...?trk=...) collapse
// onto one key. The functions here are pure: no network, no database.
package identity

import (
	"net/url"
	"strings"
)

const canonicalPrefix = "https://www.linkedin.com/in/"

// Normalize returns the canonical identity key for a LinkedIn profile URL,
// or "" when the input carries no usable identity (empty, whitespace, or not
// a recognizable profile URL). Callers must never register an empty key.
//
// Canonical form: https://www.linkedin.com/in/<slug>
func Normalize(raw string) string {
	slug := Slug(raw)
	if slug == "" {
		return ""
	}
	return canonicalPrefix + slug
}

// Slug extracts the member handle from a LinkedIn profile URL: the path
// segment after /in/, stripped of query string, fragment and trailing slash.
// Returns "" when no handle can be found.
func Slug(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	// Tolerate scheme-less input ("linkedin.com/in/x", "www.linkedin.com/in/x").
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host != "linkedin.com" && !strings.HasSuffix(host, ".linkedin.com") {
		return ""
	}

	path := strings.Trim(u.EscapedPath(), "/")
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "in" && i+1 < len(parts) && parts[i+1] != "" {
			return strings.ToLower(parts[i+1])
		}
	}
	return ""
}
