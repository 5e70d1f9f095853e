// Package dockey derives the canonical, host-independent document key:
// the percent-encoded path only, with host and most query parameters
// excluded so aliased hostnames collaborate on
// the same document, while an `rdid` (readonly-doc-id) parameter, when
// present, is folded in so that two URIs differing only in `rdid` do
// NOT collaborate.
package dockey

import (
	"fmt"
	"net/url"
)

// DocKey computes the canonical key for publicURI.
func DocKey(publicURI string) (string, error) {
	u, err := url.Parse(publicURI)
	if err != nil {
		return "", fmt.Errorf("dockey: parse %q: %w", publicURI, err)
	}

	decodedPath, err := url.PathUnescape(u.Path)
	if err != nil {
		return "", fmt.Errorf("dockey: unescape path %q: %w", u.Path, err)
	}
	canonicalPath := (&url.URL{Path: decodedPath}).EscapedPath()

	key := canonicalPath
	if rdid := u.Query().Get("rdid"); rdid != "" {
		key = canonicalPath + "?rdid=" + rdid
	}
	return key, nil
}

// DecodeThenReencode decodes publicURI's path and re-escapes it,
// leaving host and query untouched — used to assert
// docKey(encode(decode(u))) == docKey(u).
func DecodeThenReencode(publicURI string) (string, error) {
	u, err := url.Parse(publicURI)
	if err != nil {
		return "", fmt.Errorf("dockey: parse %q: %w", publicURI, err)
	}
	decoded, err := url.PathUnescape(u.Path)
	if err != nil {
		return "", fmt.Errorf("dockey: unescape path %q: %w", u.Path, err)
	}
	u.Path = decoded
	return u.String(), nil
}

// IsEquivalentPath reports whether two raw path strings decode to the
// same canonical path.
func IsEquivalentPath(a, b string) bool {
	da, errA := url.PathUnescape(a)
	db, errB := url.PathUnescape(b)
	if errA != nil || errB != nil {
		return false
	}
	return da == db
}
