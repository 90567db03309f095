package flowstore

import (
	"net/url"
	"strings"
	"unicode"
)

// tokenDelimiters defines characters that separate tokens
const tokenDelimiters = "/?&=.-_:"

// Tokenize splits s on / ? & = . - _ : and whitespace, lowercases, drops
// tokens shorter than 2 bytes and removes duplicates, keeping first order.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return strings.ContainsRune(tokenDelimiters, r) || unicode.IsSpace(r)
	})

	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// TokenizeURL extracts tokens from the host, path and query keys of a URL.
// Query values are left out; they are mostly ids and noise.
func TokenizeURL(rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Tokenize(rawURL)
	}

	parts := []string{parsed.Hostname(), parsed.Path}
	for key := range parsed.Query() {
		parts = append(parts, key)
	}
	return Tokenize(strings.Join(parts, " "))
}
