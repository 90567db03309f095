// Package contenttype classifies HTTP message bodies into broad categories.
package contenttype

import (
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Category represents a broad content-type classification.
type Category string

const (
	JSON   Category = "json"
	XML    Category = "xml"
	HTML   Category = "html"
	YAML   Category = "yaml"
	CSV    Category = "csv"
	Form   Category = "form"
	Text   Category = "text"
	Binary Category = "binary"
	Empty  Category = "empty"
)

// exact media types, checked before the substring rules.
var exact = map[string]Category{
	"text/html":                         HTML,
	"application/xhtml+xml":             HTML,
	"text/csv":                          CSV,
	"text/tab-separated-values":         CSV,
	"application/x-www-form-urlencoded": Form,
	"application/javascript":            Text,
	"application/ecmascript":            Text,
}

// mediaType strips parameters and lowercases. Malformed values fall back
// to a trimmed lowercase copy.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// Classify returns the category for a Content-Type header value. Unknown and
// empty values are Binary.
func Classify(contentType string) Category {
	if contentType == "" {
		return Binary
	}
	mt := mediaType(contentType)
	if c, ok := exact[mt]; ok {
		return c
	}
	switch {
	case strings.Contains(mt, "json"):
		return JSON
	case strings.Contains(mt, "xml"):
		return XML
	case strings.Contains(mt, "yaml"):
		return YAML
	case strings.HasPrefix(mt, "text/"):
		return Text
	}
	return Binary
}

// Detect classifies a message body. The header wins when present; otherwise
// the body is sniffed. A zero-length body is Empty.
func Detect(contentType string, body []byte) Category {
	if len(body) == 0 {
		return Empty
	}
	if contentType != "" {
		return Classify(contentType)
	}
	if c := Classify(http.DetectContentType(body)); c != Binary {
		return c
	}
	if utf8.Valid(body) {
		return Text
	}
	return Binary
}

// Textual reports whether bodies of category c may be rewritten as text.
func (c Category) Textual() bool {
	switch c {
	case Binary, Empty:
		return false
	}
	return true
}

// IsJSON returns true if the content type indicates JSON (case-insensitive).
func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}
