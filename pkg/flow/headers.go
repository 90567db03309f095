package flow

import "strings"

// Headers is a slice of header key-value pairs. Order and name casing are
// preserved so messages serialize back the way they were received.
type Headers [][]string

// Get returns the first value for the given header name (case-insensitive).
// Returns an empty string if the header is not found.
func (h Headers) Get(name string) string {
	for _, pair := range h {
		if len(pair) >= 2 && strings.EqualFold(pair[0], name) {
			return pair[1]
		}
	}
	return ""
}

// Values returns all values for the given header name (case-insensitive).
func (h Headers) Values(name string) []string {
	var values []string
	for _, pair := range h {
		if len(pair) >= 2 && strings.EqualFold(pair[0], name) {
			values = append(values, pair[1])
		}
	}
	return values
}

// Has reports whether a header with the given name is present.
func (h Headers) Has(name string) bool {
	for _, pair := range h {
		if len(pair) >= 2 && strings.EqualFold(pair[0], name) {
			return true
		}
	}
	return false
}

// Add appends a header.
func (h *Headers) Add(name, value string) {
	*h = append(*h, []string{name, value})
}

// Set replaces the first header with the given name in place and drops any
// later duplicates. The header is appended when absent.
func (h *Headers) Set(name, value string) {
	out := (*h)[:0]
	found := false
	for _, pair := range *h {
		if len(pair) >= 2 && strings.EqualFold(pair[0], name) {
			if found {
				continue
			}
			found = true
			pair = []string{pair[0], value}
		}
		out = append(out, pair)
	}
	if !found {
		out = append(out, []string{name, value})
	}
	*h = out
}

// Del removes every header with the given name.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, pair := range *h {
		if len(pair) >= 2 && strings.EqualFold(pair[0], name) {
			continue
		}
		out = append(out, pair)
	}
	*h = out
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for i, pair := range h {
		out[i] = append([]string(nil), pair...)
	}
	return out
}
