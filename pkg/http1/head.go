// Package http1 is an incremental HTTP/1.x wire codec. It never touches a
// socket: callers feed it buffered bytes and get parsed heads, body-length
// strategies and decoded body chunks back.
package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/errors"
	"github.com/usestring/powhttp-proxy/pkg/flow"
)

// DefaultMaxHeadSize bounds the size of a request or response head.
const DefaultMaxHeadSize = 64 << 10

// HeadEnd returns the offset just past the blank line terminating the head in
// buf, or -1 when the head is not complete yet.
func HeadEnd(buf []byte) int {
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))
	lf := bytes.Index(buf, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1
	case crlf < 0:
		return lf + 2
	case lf < 0 || crlf < lf:
		return crlf + 4
	default:
		return lf + 2
	}
}

// TrimLeadingNewlines drops empty lines a client may send between requests.
func TrimLeadingNewlines(buf []byte) []byte {
	for len(buf) > 0 && (buf[0] == '\r' || buf[0] == '\n') {
		buf = buf[1:]
	}
	return buf
}

// LooksLikeResponse reports whether buf could be the start of a response head.
func LooksLikeResponse(buf []byte) bool {
	prefix := []byte("HTTP/")
	n := min(len(buf), len(prefix))
	return bytes.Equal(buf[:n], prefix[:n])
}

var requestMethods = []string{
	"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE",
}

// LooksLikeRequest reports whether buf starts with a known request method
// followed by a space. It needs at least the method and the space to decide.
func LooksLikeRequest(buf []byte) bool {
	for _, m := range requestMethods {
		if len(buf) > len(m) && string(buf[:len(m)]) == m && buf[len(m)] == ' ' {
			return true
		}
	}
	return false
}

func splitHead(head []byte) (string, []string) {
	text := strings.TrimRight(string(head), "\r\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines[0], lines[1:]
}

func parseHeaders(lines []string) (flow.Headers, error) {
	headers := make(flow.Headers, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, errors.NewProtocolError("obsolete header line folding is not supported", nil)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.NewProtocolError(fmt.Sprintf("invalid header line %q", line), nil)
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, errors.NewProtocolError(fmt.Sprintf("invalid header name %q", name), nil)
		}
		value = strings.Trim(value, " \t")
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, errors.NewProtocolError(fmt.Sprintf("invalid value for header %q", name), nil)
		}
		headers = append(headers, []string{name, value})
	}
	return headers, nil
}

func validVersion(v string) bool {
	return v == "HTTP/1.1" || v == "HTTP/1.0"
}

// ParseRequestHead parses a complete request head (request line and headers).
func ParseRequestHead(head []byte) (*flow.Request, error) {
	line, rest := splitHead(head)
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid request line %q", line), nil)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if method == "" || !httpguts.ValidHeaderFieldName(method) {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid method %q", method), nil)
	}
	if !validVersion(version) {
		return nil, errors.NewProtocolError(fmt.Sprintf("unsupported HTTP version %q", version), nil)
	}

	headers, err := parseHeaders(rest)
	if err != nil {
		return nil, err
	}

	req := &flow.Request{
		Method:         method,
		HTTPVersion:    version,
		Headers:        headers,
		TimestampStart: time.Now(),
	}
	if err := parseTarget(req, target); err != nil {
		return nil, err
	}
	return req, nil
}

func parseTarget(req *flow.Request, target string) error {
	switch {
	case req.Method == "CONNECT":
		addr, err := connection.ParseAddress(target, 0)
		if err != nil || addr.Port == 0 {
			return errors.NewProtocolError(fmt.Sprintf("invalid CONNECT target %q", target), err)
		}
		req.Form = flow.FormAuthority
		req.Authority = target
		req.Host = addr.Host
		req.Port = addr.Port
		return nil

	case strings.HasPrefix(target, "/") || target == "*":
		req.Form = flow.FormOrigin
		req.Path = target
		return nil
	}

	scheme, rest, ok := strings.Cut(target, "://")
	scheme = strings.ToLower(scheme)
	if !ok || (scheme != "http" && scheme != "https") {
		return errors.NewProtocolError(fmt.Sprintf("invalid request target %q", target), nil)
	}
	authority, path := rest, "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		authority, path = rest[:i], rest[i:]
		if path[0] == '?' {
			path = "/" + path
		}
	}
	addr, err := connection.ParseAddress(authority, flow.DefaultPort(scheme))
	if err != nil {
		return errors.NewProtocolError(fmt.Sprintf("invalid request target %q", target), err)
	}
	req.Form = flow.FormAbsolute
	req.Scheme = scheme
	req.Authority = authority
	req.Host = addr.Host
	req.Port = addr.Port
	req.Path = path
	return nil
}

// ParseResponseHead parses a complete response head (status line and headers).
func ParseResponseHead(head []byte) (*flow.Response, error) {
	line, rest := splitHead(head)
	version, status, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(version, "HTTP/1.") {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid status line %q", line), nil)
	}
	codeStr, reason, _ := strings.Cut(status, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return nil, errors.NewProtocolError(fmt.Sprintf("invalid status code %q", codeStr), nil)
	}

	headers, err := parseHeaders(rest)
	if err != nil {
		return nil, err
	}
	return &flow.Response{
		HTTPVersion:    version,
		StatusCode:     code,
		Reason:         reason,
		Headers:        headers,
		TimestampStart: time.Now(),
	}, nil
}
