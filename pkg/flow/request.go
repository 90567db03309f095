package flow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/usestring/powhttp-proxy/pkg/connection"
)

// Form is the request-target form of a request line.
type Form uint8

const (
	FormOrigin    Form = iota // /path?query
	FormAbsolute              // http://host/path
	FormAuthority             // host:port (CONNECT)
)

func (f Form) String() string {
	switch f {
	case FormAbsolute:
		return "absolute"
	case FormAuthority:
		return "authority"
	default:
		return "origin"
	}
}

// StreamFunc transforms one body chunk. A non-nil StreamFunc on a message
// marks its body as streamed.
type StreamFunc func([]byte) []byte

// Identity passes chunks through unchanged.
func Identity(b []byte) []byte { return b }

// Request is an HTTP request.
type Request struct {
	Method      string
	Scheme      string
	Authority   string
	Host        string
	Port        int
	Path        string // path and query
	HTTPVersion string
	Headers     Headers
	Body        []byte
	Stream      StreamFunc
	Form        Form

	TimestampStart time.Time
	TimestampEnd   time.Time
}

// DefaultPort returns the well-known port for a scheme.
func DefaultPort(scheme string) int {
	if strings.EqualFold(scheme, "https") {
		return 443
	}
	return 80
}

// Address returns the target address of the request.
func (r *Request) Address() connection.Address {
	return connection.Address{Host: r.Host, Port: r.Port}
}

// HostHeader returns host[:port], omitting the default port of the scheme.
func (r *Request) HostHeader() string {
	host := r.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if r.Port == 0 || r.Port == DefaultPort(r.Scheme) {
		return host
	}
	return host + ":" + strconv.Itoa(r.Port)
}

// URL returns the full request URL. CONNECT requests return host:port.
func (r *Request) URL() string {
	if r.Form == FormAuthority {
		return r.Address().String()
	}
	path := r.Path
	if path == "" {
		path = "/"
	}
	if path == "*" {
		path = ""
	}
	return fmt.Sprintf("%s://%s%s", r.Scheme, r.HostHeader(), path)
}

// SetURL rewrites scheme, host, port and path from an absolute URL and keeps
// the Host header in sync.
func (r *Request) SetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url %q has no host", raw)
	}

	port := DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid port in url %q", raw)
		}
	}

	r.Scheme = u.Scheme
	r.Host = u.Hostname()
	r.Port = port
	r.Path = u.RequestURI()
	r.Authority = ""
	if r.Headers.Has("Host") {
		r.Headers.Set("Host", r.HostHeader())
	}
	return nil
}

// SetBody replaces the body and keeps Content-Length consistent unless the
// message is chunked.
func (r *Request) SetBody(b []byte) {
	r.Body = b
	syncContentLength(&r.Headers, len(b))
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

func (r *Request) restoreHead(from *Request) {
	r.Method = from.Method
	r.Scheme = from.Scheme
	r.Authority = from.Authority
	r.Host = from.Host
	r.Port = from.Port
	r.Path = from.Path
	r.HTTPVersion = from.HTTPVersion
	r.Headers = from.Headers.Clone()
	r.Form = from.Form
}

func syncContentLength(h *Headers, n int) {
	if strings.Contains(strings.ToLower(h.Get("Transfer-Encoding")), "chunked") {
		return
	}
	h.Set("Content-Length", strconv.Itoa(n))
}
