package flow

import (
	"net/http"
	"strconv"
	"time"
)

// Response is an HTTP response.
type Response struct {
	HTTPVersion string
	StatusCode  int
	Reason      string
	Headers     Headers
	Body        []byte
	Stream      StreamFunc

	TimestampStart time.Time
	TimestampEnd   time.Time
}

// MakeResponse builds a synthetic HTTP/1.1 response with a Content-Length
// header matching body.
func MakeResponse(status int, body []byte, headers Headers) *Response {
	h := headers.Clone()
	if h == nil {
		h = Headers{}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	now := time.Now()
	return &Response{
		HTTPVersion:    "HTTP/1.1",
		StatusCode:     status,
		Reason:         http.StatusText(status),
		Headers:        h,
		Body:           body,
		TimestampStart: now,
		TimestampEnd:   now,
	}
}

// SetBody replaces the body and keeps Content-Length consistent unless the
// message is chunked.
func (r *Response) SetBody(b []byte) {
	r.Body = b
	syncContentLength(&r.Headers, len(b))
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
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

func (r *Response) restoreHead(from *Response) {
	r.HTTPVersion = from.HTTPVersion
	r.StatusCode = from.StatusCode
	r.Reason = from.Reason
	r.Headers = from.Headers.Clone()
}
