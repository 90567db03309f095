package http1

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/usestring/powhttp-proxy/pkg/errors"
	"github.com/usestring/powhttp-proxy/pkg/flow"
)

// maxContentLength rejects absurd declared lengths.
const maxContentLength = 1 << 40

// maxChunkLine bounds a chunk-size line including extensions.
const maxChunkLine = 4096

// SizeKind is the body-length strategy of a message.
type SizeKind uint8

const (
	SizeNone SizeKind = iota
	SizeLength
	SizeChunked
	SizeUntilEOF
)

func (k SizeKind) String() string {
	switch k {
	case SizeLength:
		return "content-length"
	case SizeChunked:
		return "chunked"
	case SizeUntilEOF:
		return "until-eof"
	default:
		return "none"
	}
}

// BodySize is the framing chosen once at head-parse time.
type BodySize struct {
	Kind   SizeKind
	Length int64
}

// Empty reports whether the message has no body bytes to read.
func (s BodySize) Empty() bool {
	return s.Kind == SizeNone || (s.Kind == SizeLength && s.Length == 0)
}

// IsChunked reports whether the final transfer coding is chunked.
func IsChunked(headers flow.Headers) bool {
	codings := transferCodings(headers)
	return len(codings) > 0 && codings[len(codings)-1] == "chunked"
}

func transferCodings(headers flow.Headers) []string {
	var codings []string
	for _, v := range headers.Values("Transfer-Encoding") {
		for _, c := range strings.Split(v, ",") {
			if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
				codings = append(codings, c)
			}
		}
	}
	return codings
}

func contentLength(headers flow.Headers) (int64, bool, error) {
	values := headers.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}
	var first string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if first == "" {
				first = part
			} else if part != first {
				return 0, false, errors.NewProtocolError("conflicting Content-Length headers", nil)
			}
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, false, errors.NewProtocolError(fmt.Sprintf("invalid Content-Length %q", first), nil)
	}
	if n > maxContentLength {
		return 0, false, errors.NewProtocolError(fmt.Sprintf("Content-Length %d too large", n), nil)
	}
	return n, true, nil
}

// RequestBodySize determines how the body of req is framed.
func RequestBodySize(req *flow.Request) (BodySize, error) {
	codings := transferCodings(req.Headers)
	if len(codings) > 0 {
		if req.Headers.Has("Content-Length") {
			return BodySize{}, errors.NewProtocolError("request has both Transfer-Encoding and Content-Length", nil)
		}
		if codings[len(codings)-1] != "chunked" {
			return BodySize{}, errors.NewProtocolError(fmt.Sprintf("unsupported transfer coding %q", strings.Join(codings, ", ")), nil)
		}
		return BodySize{Kind: SizeChunked}, nil
	}

	n, ok, err := contentLength(req.Headers)
	if err != nil {
		return BodySize{}, err
	}
	if !ok {
		return BodySize{Kind: SizeNone}, nil
	}
	return BodySize{Kind: SizeLength, Length: n}, nil
}

// ResponseBodySize determines how the body of a response to requestMethod is
// framed.
func ResponseBodySize(requestMethod string, resp *flow.Response) (BodySize, error) {
	code := resp.StatusCode
	switch {
	case requestMethod == "HEAD",
		code >= 100 && code < 200,
		code == 204,
		code == 304,
		requestMethod == "CONNECT" && code >= 200 && code < 300:
		return BodySize{Kind: SizeNone}, nil
	}

	if codings := transferCodings(resp.Headers); len(codings) > 0 {
		if codings[len(codings)-1] == "chunked" {
			return BodySize{Kind: SizeChunked}, nil
		}
		return BodySize{Kind: SizeUntilEOF}, nil
	}

	n, ok, err := contentLength(resp.Headers)
	if err != nil {
		return BodySize{}, err
	}
	if !ok {
		return BodySize{Kind: SizeUntilEOF}, nil
	}
	return BodySize{Kind: SizeLength, Length: n}, nil
}

// KeepAlive reports whether a connection may carry another message after one
// with the given version and headers.
func KeepAlive(version string, headers flow.Headers) bool {
	tokens := headers.Values("Connection")
	if httpguts.HeaderValuesContainsToken(tokens, "close") {
		return false
	}
	if version == "HTTP/1.0" {
		return httpguts.HeaderValuesContainsToken(tokens, "keep-alive")
	}
	return true
}

// BodyReader incrementally decodes a framed body.
type BodyReader interface {
	// Read consumes framed bytes from p. It returns the decoded body bytes, the
	// number of bytes of p consumed and whether the body is complete. Bytes
	// past the end of the body are left unconsumed.
	Read(p []byte) (data []byte, n int, done bool, err error)
	// EOF is called when the peer closed. It returns nil if the body is
	// complete by connection close.
	EOF() error
}

// NewBodyReader returns a reader for the given framing.
func NewBodyReader(size BodySize) BodyReader {
	switch size.Kind {
	case SizeLength:
		return &lengthReader{remaining: size.Length}
	case SizeChunked:
		return &chunkedReader{}
	case SizeUntilEOF:
		return &eofReader{}
	default:
		return &lengthReader{}
	}
}

type lengthReader struct {
	remaining int64
}

func (r *lengthReader) Read(p []byte) ([]byte, int, bool, error) {
	n := int(min(int64(len(p)), r.remaining))
	r.remaining -= int64(n)
	var data []byte
	if n > 0 {
		data = append([]byte(nil), p[:n]...)
	}
	return data, n, r.remaining == 0, nil
}

func (r *lengthReader) EOF() error {
	if r.remaining > 0 {
		return errors.NewProtocolError(fmt.Sprintf("connection closed with %d body bytes outstanding", r.remaining), io.ErrUnexpectedEOF)
	}
	return nil
}

type eofReader struct{}

func (r *eofReader) Read(p []byte) ([]byte, int, bool, error) {
	if len(p) == 0 {
		return nil, 0, false, nil
	}
	return append([]byte(nil), p...), len(p), false, nil
}

func (r *eofReader) EOF() error { return nil }

type chunkState uint8

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

type chunkedReader struct {
	state     chunkState
	remaining int64
}

func (r *chunkedReader) Read(p []byte) ([]byte, int, bool, error) {
	var data []byte
	n := 0
	for n < len(p) && r.state != chunkDone {
		rest := p[n:]
		switch r.state {
		case chunkSize:
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if len(rest) > maxChunkLine {
					return data, n, false, errors.NewProtocolError("chunk size line too long", nil)
				}
				return data, n, false, nil
			}
			size, err := parseChunkSize(rest[:i])
			if err != nil {
				return data, n, false, err
			}
			n += i + 1
			if size == 0 {
				r.state = chunkTrailer
			} else {
				r.state = chunkData
				r.remaining = size
			}

		case chunkData:
			k := int(min(int64(len(rest)), r.remaining))
			data = append(data, rest[:k]...)
			r.remaining -= int64(k)
			n += k
			if r.remaining == 0 {
				r.state = chunkDataEnd
			}

		case chunkDataEnd:
			switch {
			case rest[0] == '\n':
				n++
			case rest[0] == '\r' && len(rest) == 1:
				return data, n, false, nil
			case rest[0] == '\r' && rest[1] == '\n':
				n += 2
			default:
				return data, n, false, errors.NewProtocolError("malformed chunked encoding", nil)
			}
			r.state = chunkSize

		case chunkTrailer:
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if len(rest) > maxChunkLine {
					return data, n, false, errors.NewProtocolError("chunk trailer line too long", nil)
				}
				return data, n, false, nil
			}
			n += i + 1
			if len(bytes.TrimRight(rest[:i], "\r")) == 0 {
				r.state = chunkDone
			}
		}
	}
	return data, n, r.state == chunkDone, nil
}

func (r *chunkedReader) EOF() error {
	if r.state == chunkDone {
		return nil
	}
	return errors.NewProtocolError("connection closed inside chunked body", io.ErrUnexpectedEOF)
}

func parseChunkSize(line []byte) (int64, error) {
	line = bytes.TrimRight(line, "\r")
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, errors.NewProtocolError("empty chunk length", nil)
	}
	if len(line) >= 16 {
		return 0, errors.NewProtocolError("http chunk length too large", nil)
	}
	var size int64
	for _, b := range line {
		switch {
		case '0' <= b && b <= '9':
			b -= '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, errors.NewProtocolError("invalid byte in chunk length", nil)
		}
		size = size<<4 | int64(b)
	}
	return size, nil
}
