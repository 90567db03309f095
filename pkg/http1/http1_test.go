package http1

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/pkg/errors"
	"github.com/usestring/powhttp-proxy/pkg/flow"
)

func TestHeadEnd(t *testing.T) {
	assert.Equal(t, -1, HeadEnd([]byte("GET / HTTP/1.1\r\nHost: a\r\n")))
	assert.Equal(t, 27, HeadEnd([]byte("GET / HTTP/1.1\r\nHost: a\r\n\r\nbody")))
	assert.Equal(t, 24, HeadEnd([]byte("GET / HTTP/1.1\nHost: a\n\nbody")))
}

func TestParseRequestHead(t *testing.T) {
	tests := []struct {
		name   string
		head   string
		form   flow.Form
		scheme string
		host   string
		port   int
		path   string
	}{
		{"absolute", "GET http://example.com/foo?hello=1 HTTP/1.1\r\nHost: example.com\r\n\r\n", flow.FormAbsolute, "http", "example.com", 80, "/foo?hello=1"},
		{"absolute with port", "GET https://example.com:8443 HTTP/1.1\r\n\r\n", flow.FormAbsolute, "https", "example.com", 8443, "/"},
		{"absolute query only", "GET http://example.com?x=1 HTTP/1.1\r\n\r\n", flow.FormAbsolute, "http", "example.com", 80, "/?x=1"},
		{"origin", "POST /upload HTTP/1.1\r\nHost: example.com\r\n\r\n", flow.FormOrigin, "", "", 0, "/upload"},
		{"connect", "CONNECT example.proxy:80 HTTP/1.1\r\n\r\n", flow.FormAuthority, "", "example.proxy", 80, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequestHead([]byte(tt.head))
			require.NoError(t, err)
			assert.Equal(t, tt.form, req.Form)
			assert.Equal(t, tt.scheme, req.Scheme)
			assert.Equal(t, tt.host, req.Host)
			assert.Equal(t, tt.port, req.Port)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, "HTTP/1.1", req.HTTPVersion)
		})
	}
}

func TestParseRequestHeadRejectsGarbage(t *testing.T) {
	heads := []string{
		"I don't speak HTTP.\r\n\r\n",
		"GET / HTTP/2.0\r\n\r\n",
		"GET ftp://example.com/ HTTP/1.1\r\n\r\n",
		"CONNECT example.com HTTP/1.1\r\n\r\n",
		"GET / HTTP/1.1\r\nBad Header\r\n\r\n",
		"GET / HTTP/1.1\r\nX-A: 1\r\n continued\r\n\r\n",
		"G(T / HTTP/1.1\r\n\r\n",
	}
	for _, h := range heads {
		_, err := ParseRequestHead([]byte(h))
		assert.True(t, errors.IsProtocol(err), "head %q", h)
	}
}

func TestParseResponseHead(t *testing.T) {
	resp, err := ParseResponseHead([]byte("HTTP/1.1 200 OK\r\nContent-Length: 12\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "12", resp.Headers.Get("content-length"))

	resp, err = ParseResponseHead([]byte("HTTP/1.0 204\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Empty(t, resp.Reason)

	_, err = ParseResponseHead([]byte("I don't speak HTTP.\r\n\r\n"))
	assert.Error(t, err)
	_, err = ParseResponseHead([]byte("HTTP/1.1 2000 OK\r\n\r\n"))
	assert.Error(t, err)
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	head := "GET http://example.com/foo?hello=1 HTTP/1.1\r\nHost: example.com\r\nX-Mixed-Case: Value\r\n\r\n"
	req, err := ParseRequestHead([]byte(head))
	require.NoError(t, err)
	assert.Equal(t, "GET /foo?hello=1 HTTP/1.1\r\nHost: example.com\r\nX-Mixed-Case: Value\r\n\r\n", string(AssembleRequestHead(req)))

	rhead := "HTTP/1.1 200 OK\r\nContent-Length: 12\r\n\r\n"
	resp, err := ParseResponseHead([]byte(rhead))
	require.NoError(t, err)
	assert.Equal(t, rhead, string(AssembleResponseHead(resp)))
}

func TestLooksLikeResponse(t *testing.T) {
	assert.True(t, LooksLikeResponse([]byte("HT")))
	assert.True(t, LooksLikeResponse([]byte("HTTP/1.1 200")))
	assert.False(t, LooksLikeResponse([]byte("I don't")))
}

func TestLooksLikeRequest(t *testing.T) {
	assert.True(t, LooksLikeRequest([]byte("GET / HTTP/1.1\r\n")))
	assert.True(t, LooksLikeRequest([]byte("CONNECT example.com:443 HTTP/1.1")))
	assert.False(t, LooksLikeRequest([]byte("GET")))
	assert.False(t, LooksLikeRequest([]byte("GETX / HTTP/1.1")))
	assert.False(t, LooksLikeRequest([]byte{0x16, 0x03, 0x01, 0x02, 0x00}))
	assert.False(t, LooksLikeRequest([]byte("SSH-2.0-OpenSSH_9.6\r\n")))
}

func TestRequestBodySize(t *testing.T) {
	tests := []struct {
		name    string
		headers flow.Headers
		want    BodySize
		wantErr bool
	}{
		{"no body", flow.Headers{}, BodySize{Kind: SizeNone}, false},
		{"content length", flow.Headers{{"Content-Length", "6"}}, BodySize{Kind: SizeLength, Length: 6}, false},
		{"duplicate identical lengths", flow.Headers{{"Content-Length", "6"}, {"Content-Length", "6"}}, BodySize{Kind: SizeLength, Length: 6}, false},
		{"conflicting lengths", flow.Headers{{"Content-Length", "6"}, {"Content-Length", "7"}}, BodySize{}, true},
		{"negative length", flow.Headers{{"Content-Length", "-1"}}, BodySize{}, true},
		{"chunked", flow.Headers{{"Transfer-Encoding", "gzip, chunked"}}, BodySize{Kind: SizeChunked}, false},
		{"unsupported coding", flow.Headers{{"Transfer-Encoding", "gzip"}}, BodySize{}, true},
		{"te and cl", flow.Headers{{"Transfer-Encoding", "chunked"}, {"Content-Length", "3"}}, BodySize{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestBodySize(&flow.Request{Headers: tt.headers})
			if tt.wantErr {
				assert.True(t, errors.IsProtocol(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponseBodySize(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		status  int
		headers flow.Headers
		want    SizeKind
	}{
		{"head request", "HEAD", 200, flow.Headers{{"Content-Length", "10"}}, SizeNone},
		{"no content", "GET", 204, nil, SizeNone},
		{"not modified", "GET", 304, nil, SizeNone},
		{"informational", "GET", 100, nil, SizeNone},
		{"connect established", "CONNECT", 200, nil, SizeNone},
		{"chunked", "GET", 200, flow.Headers{{"Transfer-Encoding", "chunked"}, {"Content-Length", "4"}}, SizeChunked},
		{"length", "GET", 200, flow.Headers{{"Content-Length", "4"}}, SizeLength},
		{"until eof", "GET", 200, nil, SizeUntilEOF},
		{"non-chunked coding", "GET", 200, flow.Headers{{"Transfer-Encoding", "gzip"}}, SizeUntilEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResponseBodySize(tt.method, &flow.Response{StatusCode: tt.status, Headers: tt.headers})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}

func TestKeepAlive(t *testing.T) {
	assert.True(t, KeepAlive("HTTP/1.1", nil))
	assert.False(t, KeepAlive("HTTP/1.1", flow.Headers{{"Connection", "close"}}))
	assert.False(t, KeepAlive("HTTP/1.0", nil))
	assert.True(t, KeepAlive("HTTP/1.0", flow.Headers{{"Connection", "Keep-Alive"}}))
}

// readAll feeds input to r in pieces of the given size and collects output.
func readAll(t *testing.T, r BodyReader, input string, step int) (string, string, bool) {
	t.Helper()
	var body strings.Builder
	buf := []byte{}
	done := false
	for i := 0; i < len(input) && !done; i += step {
		end := min(i+step, len(input))
		buf = append(buf, input[i:end]...)
		data, n, d, err := r.Read(buf)
		require.NoError(t, err)
		body.Write(data)
		buf = buf[n:]
		done = d
		if done {
			buf = append(buf, input[end:]...)
		}
	}
	return body.String(), string(buf), done
}

func TestChunkedReader(t *testing.T) {
	input := "3\r\nabc\r\n3;ext=1\r\ndef\r\n0\r\nX-Trailer: 1\r\n\r\nNEXT"
	for _, step := range []int{1, 2, 5, len(input)} {
		body, rest, done := readAll(t, NewBodyReader(BodySize{Kind: SizeChunked}), input, step)
		assert.True(t, done, "step %d", step)
		assert.Equal(t, "abcdef", body, "step %d", step)
		assert.Equal(t, "NEXT", rest, "step %d", step)
	}
}

func TestChunkedReaderErrors(t *testing.T) {
	r := NewBodyReader(BodySize{Kind: SizeChunked})
	_, _, _, err := r.Read([]byte("zz\r\n"))
	assert.ErrorContains(t, err, "invalid byte in chunk length")

	r = NewBodyReader(BodySize{Kind: SizeChunked})
	_, _, _, err = r.Read([]byte("3\r\nabcXX"))
	assert.ErrorContains(t, err, "malformed chunked encoding")

	r = NewBodyReader(BodySize{Kind: SizeChunked})
	_, _, _, err = r.Read([]byte("fffffffffffffffff\r\n"))
	assert.ErrorContains(t, err, "too large")

	r = NewBodyReader(BodySize{Kind: SizeChunked})
	_, _, _, err = r.Read([]byte("3\r\nab"))
	require.NoError(t, err)
	assert.True(t, errors.IsProtocol(r.EOF()))
}

func TestLengthReader(t *testing.T) {
	body, rest, done := readAll(t, NewBodyReader(BodySize{Kind: SizeLength, Length: 6}), "abcdefGET", 4)
	assert.True(t, done)
	assert.Equal(t, "abcdef", body)
	assert.Equal(t, "GET", rest)

	r := NewBodyReader(BodySize{Kind: SizeLength, Length: 10})
	_, _, _, err := r.Read([]byte("weee"))
	require.NoError(t, err)
	assert.Error(t, r.EOF())
}

func TestUntilEOFReader(t *testing.T) {
	r := NewBodyReader(BodySize{Kind: SizeUntilEOF})
	data, n, done, err := r.Read([]byte("foo"))
	require.NoError(t, err)
	assert.Equal(t, "foo", string(data))
	assert.Equal(t, 3, n)
	assert.False(t, done)
	assert.NoError(t, r.EOF())
}

func TestNoneReader(t *testing.T) {
	_, n, done, err := NewBodyReader(BodySize{Kind: SizeNone}).Read(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, done)
}

func TestAssembleChunkedBody(t *testing.T) {
	headers := flow.Headers{{"Transfer-Encoding", "chunked"}}
	assert.Equal(t, "5\r\nhello\r\n0\r\n\r\n", string(AssembleBody(headers, []byte("hello"))))
	assert.Equal(t, "0\r\n\r\n", string(AssembleBody(headers, nil)))
	assert.Equal(t, "raw", string(AssembleBody(nil, []byte("raw"))))
	assert.Nil(t, EncodeChunk(nil))
	assert.Equal(t, "1a\r\n", string(EncodeChunk(make([]byte, 26))[:4]))
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(502, "Server disconnected.")
	wire := string(AssembleResponse(resp))
	assert.True(t, strings.HasPrefix(wire, "HTTP/1.1 502 Bad Gateway\r\n"))
	assert.Contains(t, wire, "Content-Length: 20\r\n")
	assert.True(t, strings.HasSuffix(wire, "\r\n\r\nServer disconnected."))
}
