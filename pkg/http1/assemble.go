package http1

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/usestring/powhttp-proxy/pkg/flow"
)

// ConnectionEstablished is the reply sent to a client whose CONNECT was accepted.
var ConnectionEstablished = []byte("HTTP/1.1 200 Connection established\r\n\r\n")

// Continue is the interim response answering Expect: 100-continue.
var Continue = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// ChunkTerminator ends a chunked body without trailers.
var ChunkTerminator = []byte("0\r\n\r\n")

func writeHeaders(buf *bytes.Buffer, headers flow.Headers) {
	for _, pair := range headers {
		if len(pair) < 2 {
			continue
		}
		buf.WriteString(pair[0])
		buf.WriteString(": ")
		buf.WriteString(pair[1])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
}

// AssembleRequestHead serializes a request head for a server. Absolute-form
// requests are written in origin-form; CONNECT keeps its authority.
func AssembleRequestHead(req *flow.Request) []byte {
	target := req.Path
	switch {
	case req.Form == flow.FormAuthority:
		target = req.Address().String()
	case target == "":
		target = "/"
	}
	version := req.HTTPVersion
	if version == "" {
		version = "HTTP/1.1"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, target, version)
	writeHeaders(&buf, req.Headers)
	return buf.Bytes()
}

// AssembleResponseHead serializes a response head.
func AssembleResponseHead(resp *flow.Response) []byte {
	version := resp.HTTPVersion
	if version == "" {
		version = "HTTP/1.1"
	}

	var buf bytes.Buffer
	buf.WriteString(version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(resp.StatusCode))
	if resp.Reason != "" {
		buf.WriteByte(' ')
		buf.WriteString(resp.Reason)
	}
	buf.WriteString("\r\n")
	writeHeaders(&buf, resp.Headers)
	return buf.Bytes()
}

// AssembleBody frames a fully buffered body for the wire. Chunked messages
// get a single chunk followed by the terminator.
func AssembleBody(headers flow.Headers, body []byte) []byte {
	if !IsChunked(headers) {
		return body
	}
	out := EncodeChunk(body)
	return append(out, ChunkTerminator...)
}

// AssembleRequest serializes a complete buffered request.
func AssembleRequest(req *flow.Request) []byte {
	return append(AssembleRequestHead(req), AssembleBody(req.Headers, req.Body)...)
}

// AssembleResponse serializes a complete buffered response.
func AssembleResponse(resp *flow.Response) []byte {
	return append(AssembleResponseHead(resp), AssembleBody(resp.Headers, resp.Body)...)
}

// EncodeChunk frames data as one chunk. Empty data yields nothing, since a
// zero-length chunk would terminate the body.
func EncodeChunk(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, 0, len(data)+12)
	out = strconv.AppendInt(out, int64(len(data)), 16)
	out = append(out, '\r', '\n')
	out = append(out, data...)
	return append(out, '\r', '\n')
}

// ErrorResponse builds the plain-text response the proxy sends when it cannot
// relay a real one.
func ErrorResponse(status int, message string) *flow.Response {
	resp := flow.MakeResponse(status, []byte(message), flow.Headers{
		{"Content-Type", "text/plain; charset=utf-8"},
		{"Connection", "close"},
	})
	return resp
}
