package httplayer

import (
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/errors"
	"github.com/usestring/powhttp-proxy/pkg/http1"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

// clientConn is the parsing state of the client connection. HTTP/1 carries
// one exchange at a time; bytes of a pipelined request stay in buf until the
// current exchange completes.
type clientConn struct {
	buf     []byte
	stream  *stream
	reader  http1.BodyReader
	reading bool
}

type serverState uint8

const (
	serverIdle serverState = iota
	serverAwaitingHead
	serverReadingBody
	serverResponseDone
)

// serverConn is a pooled server connection. At most one stream uses it at a
// time.
type serverConn struct {
	conn    *connection.Connection
	stream  *stream
	opening bool
	state   serverState
	method  string
	buf     []byte
	reader  http1.BodyReader
}

// readClient parses as much of the client buffer as the current exchange
// allows. Nested calls return immediately; the outer loop picks up their work.
func (l *Layer) readClient() []layer.Command {
	c := &l.client
	if c.reading {
		return nil
	}
	c.reading = true
	defer func() { c.reading = false }()

	var cmds []layer.Command
	for !l.shutDown && l.child == nil {
		if c.reader != nil {
			if len(c.buf) == 0 {
				break
			}
			s := c.stream
			data, n, done, err := c.reader.Read(c.buf)
			c.buf = c.buf[n:]
			if len(data) > 0 {
				cmds = append(cmds, s.handle(requestData{data: data})...)
			}
			if err != nil {
				c.reader = nil
				cmds = append(cmds, s.handle(requestError{err: err})...)
				break
			}
			if !done {
				break
			}
			c.reader = nil
			cmds = append(cmds, s.handle(requestEnd{})...)
			continue
		}
		if c.stream != nil || l.clientClosed {
			break
		}

		c.buf = http1.TrimLeadingNewlines(c.buf)
		end := http1.HeadEnd(c.buf)
		if end < 0 {
			if len(c.buf) > l.maxHeadSize() {
				return append(cmds, l.clientProtocolError(errors.NewProtocolError("request head too large", nil))...)
			}
			break
		}
		if end > l.maxHeadSize() {
			return append(cmds, l.clientProtocolError(errors.NewProtocolError("request head too large", nil))...)
		}
		req, err := http1.ParseRequestHead(c.buf[:end])
		if err != nil {
			return append(cmds, l.clientProtocolError(err)...)
		}
		size, err := http1.RequestBodySize(req)
		if err != nil {
			return append(cmds, l.clientProtocolError(err)...)
		}
		c.buf = c.buf[end:]

		s := l.newStream()
		c.stream = s
		if !size.Empty() {
			c.reader = http1.NewBodyReader(size)
		}
		cmds = append(cmds, s.handle(requestHeaders{req: req, size: size})...)
		if size.Empty() {
			cmds = append(cmds, s.handle(requestEnd{})...)
		}
	}
	return cmds
}

func (l *Layer) onServerData(sc *serverConn, data []byte) []layer.Command {
	if sc.stream == nil {
		l.removeServer(sc)
		return []layer.Command{
			layer.Logf(slog.LevelWarn, "unexpected data from idle server connection %s", sc.conn.Address),
			&layer.CloseConnection{Conn: sc.conn},
		}
	}
	sc.buf = append(sc.buf, data...)
	return l.readServer(sc)
}

func (l *Layer) readServer(sc *serverConn) []layer.Command {
	s := sc.stream
	var cmds []layer.Command
	for s != nil && sc.stream == s && len(sc.buf) > 0 {
		switch sc.state {
		case serverReadingBody:
			data, n, done, err := sc.reader.Read(sc.buf)
			sc.buf = sc.buf[n:]
			if len(data) > 0 {
				cmds = append(cmds, s.handle(responseData{data: data})...)
			}
			if err != nil {
				return append(cmds, l.serverFailed(sc, err)...)
			}
			if !done {
				return cmds
			}
			sc.reader = nil
			sc.state = serverResponseDone
			cmds = append(cmds, s.handle(responseEnd{})...)

		case serverAwaitingHead:
			if !http1.LooksLikeResponse(sc.buf) {
				err := errors.NewProtocolError(fmt.Sprintf("server %s sent an invalid HTTP response", sc.conn.Address), nil)
				return append(cmds, l.serverFailed(sc, err)...)
			}
			end := http1.HeadEnd(sc.buf)
			if end < 0 || end > l.maxHeadSize() {
				if len(sc.buf) > l.maxHeadSize() || end > l.maxHeadSize() {
					return append(cmds, l.serverFailed(sc, errors.NewProtocolError("response head too large", nil))...)
				}
				return cmds
			}
			resp, err := http1.ParseResponseHead(sc.buf[:end])
			if err != nil {
				return append(cmds, l.serverFailed(sc, err)...)
			}
			size, err := http1.ResponseBodySize(sc.method, resp)
			if err != nil {
				return append(cmds, l.serverFailed(sc, err)...)
			}
			head := sc.buf[:end]
			sc.buf = sc.buf[end:]

			if resp.StatusCode == 101 {
				err := errors.NewProtocolError("protocol upgrades are not supported", nil)
				return append(cmds, l.serverFailed(sc, err)...)
			}
			if resp.StatusCode < 200 {
				cmds = append(cmds, s.handle(responseInformational{head: append([]byte(nil), head...)})...)
				continue
			}

			if size.Empty() {
				sc.state = serverResponseDone
				cmds = append(cmds, s.handle(responseHeaders{resp: resp, size: size})...)
				cmds = append(cmds, s.handle(responseEnd{})...)
				continue
			}
			sc.state = serverReadingBody
			sc.reader = http1.NewBodyReader(size)
			cmds = append(cmds, s.handle(responseHeaders{resp: resp, size: size})...)

		default:
			// Bytes after a complete response or before a request was sent.
			err := errors.NewProtocolError(fmt.Sprintf("unexpected data from server %s", sc.conn.Address), nil)
			return append(cmds, l.serverFailed(sc, err)...)
		}
	}
	return cmds
}

// serverFailed closes a broken server connection and fails its exchange.
func (l *Layer) serverFailed(sc *serverConn, err error) []layer.Command {
	s := sc.stream
	l.detach(sc)
	cmds := []layer.Command{&layer.CloseConnection{Conn: sc.conn}}
	if s != nil {
		cmds = append(cmds, s.handle(serverError{err: asError(err)})...)
	}
	return cmds
}

// detach removes sc from the pool and from its stream.
func (l *Layer) detach(sc *serverConn) {
	l.removeServer(sc)
	if s := sc.stream; s != nil && s.server == sc {
		s.server = nil
	}
	sc.stream = nil
	sc.reader = nil
	sc.state = serverIdle
}

func (l *Layer) onServerClosed(sc *serverConn) []layer.Command {
	s := sc.stream
	if s == nil {
		l.removeServer(sc)
		return closeRest(sc)
	}

	switch sc.state {
	case serverReadingBody:
		if err := sc.reader.EOF(); err != nil {
			return l.serverFailed(sc, err)
		}
		// Close-delimited body: the response is complete.
		l.detach(sc)
		return append(closeRest(sc), s.handle(responseEnd{})...)

	case serverResponseDone:
		l.detach(sc)
		if s.reqComplete {
			return closeRest(sc)
		}
		cmds := []layer.Command{&layer.CloseConnection{Conn: sc.conn}}
		return append(cmds, s.handle(serverClosedEarly{})...)

	default:
		err := errors.NewConnectivityError(sc.conn.Address.String(), "Server disconnected.", nil)
		if len(sc.buf) > 0 {
			err = errors.NewProtocolError("server closed the connection in the middle of the response head", nil)
		}
		return l.serverFailed(sc, err)
	}
}

// closeRest closes what is left of a server connection whose peer stopped
// sending. It is never reused, so its write side goes too.
func closeRest(sc *serverConn) []layer.Command {
	if !sc.conn.Connected() {
		return nil
	}
	return []layer.Command{&layer.CloseConnection{Conn: sc.conn}}
}

func asError(err error) *errors.Error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e
	}
	return errors.NewProtocolError(err.Error(), err)
}
