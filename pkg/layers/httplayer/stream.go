package httplayer

import (
	"fmt"
	"time"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/errors"
	"github.com/usestring/powhttp-proxy/pkg/flow"
	"github.com/usestring/powhttp-proxy/pkg/http1"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

// Stream events, produced by the connection parsers.
type (
	requestHeaders struct {
		req  *flow.Request
		size http1.BodySize
	}
	requestData  struct{ data []byte }
	requestEnd   struct{}
	requestError struct{ err error }

	responseInformational struct{ head []byte }
	responseHeaders       struct {
		resp *flow.Response
		size http1.BodySize
	}
	responseData struct{ data []byte }
	responseEnd  struct{}

	serverError       struct{ err *errors.Error }
	serverClosedEarly struct{}
)

// stream is one HTTP exchange. While it waits for a hook reply or for its
// server connection to open, its events queue up and are replayed in order
// afterwards. Other streams and connection events are not held up.
type stream struct {
	l    *Layer
	id   int
	flow *flow.Flow

	reqSize  http1.BodySize
	respSize http1.BodySize
	reqBody  []byte
	respBody []byte

	server  *serverConn
	tunnel  *connection.Connection
	connect bool

	hook     layer.Hook
	snapshot *flow.Snapshot
	opening  bool
	queue    []any

	reqStreamed   bool
	reqEnded      bool
	reqComplete   bool
	reqDiscard    bool
	respStreamed  bool
	respStarted   bool
	respComplete  bool
	noErrorReply  bool
	closeClient   bool
	clientGone    bool
	finished      bool
}

func (s *stream) blocked() bool {
	return s.hook != nil || s.opening
}

func (s *stream) handle(ev any) []layer.Command {
	if s.finished {
		return nil
	}
	if s.blocked() {
		s.queue = append(s.queue, ev)
		return nil
	}
	return s.dispatch(ev)
}

func (s *stream) drain() []layer.Command {
	var cmds []layer.Command
	for !s.finished && !s.blocked() && len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		cmds = append(cmds, s.dispatch(ev)...)
	}
	return cmds
}

func (s *stream) dispatch(ev any) []layer.Command {
	switch e := ev.(type) {
	case requestHeaders:
		return s.onRequestHeaders(e)
	case requestData:
		return s.onRequestData(e.data)
	case requestEnd:
		return s.onRequestEnd()
	case requestError:
		return s.onRequestError(e.err)
	case responseInformational:
		if s.clientGone || s.respStarted {
			return nil
		}
		return s.sendClient(e.head)
	case responseHeaders:
		return s.onResponseHeaders(e)
	case responseData:
		return s.onResponseData(e.data)
	case responseEnd:
		return s.onResponseEnd()
	case serverError:
		return s.fail(e.err)
	case serverClosedEarly:
		s.reqDiscard = true
		s.reqComplete = true
		s.closeClient = true
		return s.maybeFinish()
	}
	return nil
}

// issue suspends the stream on a hook.
func (s *stream) issue(h layer.Hook) []layer.Command {
	s.hook = h
	s.snapshot = s.flow.Snapshot()
	s.l.hooks[h] = s
	return []layer.Command{h}
}

// resume applies a hook reply within the hook's contract and continues.
func (s *stream) resume(h layer.Hook) []layer.Command {
	s.flow.Restrict(s.snapshot, contract(h))
	replaced := s.snapshot.ResponseReplaced(s.flow)
	s.hook = nil
	s.snapshot = nil

	var cmds []layer.Command
	_, isError := h.(*ErrorHook)
	switch {
	case s.clientGone && !isError:
		cmds = s.abortClientGone()
	default:
		switch h.(type) {
		case *RequestHeadersHook:
			cmds = s.afterRequestHeaders()
		case *RequestHook:
			cmds = s.afterRequest()
		case *ResponseHeadersHook:
			cmds = s.afterResponseHeaders()
		case *ResponseHook:
			cmds = s.afterResponse()
		case *ErrorHook:
			cmds = s.afterError(replaced)
		case *ConnectHook:
			cmds = s.afterConnect()
		}
	}
	return append(cmds, s.drain()...)
}

func (s *stream) sendClient(data []byte) []layer.Command {
	if len(data) == 0 {
		return nil
	}
	return []layer.Command{&layer.SendData{Conn: s.l.ctx.Client, Data: data}}
}

func (s *stream) sendServer(data []byte) []layer.Command {
	if len(data) == 0 || s.server == nil {
		return nil
	}
	return []layer.Command{&layer.SendData{Conn: s.server.conn, Data: data}}
}

func (s *stream) streamLarge(size http1.BodySize) bool {
	limit := s.l.ctx.Options.StreamLargeBodies
	return limit > 0 && size.Kind == http1.SizeLength && size.Length > limit
}

func (s *stream) onRequestHeaders(e requestHeaders) []layer.Command {
	req := e.req
	s.reqSize = e.size
	s.flow = flow.New(s.l.ctx.Client)
	s.flow.Request = req

	if req.Method == "CONNECT" {
		if s.l.mode != ModeRegular {
			return s.reject(400, "CONNECT is only supported in regular proxy mode")
		}
		s.connect = true
		return s.issue(&ConnectHook{Flow: s.flow})
	}

	switch s.l.mode {
	case ModeRegular:
		if req.Form != flow.FormAbsolute {
			return s.reject(400, fmt.Sprintf("Invalid HTTP request form (expected authority or absolute form, got %s form)", req.Form))
		}
	case ModeTransparent:
		if req.Form == flow.FormOrigin {
			if err := s.targetFromContext(req); err != nil {
				return s.reject(400, err.Error())
			}
		}
	}
	return s.issue(&RequestHeadersHook{Flow: s.flow})
}

// targetFromContext fills in the target of an origin-form request from the
// server connection of the stack, or from the Host header when there is none.
func (s *stream) targetFromContext(req *flow.Request) error {
	if srv := s.l.ctx.Server; srv != nil {
		req.Scheme = "http"
		if srv.TLS {
			req.Scheme = "https"
		}
		req.Host = srv.Address.Host
		req.Port = srv.Address.Port
		return nil
	}
	addr, err := connection.ParseAddress(req.Headers.Get("Host"), 80)
	if err != nil {
		return fmt.Errorf("cannot determine request target: %w", err)
	}
	req.Scheme = "http"
	req.Host = addr.Host
	req.Port = addr.Port
	return nil
}

// reject answers the client directly and closes the connection afterwards.
func (s *stream) reject(status int, message string) []layer.Command {
	resp := http1.ErrorResponse(status, message)
	s.flow.Response = resp
	s.closeClient = true
	s.reqDiscard = true
	s.respStarted = true
	s.respComplete = true
	cmds := s.sendClient(http1.AssembleResponse(resp))
	if s.reqEnded || s.reqSize.Empty() {
		s.reqComplete = true
	}
	return append(cmds, s.maybeFinish()...)
}

// replyFromProxy sends the response a hook assigned instead of contacting a
// server. Remaining request body bytes are discarded.
func (s *stream) replyFromProxy() []layer.Command {
	s.reqDiscard = true
	s.respStarted = true
	s.respComplete = true
	if s.reqEnded {
		s.reqComplete = true
	}
	cmds := s.sendClient(http1.AssembleResponse(s.flow.Response))
	return append(cmds, s.maybeFinish()...)
}

func (s *stream) afterRequestHeaders() []layer.Command {
	req := s.flow.Request
	if s.flow.Response != nil {
		return s.replyFromProxy()
	}
	if req.Stream == nil && s.streamLarge(s.reqSize) {
		req.Stream = flow.Identity
	}
	if req.Stream != nil {
		s.reqStreamed = true
		return s.route()
	}
	if !s.reqSize.Empty() && req.Headers.Get("Expect") != "" {
		req.Headers.Del("Expect")
		return s.sendClient(http1.Continue)
	}
	return nil
}

func (s *stream) onRequestData(data []byte) []layer.Command {
	switch {
	case s.reqDiscard:
		return nil
	case s.reqStreamed:
		chunk := s.flow.Request.Stream(data)
		if http1.IsChunked(s.flow.Request.Headers) {
			chunk = http1.EncodeChunk(chunk)
		}
		return s.sendServer(chunk)
	default:
		s.reqBody = append(s.reqBody, data...)
		return nil
	}
}

func (s *stream) onRequestEnd() []layer.Command {
	s.reqEnded = true
	s.flow.Request.TimestampEnd = time.Now()
	switch {
	case s.reqDiscard:
		s.reqComplete = true
		return s.maybeFinish()
	case s.reqStreamed:
		var cmds []layer.Command
		if http1.IsChunked(s.flow.Request.Headers) {
			cmds = s.sendServer(http1.ChunkTerminator)
		}
		s.reqComplete = true
		return append(cmds, s.maybeFinish()...)
	case s.connect:
		return nil
	default:
		s.flow.Request.Body = s.reqBody
		return s.issue(&RequestHook{Flow: s.flow})
	}
}

func (s *stream) onRequestError(err error) []layer.Command {
	s.flow.Error = asError(err)
	s.reqDiscard = true
	s.reqComplete = true
	s.noErrorReply = true
	s.closeClient = true
	var cmds []layer.Command
	if sc := s.server; sc != nil {
		s.l.detach(sc)
		if sc.conn.Connected() {
			cmds = append(cmds, &layer.CloseConnection{Conn: sc.conn})
		}
	}
	return append(cmds, s.issue(&ErrorHook{Flow: s.flow})...)
}

func (s *stream) afterRequest() []layer.Command {
	if s.flow.Response != nil {
		return s.replyFromProxy()
	}
	return s.route()
}

// route picks the server connection for the (possibly rewritten) request.
func (s *stream) route() []layer.Command {
	req := s.flow.Request
	sc, cmds := s.l.acquire(req.Address(), req.Scheme == "https", s)
	s.server = sc
	if sc.opening {
		s.opening = true
		return cmds
	}
	return append(cmds, s.sendRequest()...)
}

func (s *stream) onConnected(err error) []layer.Command {
	s.opening = false
	if s.connect {
		return append(s.afterConnectOpen(err), s.drain()...)
	}
	if err != nil {
		addr := s.flow.Request.Address().String()
		s.server = nil
		return s.fail(errors.NewConnectivityError(addr, fmt.Sprintf("Connection to %s failed", addr), err))
	}
	if s.clientGone {
		return s.abortClientGone()
	}
	return append(s.sendRequest(), s.drain()...)
}

func (s *stream) sendRequest() []layer.Command {
	req := s.flow.Request
	sc := s.server
	s.flow.ServerConn = sc.conn
	sc.method = req.Method
	sc.state = serverAwaitingHead

	head := http1.AssembleRequestHead(req)
	if s.reqStreamed {
		return s.sendServer(head)
	}
	s.reqComplete = true
	return s.sendServer(append(head, http1.AssembleBody(req.Headers, req.Body)...))
}

func (s *stream) onResponseHeaders(e responseHeaders) []layer.Command {
	s.respSize = e.size
	s.flow.Response = e.resp
	return s.issue(&ResponseHeadersHook{Flow: s.flow})
}

func (s *stream) afterResponseHeaders() []layer.Command {
	resp := s.flow.Response
	if resp.Stream == nil && s.streamLarge(s.respSize) {
		resp.Stream = flow.Identity
	}
	if resp.Stream == nil {
		return nil
	}
	s.respStreamed = true
	s.respStarted = true
	return s.sendClient(http1.AssembleResponseHead(resp))
}

func (s *stream) onResponseData(data []byte) []layer.Command {
	if !s.respStreamed {
		s.respBody = append(s.respBody, data...)
		return nil
	}
	chunk := s.flow.Response.Stream(data)
	if http1.IsChunked(s.flow.Response.Headers) {
		chunk = http1.EncodeChunk(chunk)
	}
	return s.sendClient(chunk)
}

func (s *stream) onResponseEnd() []layer.Command {
	resp := s.flow.Response
	resp.TimestampEnd = time.Now()
	if !s.respStreamed {
		resp.Body = s.respBody
		return s.issue(&ResponseHook{Flow: s.flow})
	}
	var cmds []layer.Command
	if http1.IsChunked(resp.Headers) {
		cmds = s.sendClient(http1.ChunkTerminator)
	}
	s.respComplete = true
	return append(cmds, s.maybeFinish()...)
}

func (s *stream) afterResponse() []layer.Command {
	s.respStarted = true
	s.respComplete = true
	cmds := s.sendClient(http1.AssembleResponse(s.flow.Response))
	return append(cmds, s.maybeFinish()...)
}

// fail records err on the flow and hands it to the error hook. The client
// gets a 502 afterwards unless response bytes were already sent.
func (s *stream) fail(err *errors.Error) []layer.Command {
	s.flow.Error = err
	s.reqDiscard = true
	s.reqComplete = true
	s.closeClient = true
	return s.issue(&ErrorHook{Flow: s.flow})
}

func (s *stream) afterError(replaced bool) []layer.Command {
	var cmds []layer.Command
	if !s.clientGone && !s.respStarted && !s.noErrorReply {
		resp := s.flow.Response
		if !replaced || resp == nil {
			msg := "Bad Gateway"
			if s.flow.Error != nil {
				msg = s.flow.Error.Error()
			}
			resp = http1.ErrorResponse(502, msg)
		}
		cmds = s.sendClient(http1.AssembleResponse(resp))
	}
	s.respStarted = true
	s.respComplete = true
	s.closeClient = true
	return append(cmds, s.finish()...)
}

// abortClientGone tears down the server side after the client disconnected
// and reports the exchange as failed.
func (s *stream) abortClientGone() []layer.Command {
	var cmds []layer.Command
	if sc := s.server; sc != nil {
		s.l.detach(sc)
		if sc.conn.Connected() {
			cmds = append(cmds, &layer.CloseConnection{Conn: sc.conn})
		}
	}
	if s.flow == nil {
		s.finished = true
		return append(cmds, s.l.streamDone(s, true)...)
	}
	if s.flow.Error == nil {
		s.flow.Error = errors.NewConnectivityError(s.l.ctx.Client.Address.String(), "Client disconnected.", nil)
	}
	s.reqDiscard = true
	s.reqComplete = true
	return append(cmds, s.issue(&ErrorHook{Flow: s.flow})...)
}

func (s *stream) maybeFinish() []layer.Command {
	if !s.respComplete || !s.reqComplete {
		return nil
	}
	return s.finish()
}

// finish completes the exchange, returns its server connection to the pool
// when it can carry another exchange and releases the client connection.
func (s *stream) finish() []layer.Command {
	if s.finished {
		return nil
	}
	s.finished = true
	s.queue = nil
	if s.flow != nil {
		s.flow.Live = false
	}

	req, resp := s.flow.Request, s.flow.Response
	closeClient := s.closeClient ||
		s.respSize.Kind == http1.SizeUntilEOF ||
		!http1.KeepAlive(req.HTTPVersion, req.Headers) ||
		(resp != nil && !http1.KeepAlive(resp.HTTPVersion, resp.Headers))

	var cmds []layer.Command
	if sc := s.server; sc != nil {
		reusable := sc.state == serverResponseDone && len(sc.buf) == 0 &&
			resp != nil && http1.KeepAlive(resp.HTTPVersion, resp.Headers) &&
			sc.conn.State == connection.Open
		sc.stream = nil
		sc.state = serverIdle
		s.server = nil
		if !reusable {
			s.l.removeServer(sc)
			if sc.conn.Connected() {
				cmds = append(cmds, &layer.CloseConnection{Conn: sc.conn})
			}
		}
	}
	return append(cmds, s.l.streamDone(s, closeClient)...)
}

func (s *stream) afterConnect() []layer.Command {
	if s.flow.Response != nil {
		return s.replyFromProxy()
	}

	req := s.flow.Request
	s.tunnel = connection.NewServer(req.Address())
	s.flow.ServerConn = s.tunnel
	if s.l.ctx.Options.ConnectionStrategy != layer.StrategyEager {
		return s.establish()
	}

	sc := &serverConn{conn: s.tunnel, stream: s}
	s.server = sc
	s.opening = true
	return s.l.open(sc)
}

func (s *stream) afterConnectOpen(err error) []layer.Command {
	if err != nil {
		addr := s.tunnel.Address.String()
		s.server = nil
		return s.fail(errors.NewConnectivityError(addr, fmt.Sprintf("Connection to %s failed", addr), err))
	}
	if s.clientGone {
		return s.abortClientGone()
	}
	return s.establish()
}

// establish answers the CONNECT and hands the client connection to a new
// layer stack whose server is the tunnel target.
func (s *stream) establish() []layer.Command {
	s.flow.Response = &flow.Response{
		HTTPVersion:    "HTTP/1.1",
		StatusCode:     200,
		Reason:         "Connection established",
		TimestampStart: time.Now(),
		TimestampEnd:   time.Now(),
	}
	s.flow.Live = false
	s.finished = true
	s.server = nil
	delete(s.l.streams, s.id)
	s.l.client.stream = nil
	s.l.client.reader = nil

	cmds := s.sendClient(http1.ConnectionEstablished)

	ctx := s.l.ctx.Fork()
	ctx.Server = s.tunnel
	child := layer.NewNextLayer(ctx)
	s.l.child = child
	cmds = append(cmds, child.HandleEvent(layer.Start{})...)
	if buf := s.l.client.buf; len(buf) > 0 {
		s.l.client.buf = nil
		cmds = append(cmds, child.HandleEvent(layer.DataReceived{Conn: s.l.ctx.Client, Data: buf})...)
	}
	return cmds
}
