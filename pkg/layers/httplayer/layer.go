// Package httplayer implements the HTTP/1.1 proxy layer: it parses requests
// from the client and responses from servers, exposes every exchange to hooks
// and routes requests over a per-stack pool of server connections. CONNECT
// requests turn the client connection into a tunnel handled by a fresh
// NextLayer.
package httplayer

import (
	"log/slog"
	"sort"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/http1"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

// Mode selects how requests are targeted.
type Mode uint8

const (
	// ModeRegular expects absolute-form requests and accepts CONNECT.
	ModeRegular Mode = iota
	// ModeTransparent expects origin-form requests for Context.Server.
	ModeTransparent
)

func (m Mode) String() string {
	if m == ModeTransparent {
		return "transparent"
	}
	return "regular"
}

// Layer is the HTTP/1.1 layer.
type Layer struct {
	ctx  *layer.Context
	mode Mode

	client  clientConn
	servers []*serverConn
	opening map[*layer.OpenConnection]*serverConn
	hooks   map[layer.Hook]*stream
	streams map[int]*stream
	nextID  int

	// child handles the client connection once a CONNECT tunnel is up.
	child *layer.NextLayer

	clientClosed bool
	shutDown     bool
}

// Factory returns a layer.Factory that builds the HTTP layer in mode.
func Factory(mode Mode) layer.Factory {
	return func(ctx *layer.Context) layer.Layer { return New(ctx, mode) }
}

// New creates an HTTP layer for ctx. In transparent mode ctx.Server is the
// default target and, when already open, the first pooled connection.
func New(ctx *layer.Context, mode Mode) *Layer {
	kind := layer.KindHTTPRegular
	if mode == ModeTransparent {
		kind = layer.KindHTTPTransparent
	}
	ctx.Push(kind)

	l := &Layer{
		ctx:     ctx,
		mode:    mode,
		opening: make(map[*layer.OpenConnection]*serverConn),
		hooks:   make(map[layer.Hook]*stream),
		streams: make(map[int]*stream),
	}
	if ctx.Server != nil {
		l.servers = append(l.servers, &serverConn{conn: ctx.Server})
	}
	return l
}

func (l *Layer) Kind() layer.Kind {
	if l.mode == ModeTransparent {
		return layer.KindHTTPTransparent
	}
	return layer.KindHTTPRegular
}

func (l *Layer) Context() *layer.Context { return l.ctx }

// Child returns the layer handling a CONNECT tunnel, or nil.
func (l *Layer) Child() *layer.NextLayer { return l.child }

func (l *Layer) HandleEvent(ev layer.Event) []layer.Command {
	return layer.Coalesce(l.handle(ev))
}

func (l *Layer) handle(ev layer.Event) []layer.Command {
	switch e := ev.(type) {
	case layer.Start:
		return nil

	case layer.DataReceived:
		if e.Conn == l.ctx.Client {
			if l.child != nil {
				return l.child.HandleEvent(ev)
			}
			if l.shutDown {
				return nil
			}
			l.client.buf = append(l.client.buf, e.Data...)
			return l.readClient()
		}
		if sc := l.serverFor(e.Conn); sc != nil {
			return l.onServerData(sc, e.Data)
		}

	case layer.ConnectionClosed:
		if e.Conn == l.ctx.Client {
			if l.child != nil {
				return l.child.HandleEvent(ev)
			}
			return l.onClientClosed()
		}
		if sc := l.serverFor(e.Conn); sc != nil {
			return l.onServerClosed(sc)
		}

	case layer.OpenConnectionReply:
		if sc, ok := l.opening[e.Command]; ok {
			delete(l.opening, e.Command)
			return l.onOpenReply(sc, e.Err)
		}

	case layer.HookReply:
		if s, ok := l.hooks[e.Hook]; ok {
			delete(l.hooks, e.Hook)
			return s.resume(e.Hook)
		}
	}

	if l.child != nil {
		return l.child.HandleEvent(ev)
	}
	return nil
}

func (l *Layer) maxHeadSize() int {
	if n := l.ctx.Options.MaxHeadSize; n > 0 {
		return n
	}
	return http1.DefaultMaxHeadSize
}

func (l *Layer) newStream() *stream {
	l.nextID++
	s := &stream{l: l, id: l.nextID}
	l.streams[s.id] = s
	return s
}

// activeStreams returns live streams in creation order.
func (l *Layer) activeStreams() []*stream {
	out := make([]*stream, 0, len(l.streams))
	for _, s := range l.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// streamDone releases the client connection after an exchange.
func (l *Layer) streamDone(s *stream, closeClient bool) []layer.Command {
	delete(l.streams, s.id)
	if l.client.stream == s {
		l.client.stream = nil
		l.client.reader = nil
	}
	if closeClient || l.clientClosed {
		if len(l.streams) > 0 && !closeClient {
			return nil
		}
		return l.shutdown()
	}
	return l.readClient()
}

// shutdown closes every connection this layer owns, client last.
func (l *Layer) shutdown() []layer.Command {
	if l.shutDown {
		return nil
	}
	l.shutDown = true
	l.clientClosed = true

	var cmds []layer.Command
	for _, sc := range l.servers {
		if sc.conn.Connected() {
			cmds = append(cmds, &layer.CloseConnection{Conn: sc.conn})
		}
	}
	l.servers = nil
	l.client.buf = nil
	return append(cmds, &layer.CloseConnection{Conn: l.ctx.Client})
}

func (l *Layer) onClientClosed() []layer.Command {
	l.clientClosed = true
	streams := l.activeStreams()
	if len(streams) == 0 {
		return l.shutdown()
	}

	// A half-closed client still reads: exchanges whose request arrived in
	// full run to completion and the client is closed after the last one.
	halfClosed := l.ctx.Client.State&connection.CanWrite != 0
	var cmds []layer.Command
	for _, s := range streams {
		if halfClosed && l.requestReceived(s) {
			continue
		}
		s.clientGone = true
		if !s.blocked() {
			cmds = append(cmds, s.abortClientGone()...)
		}
	}
	return cmds
}

// requestReceived reports whether the client sent all of s's request.
func (l *Layer) requestReceived(s *stream) bool {
	return l.client.stream != s || l.client.reader == nil
}

func (l *Layer) clientProtocolError(err error) []layer.Command {
	cmds := []layer.Command{
		layer.Logf(slog.LevelWarn, "client %s sent an invalid request: %v", l.ctx.Client.Address, err),
	}
	return append(cmds, l.shutdown()...)
}

// acquire finds or creates a server connection for s. Idle open connections
// to the same address are reused; a connection that was open before but has
// closed since is discarded and replaced by a new one.
func (l *Layer) acquire(addr connection.Address, tls bool, s *stream) (*serverConn, []layer.Command) {
	for i := 0; i < len(l.servers); {
		sc := l.servers[i]
		if sc.conn.Address != addr || sc.conn.TLS != tls || sc.stream != nil || sc.opening {
			i++
			continue
		}
		switch {
		case sc.conn.State == connection.Open:
			sc.stream = s
			return sc, nil
		case !sc.conn.Opened():
			sc.stream = s
			return sc, l.open(sc)
		default:
			l.removeServer(sc)
		}
	}

	conn := connection.NewServer(addr)
	if tls {
		conn.TLS = true
		conn.SNI = addr.Host
	}
	sc := &serverConn{conn: conn, stream: s}
	l.servers = append(l.servers, sc)
	return sc, l.open(sc)
}

func (l *Layer) open(sc *serverConn) []layer.Command {
	cmd := &layer.OpenConnection{Conn: sc.conn}
	l.opening[cmd] = sc
	sc.opening = true
	return []layer.Command{cmd}
}

func (l *Layer) onOpenReply(sc *serverConn, err error) []layer.Command {
	sc.opening = false
	s := sc.stream
	if err != nil {
		l.removeServer(sc)
		if s == nil {
			return nil
		}
		return s.onConnected(err)
	}
	if s == nil {
		if l.shutDown {
			return []layer.Command{&layer.CloseConnection{Conn: sc.conn}}
		}
		return nil
	}
	return s.onConnected(nil)
}

func (l *Layer) serverFor(c *connection.Connection) *serverConn {
	for _, sc := range l.servers {
		if sc.conn == c {
			return sc
		}
	}
	for _, sc := range l.opening {
		if sc.conn == c {
			return sc
		}
	}
	for _, s := range l.streams {
		if s.server != nil && s.server.conn == c {
			return s.server
		}
	}
	return nil
}

func (l *Layer) removeServer(sc *serverConn) {
	for i, c := range l.servers {
		if c == sc {
			l.servers = append(l.servers[:i], l.servers[i+1:]...)
			return
		}
	}
}
