package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/usestring/powhttp-proxy/internal/policy"
	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/errors"
	"github.com/usestring/powhttp-proxy/pkg/layer"
)

const readBufferSize = 32 * 1024

// peerClosed is sent by a reader when its socket stops delivering data.
type peerClosed struct {
	conn *connection.Connection
	eof  bool
}

type dialResult struct {
	cmd *layer.OpenConnection
	nc  net.Conn
	err error
}

type hookResult struct {
	hook layer.Hook
	err  error
}

// session owns one client's layer stack. Only the run goroutine touches the
// stack and connection state; readers, dials and hooks report back through
// events.
type session struct {
	srv    *Server
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	client *connection.Connection
	stack  *layer.NextLayer
	conns  map[*connection.Connection]net.Conn

	events  chan any
	backlog []layer.Event
	pending int
}

func newSession(ctx context.Context, srv *Server, nc net.Conn) *session {
	ctx, cancel := context.WithCancel(ctx)
	client := connection.NewClient(peerAddress(nc.RemoteAddr()))
	return &session{
		srv:    srv,
		ctx:    ctx,
		cancel: cancel,
		logger: srv.logger.With(slog.String("client", client.Address.String())),
		client: client,
		stack:  srv.newRoot(client),
		conns:  map[*connection.Connection]net.Conn{client: nc},
		events: make(chan any, 16),
	}
}

func (s *session) run() {
	defer s.teardown()
	s.logger.Debug("client connected")

	go s.read(s.client, s.conns[s.client])
	s.handle(layer.Start{})

	for !s.done() {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.events:
			if err := s.dispatch(msg); err != nil {
				s.logger.Error("session aborted", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// done reports whether nothing can happen on this session anymore.
func (s *session) done() bool {
	return s.client.State == connection.Closed && s.pending == 0
}

func (s *session) dispatch(msg any) error {
	switch m := msg.(type) {
	case layer.DataReceived:
		if m.Conn.State&connection.CanRead == 0 {
			return nil
		}
		s.handle(m)

	case peerClosed:
		c := m.conn
		if c.State == connection.Closed {
			// Closed by us; the reader only noticed.
			return nil
		}
		if m.eof {
			c.State &^= connection.CanRead
		} else {
			c.State = connection.Closed
		}
		if c.State == connection.Closed {
			s.closeSocket(c)
		}
		s.handle(layer.ConnectionClosed{Conn: c})

	case dialResult:
		s.pending--
		c := m.cmd.Conn
		if m.err != nil {
			c.Error = m.err.Error()
			s.logger.Debug("open failed",
				slog.String("server", c.Address.String()),
				slog.String("error", c.Error))
		} else {
			c.State = connection.Open
			c.TimestampStart = time.Now()
			s.conns[c] = m.nc
			go s.read(c, m.nc)
		}
		s.handle(layer.OpenConnectionReply{Command: m.cmd, Err: m.err})

	case hookResult:
		s.pending--
		if m.err != nil {
			return errors.NewPolicyError(m.hook.Name(), m.err)
		}
		if nl, ok := m.hook.(*layer.NextLayerHook); ok && nl.Choice == nil {
			nl.Choice = policy.DecideNextLayer(nl, s.srv.opts.Mode)
		}
		s.handle(layer.HookReply{Hook: m.hook})
	}
	return nil
}

// handle feeds ev to the stack and performs the resulting commands. Events
// raised while performing commands are handled before returning.
func (s *session) handle(ev layer.Event) {
	s.backlog = append(s.backlog, ev)
	for len(s.backlog) > 0 {
		next := s.backlog[0]
		s.backlog = s.backlog[1:]
		for _, cmd := range s.stack.HandleEvent(next) {
			s.execute(cmd)
		}
	}
}

func (s *session) execute(cmd layer.Command) {
	switch c := cmd.(type) {
	case *layer.SendData:
		s.write(c.Conn, c.Data)
	case *layer.CloseConnection:
		s.close(c.Conn, c.HalfClose)
	case *layer.OpenConnection:
		s.open(c)
	case *layer.Log:
		s.logger.Log(s.ctx, c.Level, c.Message, slog.String("layer", s.layerPath()))
	case layer.Hook:
		s.hook(c)
	default:
		s.logger.Warn("unknown command", slog.String("command", fmt.Sprintf("%T", cmd)))
	}
}

func (s *session) layerPath() string {
	kinds := s.stack.Context().Layers
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = k.String()
	}
	return strings.Join(parts, ">")
}

func (s *session) write(c *connection.Connection, data []byte) {
	nc := s.conns[c]
	if nc == nil || c.State&connection.CanWrite == 0 {
		s.logger.Debug("dropping write to closed connection",
			slog.String("conn", c.String()),
			slog.Int("bytes", len(data)))
		return
	}
	if _, err := nc.Write(data); err != nil {
		s.logger.Debug("write failed",
			slog.String("conn", c.String()),
			slog.String("error", err.Error()))
		c.State = connection.Closed
		s.closeSocket(c)
		s.backlog = append(s.backlog, layer.ConnectionClosed{Conn: c})
	}
}

type closeWriter interface {
	CloseWrite() error
}

func (s *session) close(c *connection.Connection, half bool) {
	if c.State == connection.Closed {
		return
	}
	if half {
		c.State &^= connection.CanWrite
		if cw, ok := s.conns[c].(closeWriter); ok && c.State != connection.Closed {
			if err := cw.CloseWrite(); err == nil {
				return
			}
		}
	}
	c.State = connection.Closed
	s.closeSocket(c)
}

func (s *session) closeSocket(c *connection.Connection) {
	if c.TimestampEnd.IsZero() {
		c.TimestampEnd = time.Now()
	}
	if nc := s.conns[c]; nc != nil {
		_ = nc.Close()
		delete(s.conns, c)
	}
}

func (s *session) open(cmd *layer.OpenConnection) {
	s.pending++
	go func() {
		nc, err := s.srv.dialer.dial(s.ctx, cmd.Conn)
		if !s.send(dialResult{cmd: cmd, nc: nc, err: err}) && nc != nil {
			nc.Close()
		}
	}()
}

func (s *session) hook(h layer.Hook) {
	s.pending++
	if s.srv.handler == nil {
		s.pending--
		if nl, ok := h.(*layer.NextLayerHook); ok {
			nl.Choice = policy.DecideNextLayer(nl, s.srv.opts.Mode)
		}
		s.backlog = append(s.backlog, layer.HookReply{Hook: h})
		return
	}
	go func() {
		s.send(hookResult{hook: h, err: s.invoke(h)})
	}()
}

// invoke runs the handler under the hook timeout. A handler that ignores its
// context is abandoned when the timeout fires.
func (s *session) invoke(h layer.Hook) (err error) {
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if t := s.srv.opts.HookTimeout; t > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, t)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- s.srv.handler.HandleHook(ctx, h)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", s.srv.opts.HookTimeout)
		}
		return ctx.Err()
	}
}

// send delivers msg to the run loop unless the session is gone.
func (s *session) send(msg any) bool {
	select {
	case s.events <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) read(c *connection.Connection, nc net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !s.send(layer.DataReceived{Conn: c, Data: data}) {
				return
			}
		}
		if err != nil {
			s.send(peerClosed{conn: c, eof: stderrors.Is(err, io.EOF)})
			return
		}
	}
}

func (s *session) teardown() {
	s.cancel()
	for c := range s.conns {
		c.State = connection.Closed
		s.closeSocket(c)
	}
	s.logger.Debug("client disconnected")
}
