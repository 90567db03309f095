// Package driver runs layer stacks over real sockets. Every client connection
// gets one session that owns its stack; the session performs the commands the
// stack emits and feeds socket activity back to it as events.
package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usestring/powhttp-proxy/pkg/connection"
	"github.com/usestring/powhttp-proxy/pkg/layer"
	"github.com/usestring/powhttp-proxy/pkg/layers/httplayer"
)

// Handler answers hooks. HandleHook may mutate the hook payload; it returns
// once the hook may be replied to. A returned error aborts the session.
type Handler interface {
	HandleHook(ctx context.Context, h layer.Hook) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, h layer.Hook) error

func (f HandlerFunc) HandleHook(ctx context.Context, h layer.Hook) error {
	return f(ctx, h)
}

// Options configures a Server.
type Options struct {
	Mode httplayer.Mode
	// TransparentTarget is the host:port every client is forwarded to in
	// transparent mode.
	TransparentTarget string
	Layer             *layer.Options

	DialTimeout time.Duration
	// HookTimeout bounds a single hook invocation. Zero disables.
	HookTimeout time.Duration
	// MaxClients bounds concurrent sessions. Zero means unlimited.
	MaxClients int
	// InsecureTLS skips upstream certificate verification.
	InsecureTLS bool

	Logger *slog.Logger
}

// Server accepts client connections and runs one session per client.
type Server struct {
	opts    Options
	handler Handler
	dialer  *dialer
	logger  *slog.Logger
	target  connection.Address
}

// New creates a server. A nil handler answers every hook unchanged.
func New(h Handler, opts Options) (*Server, error) {
	if opts.Layer == nil {
		opts.Layer = layer.DefaultOptions()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:    opts,
		handler: h,
		dialer:  newDialer(opts.DialTimeout, opts.InsecureTLS),
		logger:  opts.Logger,
	}
	if opts.Mode == httplayer.ModeTransparent {
		target, err := connection.ParseAddress(opts.TransparentTarget, 80)
		if err != nil {
			return nil, fmt.Errorf("transparent target: %w", err)
		}
		s.target = target
	}
	return s, nil
}

// Serve accepts connections on ln until ctx is done. It closes ln and waits
// for all sessions before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if s.opts.MaxClients > 0 {
		// One extra slot for the listener closer.
		g.SetLimit(s.opts.MaxClients + 1)
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})

	s.logger.Info("proxy listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("mode", s.opts.Mode.String()))

	var acceptErr error
	for {
		nc, err := ln.Accept()
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			acceptErr = fmt.Errorf("accepting connection: %w", err)
			cancel()
			break
		}
		g.Go(func() error {
			newSession(gctx, s, nc).run()
			return nil
		})
	}

	err := g.Wait()
	if acceptErr != nil {
		return acceptErr
	}
	return err
}

// newRoot builds the outermost stack for a client.
func (s *Server) newRoot(client *connection.Connection) *layer.NextLayer {
	ctx := layer.NewContext(client, s.opts.Layer)
	if s.opts.Mode == httplayer.ModeTransparent {
		ctx.Server = connection.NewServer(s.target)
	}
	return layer.NewNextLayer(ctx)
}

func peerAddress(a net.Addr) connection.Address {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return connection.Address{Host: tcp.IP.String(), Port: tcp.Port}
	}
	addr, err := connection.ParseAddress(a.String(), 0)
	if err != nil {
		return connection.Address{Host: a.String()}
	}
	return addr
}
