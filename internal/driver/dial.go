package driver

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/usestring/powhttp-proxy/pkg/connection"
)

// dialer opens server connections. Concurrent lookups of the same host share
// one DNS query.
type dialer struct {
	timeout  time.Duration
	insecure bool
	resolver *net.Resolver
	lookups  singleflight.Group
}

func newDialer(timeout time.Duration, insecure bool) *dialer {
	return &dialer{
		timeout:  timeout,
		insecure: insecure,
		resolver: net.DefaultResolver,
	}
}

func (d *dialer) lookup(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	ch := d.lookups.DoChan(host, func() (any, error) {
		// Not tied to one caller's context; others may share the result.
		lctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		return d.resolver.LookupHost(lctx, host)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dial connects to c.Address, trying each resolved address in turn, and
// performs a TLS handshake when c.TLS is set.
func (d *dialer) dial(ctx context.Context, c *connection.Connection) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrs, err := d.lookup(ctx, c.Address.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", c.Address.Host, err)
	}

	var nd net.Dialer
	var nc net.Conn
	var errs []error
	for _, ip := range addrs {
		nc, err = nd.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(c.Address.Port)))
		if err == nil {
			break
		}
		errs = append(errs, err)
	}
	if nc == nil {
		if len(errs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", c.Address.Host)
		}
		return nil, stderrors.Join(errs...)
	}

	if !c.TLS {
		return nc, nil
	}
	sni := c.SNI
	if sni == "" {
		sni = c.Address.Host
	}
	tc := tls.Client(nc, &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: d.insecure, //nolint:gosec // opt-in via UPSTREAM_INSECURE_TLS
		NextProtos:         []string{"http/1.1"},
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", c.Address, err)
	}
	return tc, nil
}
