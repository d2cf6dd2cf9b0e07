package http

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

// ErrNoTLS is returned for https URLs when the client has no TLS layer.
var ErrNoTLS = errors.New("TLS is not available")

// TLS wraps a connected stream in a client-side TLS session.
type TLS interface {
	Client(conn net.Conn, serverName string) (net.Conn, error)
}

// StdTLS is a TLS layer backed by crypto/tls. The handshake runs on the
// calling goroutine, which must own the stack.
type StdTLS struct {
	Config *tls.Config
}

// Client performs the handshake over conn.
func (s *StdTLS) Client(conn net.Conn, serverName string) (net.Conn, error) {
	c := tls.Client(conn, s.config(serverName))
	if err := c.HandshakeContext(context.Background()); err != nil {
		return nil, errors.Wrapf(err, "TLS handshake with %s", serverName)
	}
	return c, nil
}

func (s *StdTLS) config(serverName string) *tls.Config {
	var cfg *tls.Config
	if s.Config != nil {
		cfg = s.Config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}
