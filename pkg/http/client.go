package http

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack/socket"
)

// ErrEmptyResponse is returned when the server sent nothing before closing
// or going idle.
var ErrEmptyResponse = errors.New("empty HTTP response")

// Resolver maps a host name to an IPv4 address.
type Resolver interface {
	Resolve(host string) (net.IP, error)
}

// Dialer opens a stream connection.
type Dialer interface {
	Dial(ip net.IP, port uint16, timeout time.Duration) (net.Conn, error)
}

// SocketDialer dials through the socket layer.
type SocketDialer struct {
	Sockets *socket.SocketManager
}

// Dial implements Dialer.
func (d SocketDialer) Dial(ip net.IP, port uint16, timeout time.Duration) (net.Conn, error) {
	conn, err := d.Sockets.Dial(ip, port, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTLS enables https URLs.
func WithTLS(t TLS) ClientOption {
	return func(c *Client) {
		c.tls = t
	}
}

// WithTimeout sets the connect timeout and the idle read timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// Client performs one-shot GET requests: one connection per request,
// closed by the server after the response.
type Client struct {
	resolver  Resolver
	dialer    Dialer
	tls       TLS
	timeout   time.Duration
	userAgent string
	log       *logrus.Entry
}

// NewClient creates a client that resolves names with r and connects with d.
func NewClient(r Resolver, d Dialer, opts ...ClientOption) *Client {
	c := &Client{
		resolver:  r,
		dialer:    d,
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		log:       logrus.WithField("component", "http"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches rawURL, reading the raw response into buf. Reading stops when
// the server closes, buf is full or the connection stays idle for the
// client timeout. The returned Body aliases the front of buf.
func (c *Client) Get(rawURL string, buf []byte) (*Response, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	if target.Secure() && c.tls == nil {
		return nil, errors.Wrapf(ErrNoTLS, "%s", rawURL)
	}

	ip, err := c.resolver.Resolve(target.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", target.Host)
	}
	log := c.log.WithFields(logrus.Fields{"host": target.Host, "ip": ip, "port": target.Port})

	conn, err := c.dialer.Dial(ip, target.Port, c.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", target.Authority())
	}
	if target.Secure() {
		tlsConn, err := c.tls.Client(conn, target.Host)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	defer conn.Close()

	req := NewRequest(MethodGet, target, c.userAgent)
	if _, err := req.WriteTo(conn); err != nil {
		return nil, errors.Wrap(err, "sending request")
	}
	log.WithField("path", target.Path).Debug("request sent")

	n, err := readResponse(conn, buf)
	if err != nil {
		log.WithError(err).Debug("read ended")
	}
	if n == 0 {
		return nil, errors.Wrapf(ErrEmptyResponse, "%s", rawURL)
	}

	resp, perr := ParseResponse(buf[:n])
	if perr != nil {
		return nil, errors.Wrapf(perr, "parsing response from %s", target.Authority())
	}
	if n == len(buf) && resp.ContentLength < 0 && !resp.Chunked {
		resp.Truncated = true
	}
	resp.Body = buf[:copy(buf, resp.Body)]
	log.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"bytes":  len(resp.Body),
	}).Debug("response received")
	return resp, nil
}

// readResponse fills buf until EOF, a full buffer or an error such as the
// idle timeout.
func readResponse(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
