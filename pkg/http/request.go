package http

import (
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrMissingHost       = errors.New("URL has no host")
)

// Target is a parsed http or https URL.
type Target struct {
	Scheme string
	Host   string
	Port   uint16
	// Path is the request URI: path plus query, "/" when empty.
	Path string
}

// Secure reports whether the target needs TLS.
func (t *Target) Secure() bool {
	return t.Scheme == "https"
}

// Authority returns the Host header value. Default ports are omitted.
func (t *Target) Authority() string {
	if (t.Secure() && t.Port == DefaultHTTPSPort) || (!t.Secure() && t.Port == DefaultHTTPPort) {
		return t.Host
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// ParseTarget parses an http or https URL.
func ParseTarget(rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q", rawURL)
	}
	t := &Target{Scheme: strings.ToLower(u.Scheme), Host: u.Hostname()}
	switch t.Scheme {
	case "http":
		t.Port = DefaultHTTPPort
	case "https":
		t.Port = DefaultHTTPSPort
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
	if t.Host == "" {
		return nil, errors.Wrapf(ErrMissingHost, "%q", rawURL)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return nil, errors.Errorf("invalid port %q in %q", p, rawURL)
		}
		t.Port = uint16(port)
	}
	t.Path = u.RequestURI()
	if t.Path == "" || t.Path[0] != '/' {
		t.Path = "/" + strings.TrimPrefix(t.Path, "/")
	}
	return t, nil
}

// Request represents an HTTP request.
type Request struct {
	Method string
	Target *Target
	Proto  string
	Header Header
}

// NewRequest creates a request for target carrying the client's fixed
// headers.
func NewRequest(method string, target *Target, userAgent string) *Request {
	r := &Request{
		Method: method,
		Target: target,
		Proto:  ProtocolHTTP11,
		Header: make(Header),
	}
	r.Header.Set(HeaderUserAgent, userAgent)
	r.Header.Set(HeaderAcceptEncoding, EncodingIdentity)
	r.Header.Set(HeaderConnection, ConnectionClose)
	return r
}

// WriteTo writes the request to the given writer in HTTP format. Host is
// always the first header.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	var n int64
	cnt, err := io.WriteString(w, r.Method+" "+r.Target.Path+" "+r.Proto+"\r\n")
	n += int64(cnt)
	if err != nil {
		return n, err
	}
	cnt, err = io.WriteString(w, HeaderHost+": "+r.Target.Authority()+"\r\n")
	n += int64(cnt)
	if err != nil {
		return n, err
	}
	headers := r.Header.Clone()
	headers.Del(HeaderHost)
	headerCnt, err := headers.WriteTo(w)
	n += headerCnt
	if err != nil {
		return n, err
	}
	cnt, err = io.WriteString(w, "\r\n")
	n += int64(cnt)
	return n, err
}

// Bytes returns the serialized request.
func (r *Request) Bytes() []byte {
	var b strings.Builder
	r.WriteTo(&b)
	return []byte(b.String())
}
