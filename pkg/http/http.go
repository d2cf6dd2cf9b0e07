package http

import (
	"bufio"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Method constants for HTTP requests.
const (
	MethodGet  = "GET"
	MethodHead = "HEAD"
)

// Common HTTP status codes.
const (
	StatusOK                  = 200
	StatusNoContent           = 204
	StatusMovedPermanently    = 301
	StatusFound               = 302
	StatusSeeOther            = 303
	StatusNotModified         = 304
	StatusTemporaryRedirect   = 307
	StatusPermanentRedirect   = 308
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

// Protocol versions.
const (
	ProtocolHTTP10 = "HTTP/1.0"
	ProtocolHTTP11 = "HTTP/1.1"
)

// Client defaults.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "RetroOS/1.0"
	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
	// MaxHeaders is how many response headers are kept; the rest are
	// skipped.
	MaxHeaders = 32
)

// Header names (canonicalized).
const (
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderConnection       = "Connection"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderHost             = "Host"
	HeaderLocation         = "Location"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderUserAgent        = "User-Agent"
)

// Transfer encoding and connection values.
const (
	TransferEncodingChunked = "chunked"
	EncodingIdentity        = "identity"
	ConnectionClose         = "close"
)

// Header represents HTTP headers as a case-insensitive key-value map.
type Header map[string][]string

// Get returns the first value for the given key, case-insensitive.
// Returns empty string if key not found.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if values, ok := h[CanonicalHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// Set sets the header value, replacing any existing values.
func (h Header) Set(key, value string) {
	if h == nil {
		return
	}
	h[CanonicalHeaderKey(key)] = []string{value}
}

// Add adds a new header value to the key.
func (h Header) Add(key, value string) {
	if h == nil {
		return
	}
	canonical := CanonicalHeaderKey(key)
	h[canonical] = append(h[canonical], value)
}

// Del removes all values for the given key.
func (h Header) Del(key string) {
	if h == nil {
		return
	}
	delete(h, CanonicalHeaderKey(key))
}

// Len returns the number of header lines.
func (h Header) Len() int {
	n := 0
	for _, vv := range h {
		n += len(vv)
	}
	return n
}

// Clone returns a deep copy of the header.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	clone := make(Header, len(h))
	for k, vv := range h {
		clone[k] = append([]string(nil), vv...)
	}
	return clone
}

// WriteTo writes the headers in HTTP format, sorted by name.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var n int64
	for _, k := range keys {
		for _, v := range h[k] {
			cnt, err := io.WriteString(w, k+": "+v+"\r\n")
			n += int64(cnt)
			if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// CanonicalHeaderKey returns the canonical format of the header key.
// The first character and any character following a hyphen are uppercased;
// the rest are lowercased. Examples: "content-type" -> "Content-Type".
func CanonicalHeaderKey(s string) string {
	if s == "" {
		return s
	}
	result := make([]byte, len(s))
	upperNext := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case upperNext && c >= 'a' && c <= 'z':
			c -= 'a' - 'A'
		case !upperNext && c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		}
		result[i] = c
		upperNext = c == '-'
	}
	return string(result)
}

// ReadHeader reads a single header line from the reader. An empty key
// marks the end of the header block.
func ReadHeader(r *bufio.Reader) (string, string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", "", nil
	}
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", &ProtocolError{"malformed header: " + line}
	}
	key := strings.TrimSpace(line[:idx])
	for i := 0; i < len(key); i++ {
		if !isTokenChar(key[i]) {
			return "", "", &ProtocolError{"invalid header name: " + key}
		}
	}
	return key, strings.TrimSpace(line[idx+1:]), nil
}

// ReadHeaders reads the header block, keeping at most max lines.
func ReadHeaders(r *bufio.Reader, max int) (Header, error) {
	headers := make(Header)
	for n := 0; ; n++ {
		key, value, err := ReadHeader(r)
		if err != nil {
			return nil, err
		}
		if key == "" {
			return headers, nil
		}
		if max > 0 && n >= max {
			continue
		}
		headers.Add(key, value)
	}
}

// ProtocolError represents an HTTP protocol error.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// IsProtocolError reports whether err was caused by a malformed message.
func IsProtocolError(err error) bool {
	_, ok := errors.Cause(err).(*ProtocolError)
	return ok
}

// isTokenChar returns true if the byte is a valid token character.
func isTokenChar(c byte) bool {
	return c < 0x80 && tokenChars[c]
}

// tokenChars is a lookup table for valid HTTP token characters.
var tokenChars = [256]bool{
	'!': true, '#': true, '$': true, '%': true, '&': true,
	'\'': true, '*': true, '+': true, '-': true, '.': true,
	'^': true, '_': true, '`': true, '|': true, '~': true,
	'0': true, '1': true, '2': true, '3': true, '4': true,
	'5': true, '6': true, '7': true, '8': true, '9': true,
	'A': true, 'B': true, 'C': true, 'D': true, 'E': true,
	'F': true, 'G': true, 'H': true, 'I': true, 'J': true,
	'K': true, 'L': true, 'M': true, 'N': true, 'O': true,
	'P': true, 'Q': true, 'R': true, 'S': true, 'T': true,
	'U': true, 'V': true, 'W': true, 'X': true, 'Y': true,
	'Z': true, 'a': true, 'b': true, 'c': true, 'd': true,
	'e': true, 'f': true, 'g': true, 'h': true, 'i': true,
	'j': true, 'k': true, 'l': true, 'm': true, 'n': true,
	'o': true, 'p': true, 'q': true, 'r': true, 's': true,
	't': true, 'u': true, 'v': true, 'w': true, 'x': true,
	'y': true, 'z': true,
}
