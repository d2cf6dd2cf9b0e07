package http

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Response is a parsed HTTP response. Body holds the decoded payload.
type Response struct {
	Status     string
	StatusCode int
	Proto      string
	Header     Header
	Body       []byte
	// ContentLength is the declared length, or -1 when absent.
	ContentLength int64
	Chunked       bool
	// Truncated is set when fewer body bytes arrived than declared.
	Truncated bool
}

// Get returns the first value of the named header, case-insensitive.
func (r *Response) Get(name string) string {
	return r.Header.Get(name)
}

// Location returns the Location header value.
func (r *Response) Location() string {
	return r.Header.Get(HeaderLocation)
}

// IsRedirect reports whether the status is a 3xx carrying a Location.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Location() != ""
}

// ParseStatusLine parses an HTTP status line.
func ParseStatusLine(line string) (string, int, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return "", 0, "", &ProtocolError{"malformed status line: " + line}
	}
	proto := parts[0]
	statusCode, err := strconv.Atoi(parts[1])
	if err != nil || len(parts[1]) != 3 {
		return "", 0, "", &ProtocolError{"invalid status code: " + parts[1]}
	}
	message := ""
	if len(parts) > 2 {
		message = parts[2]
	}
	return proto, statusCode, message, nil
}

// ParseResponse parses a complete or partial response held in data.
func ParseResponse(data []byte) (*Response, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, &ProtocolError{"incomplete status line"}
	}
	proto, statusCode, message, err := ParseStatusLine(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return nil, err
	}
	headers, err := ReadHeaders(r, MaxHeaders)
	if err != nil {
		if err == io.EOF {
			return nil, &ProtocolError{"incomplete header block"}
		}
		return nil, err
	}

	status := strconv.Itoa(statusCode)
	if message != "" {
		status = fmt.Sprintf("%d %s", statusCode, message)
	}
	resp := &Response{
		Status:        status,
		StatusCode:    statusCode,
		Proto:         proto,
		Header:        headers,
		ContentLength: -1,
	}
	if cl := headers.Get(HeaderContentLength); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, &ProtocolError{"invalid Content-Length: " + cl}
		}
		resp.ContentLength = n
	}
	resp.Chunked = strings.Contains(strings.ToLower(headers.Get(HeaderTransferEncoding)), TransferEncodingChunked)

	switch {
	case resp.Chunked:
		body, err := io.ReadAll(&chunkedReader{r: r})
		resp.Body = body
		if err != nil {
			if errors.Cause(err) != io.ErrUnexpectedEOF && err != io.EOF {
				return nil, err
			}
			resp.Truncated = true
		}
	case resp.ContentLength >= 0:
		body, _ := io.ReadAll(io.LimitReader(r, resp.ContentLength))
		resp.Body = body
		resp.Truncated = int64(len(body)) < resp.ContentLength
	default:
		resp.Body, _ = io.ReadAll(r)
	}
	return resp, nil
}

// chunkedReader implements io.Reader for chunked transfer encoding. Input
// that ends before the terminating chunk reads as io.ErrUnexpectedEOF.
type chunkedReader struct {
	r    *bufio.Reader
	err  error
	left int64 // bytes remaining in current chunk
}

func (cr *chunkedReader) Read(p []byte) (n int, err error) {
	if cr.err != nil {
		return 0, cr.err
	}
	for cr.left == 0 {
		line, err := cr.r.ReadString('\n')
		if err != nil {
			cr.err = io.ErrUnexpectedEOF
			return 0, cr.err
		}
		line = strings.TrimRight(line, "\r\n")
		// Chunk extensions are ignored.
		if idx := strings.IndexByte(line, ';'); idx >= 0 {
			line = line[:idx]
		}
		size, err := parseChunkSize(strings.TrimSpace(line))
		if err != nil {
			cr.err = err
			return 0, err
		}
		cr.left = size
		if cr.left == 0 {
			// Trailers are read and discarded.
			if _, err := ReadHeaders(cr.r, 0); err != nil {
				cr.err = io.ErrUnexpectedEOF
				return 0, cr.err
			}
			cr.err = io.EOF
			return 0, cr.err
		}
	}
	if int64(len(p)) > cr.left {
		p = p[:cr.left]
	}
	n, err = io.ReadFull(cr.r, p)
	cr.left -= int64(n)
	if err != nil {
		cr.err = io.ErrUnexpectedEOF
		return n, cr.err
	}
	if cr.left == 0 {
		if _, err := cr.r.ReadString('\n'); err != nil {
			cr.err = io.ErrUnexpectedEOF
		}
	}
	return n, nil
}

func parseChunkSize(s string) (int64, error) {
	if s == "" || len(s) > 15 {
		return 0, &ProtocolError{"invalid chunk size: " + s}
	}
	var size int64
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			size = size*16 + int64(c-'0')
		case c >= 'a' && c <= 'f':
			size = size*16 + int64(c-'a'+10)
		case c >= 'A' && c <= 'F':
			size = size*16 + int64(c-'A'+10)
		default:
			return 0, &ProtocolError{"invalid chunk size: " + s}
		}
	}
	return size, nil
}
