/*
Package http is a minimal HTTP/1.1 client that runs over the stack's socket
layer.

A request is a single GET with Connection: close. The client resolves the
host, connects, optionally wraps the stream in TLS, sends the request and
reads everything the server sends into a caller-supplied buffer. The buffer
is then parsed into a Response: status line, up to MaxHeaders headers, and a
body decoded according to Content-Length or chunked transfer encoding.

	sockets := socket.NewSocketManager(st)
	client := http.NewClient(dns.NewResolver(st), http.SocketDialer{Sockets: sockets},
		http.WithTLS(&http.StdTLS{}))
	buf := make([]byte, 64<<10)
	resp, err := client.Get("http://example.com/", buf)

Redirects are not followed; callers inspect Response.Location.
*/
package http
