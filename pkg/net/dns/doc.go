// Package dns is a stub resolver for the stack: it encodes and parses DNS
// messages, caches answers and resolves host names to IPv4 addresses over
// the stack's UDP layer.
//
// Example usage:
//
//	r := dns.NewResolver(st)
//	ip, err := r.Resolve("example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("IP address:", ip)
package dns
