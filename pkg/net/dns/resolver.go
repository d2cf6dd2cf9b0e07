package dns

import (
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"retroos/pkg/netstack"
	"retroos/pkg/netstack/udp"
)

var (
	ErrTimeout       = errors.New("DNS query timed out")
	ErrNameNotFound  = errors.New("DNS name does not exist")
	ErrServerFailure = errors.New("DNS server failure")
	ErrNoAddress     = errors.New("DNS answer has no address record")
)

// Stack is the part of the network stack the resolver runs on.
type Stack interface {
	netstack.Awaiter
	Clock() netstack.Clock
	Interface() *netstack.Interface
	UDP() *udp.Layer
}

// Status is the state of an asynchronous lookup.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusResolved
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	}
	return "idle"
}

// ResolverOption configures a DNS resolver
type ResolverOption func(*Resolver)

// WithServer pins the DNS server instead of following the interface.
func WithServer(ip net.IP) ResolverOption {
	return func(r *Resolver) {
		r.server = netstack.CopyIP(ip)
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithAttempts sets how many times a query is sent before giving up.
func WithAttempts(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithCache sets the DNS cache to use
func WithCache(cache *Cache) ResolverOption {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// WithClientPort sets the local UDP port queries are sent from.
func WithClientPort(port uint16) ResolverOption {
	return func(r *Resolver) {
		r.clientPort = port
	}
}

// WithHosts adds static name to address mappings consulted before the
// cache.
func WithHosts(hosts map[string]net.IP) ResolverOption {
	return func(r *Resolver) {
		for name, ip := range hosts {
			r.hosts[normalizeName(name)] = netstack.CopyIP(ip)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) ResolverOption {
	return func(r *Resolver) {
		r.log = log
	}
}

type query struct {
	name string
	resp *Message
}

type asyncQuery struct {
	name   string
	id     uint16
	sentAt time.Time
	wait   time.Duration
	retry  backoff.BackOff
	status Status
	ip     net.IP
	err    error
}

// Resolver looks up IPv4 addresses over the stack's UDP layer. Like the
// stack it runs on, it is used by a single goroutine.
type Resolver struct {
	stack      Stack
	server     net.IP
	clientPort uint16
	timeout    time.Duration
	attempts   int
	cache      *Cache
	hosts      map[string]net.IP
	parser     *Parser
	log        *logrus.Entry

	bound    bool
	nextID   uint16
	inflight map[uint16]*query
	async    *asyncQuery
}

// NewResolver creates a resolver on s.
func NewResolver(s Stack, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		stack:      s,
		clientPort: DefaultClientPort,
		timeout:    DefaultTimeout,
		attempts:   DefaultAttempts,
		hosts:      make(map[string]net.IP),
		parser:     NewParser(),
		log:        logrus.WithField("component", "dns"),
		nextID:     FirstID,
		inflight:   make(map[uint16]*query),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(DefaultCacheSize)
	}
	return r
}

// Cache returns the resolver cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// ClearCache drops every cached answer.
func (r *Resolver) ClearCache() {
	r.cache.Clear()
	r.log.Debug("cache cleared")
}

func (r *Resolver) serverIP() net.IP {
	if r.server != nil {
		return r.server
	}
	return r.stack.Interface().DNS
}

func (r *Resolver) bind() error {
	if r.bound {
		return nil
	}
	if err := r.stack.UDP().Bind(r.clientPort, udp.HandlerFunc(r.handle)); err != nil {
		return errors.Wrapf(err, "binding DNS client port %d", r.clientPort)
	}
	r.bound = true
	return nil
}

// Close releases the client port.
func (r *Resolver) Close() {
	if r.bound {
		r.stack.UDP().Unbind(r.clientPort)
		r.bound = false
	}
}

// handle accepts a response whose id matches an outstanding query. Nothing
// else about the response is checked.
func (r *Resolver) handle(d *udp.Datagram) {
	m, err := r.parser.ParseMessage(d.Payload)
	if err != nil {
		r.log.WithError(err).Debug("dropping malformed response")
		return
	}
	q, ok := r.inflight[m.ID]
	if !ok || q.resp != nil {
		r.log.WithField("id", m.ID).Debug("dropping unexpected response")
		return
	}
	q.resp = m
}

func (r *Resolver) send(name string) (uint16, error) {
	id := r.nextID
	r.nextID++
	pkt, err := r.parser.BuildMessage(BuildQuery(id, name, RecordTypeA))
	if err != nil {
		return 0, err
	}
	r.inflight[id] = &query{name: name}
	server := r.serverIP()
	r.log.WithFields(logrus.Fields{"name": name, "id": id, "server": server}).Debug("sending query")
	if err := r.stack.UDP().Send(r.clientPort, server, DefaultDNSPort, pkt); err != nil {
		delete(r.inflight, id)
		return 0, errors.Wrap(err, "sending DNS query")
	}
	return id, nil
}

// retrySchedule yields the wait before each resend. A zero retry count
// means unlimited to WithMaxRetries, so a single attempt stops at once.
func (r *Resolver) retrySchedule() backoff.BackOff {
	if r.attempts <= 1 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(r.timeout), uint64(r.attempts-1))
}

// immediate answers literal addresses, static hosts and fresh cache hits.
func (r *Resolver) immediate(name string) (net.IP, bool) {
	if ip := net.ParseIP(name).To4(); ip != nil {
		return ip, true
	}
	if ip, ok := r.hosts[name]; ok {
		return netstack.CopyIP(ip), true
	}
	return r.cache.Lookup(name, r.stack.Clock().Now())
}

// Resolve returns the IPv4 address of host, querying the DNS server if the
// answer is not cached. Each attempt waits for the per-attempt timeout.
func (r *Resolver) Resolve(host string) (net.IP, error) {
	name := normalizeName(host)
	if name == "" {
		return nil, errors.Wrap(ErrInvalidName, "empty host name")
	}
	if ip, ok := r.immediate(name); ok {
		return ip, nil
	}
	if err := r.bind(); err != nil {
		return nil, err
	}

	retry := r.retrySchedule()
	wait := r.timeout
	for attempt := 1; ; attempt++ {
		id, err := r.send(name)
		if err != nil {
			return nil, err
		}
		q := r.inflight[id]
		ok := r.stack.Await(wait, func() bool { return q.resp != nil })
		delete(r.inflight, id)
		if ok {
			return r.finish(name, q.resp)
		}
		if wait = retry.NextBackOff(); wait == backoff.Stop {
			break
		}
		r.log.WithFields(logrus.Fields{"name": name, "attempt": attempt}).Info("DNS timeout, retrying")
	}
	return nil, errors.Wrapf(ErrTimeout, "%s after %d attempts", name, r.attempts)
}

// finish turns a response into an address and caches it.
func (r *Resolver) finish(name string, m *Message) (net.IP, error) {
	switch {
	case m.RCODE == RCodeNameError:
		return nil, errors.Wrap(ErrNameNotFound, name)
	case m.RCODE != RCodeSuccess:
		return nil, errors.Wrapf(ErrServerFailure, "%s: %s", name, m.RCODE)
	}
	for _, rr := range m.Answers {
		ip := rr.IP()
		if ip == nil {
			continue
		}
		ttl := rr.TTL
		if ttl > MaxCacheTTL {
			ttl = MaxCacheTTL
		}
		if ttl > 0 {
			r.cache.Insert(name, ip, ttl, r.stack.Clock().Now())
		}
		r.log.WithFields(logrus.Fields{"name": name, "ip": ip}).Debug("resolved")
		return ip, nil
	}
	return nil, errors.Wrap(ErrNoAddress, name)
}

// ResolveAsync starts a lookup without waiting. Poll the stack and call
// Result until it is no longer pending. A new call replaces the previous
// lookup.
func (r *Resolver) ResolveAsync(host string) error {
	if r.async != nil {
		delete(r.inflight, r.async.id)
	}
	name := normalizeName(host)
	a := &asyncQuery{name: name, status: StatusPending}
	r.async = a
	if name == "" {
		a.status, a.err = StatusFailed, errors.Wrap(ErrInvalidName, "empty host name")
		return a.err
	}
	if ip, ok := r.immediate(name); ok {
		a.status, a.ip = StatusResolved, ip
		return nil
	}
	if err := r.bind(); err != nil {
		a.status, a.err = StatusFailed, err
		return err
	}
	a.retry = r.retrySchedule()
	a.wait = r.timeout
	return r.sendAsync(a)
}

func (r *Resolver) sendAsync(a *asyncQuery) error {
	id, err := r.send(a.name)
	if err != nil {
		a.status, a.err = StatusFailed, err
		return err
	}
	a.id = id
	a.sentAt = r.stack.Clock().Now()
	return nil
}

// Result reports the state of the lookup started by ResolveAsync. It
// resends the query when an attempt times out.
func (r *Resolver) Result() (net.IP, Status) {
	a := r.async
	if a == nil {
		return nil, StatusIdle
	}
	if a.status != StatusPending {
		return a.ip, a.status
	}
	if q := r.inflight[a.id]; q != nil && q.resp != nil {
		delete(r.inflight, a.id)
		a.ip, a.err = r.finish(a.name, q.resp)
		a.status = StatusResolved
		if a.err != nil {
			a.status = StatusFailed
		}
		return a.ip, a.status
	}
	if r.stack.Clock().Now().Sub(a.sentAt) < a.wait {
		return nil, StatusPending
	}
	delete(r.inflight, a.id)
	if a.wait = a.retry.NextBackOff(); a.wait == backoff.Stop {
		a.status, a.err = StatusFailed, errors.Wrapf(ErrTimeout, "%s after %d attempts", a.name, r.attempts)
		return nil, a.status
	}
	if err := r.sendAsync(a); err != nil {
		return nil, StatusFailed
	}
	return nil, StatusPending
}

// Err returns why the last asynchronous lookup failed.
func (r *Resolver) Err() error {
	if r.async == nil {
		return nil
	}
	return r.async.err
}

// IsNotFound reports whether err means the name does not exist.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNameNotFound
}

// IsTimeout reports whether err means the server never answered.
func IsTimeout(err error) bool {
	return errors.Cause(err) == ErrTimeout
}
