package ratelimit

import (
	"net"
	"sync"
	"time"

	"swarmnode/internal/keys"
)

const (
	DefaultSnodeRate  = 10.0
	DefaultSnodeBurst = 20.0

	DefaultClientRate  = 5.0
	DefaultClientBurst = 20.0

	sweepInterval = time.Minute
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter keeps two independent token-bucket maps: one keyed by peer
// snode identity, one keyed by client IPv4. A request is rejected when
// its bucket is empty; refill is lazy, so rejection never blocks.
type Limiter struct {
	snodeRate   float64
	snodeBurst  float64
	clientRate  float64
	clientBurst float64

	now func() time.Time

	mu        sync.Mutex
	snodes    map[keys.Ed25519Pubkey]*bucket
	clients   map[string]*bucket
	lastSweep time.Time
}

type Options struct {
	SnodeRate   float64
	SnodeBurst  float64
	ClientRate  float64
	ClientBurst float64
}

func New(opts Options) *Limiter {
	l := &Limiter{
		snodeRate:   opts.SnodeRate,
		snodeBurst:  opts.SnodeBurst,
		clientRate:  opts.ClientRate,
		clientBurst: opts.ClientBurst,
		now:         time.Now,
		snodes:      make(map[keys.Ed25519Pubkey]*bucket),
		clients:     make(map[string]*bucket),
	}
	if l.snodeRate <= 0 {
		l.snodeRate = DefaultSnodeRate
	}
	if l.snodeBurst <= 0 {
		l.snodeBurst = DefaultSnodeBurst
	}
	if l.clientRate <= 0 {
		l.clientRate = DefaultClientRate
	}
	if l.clientBurst <= 0 {
		l.clientBurst = DefaultClientBurst
	}
	return l
}

// AllowSnode spends one token from the peer node's bucket.
func (l *Limiter) AllowSnode(pk keys.Ed25519Pubkey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.snodes[pk]
	if !ok {
		b = &bucket{tokens: l.snodeBurst, last: l.now()}
		l.snodes[pk] = b
	}
	return l.take(b, l.snodeRate, l.snodeBurst)
}

// AllowClient spends one token from the client address's bucket. Only
// IPv4 clients are served; anything else is refused outright.
func (l *Limiter) AllowClient(ip string) bool {
	if !IsIPv4(ip) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.clients[ip]
	if !ok {
		b = &bucket{tokens: l.clientBurst, last: l.now()}
		l.clients[ip] = b
	}
	return l.take(b, l.clientRate, l.clientBurst)
}

func (l *Limiter) take(b *bucket, rate, burst float64) bool {
	now := l.now()
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
	l.maybeSweep(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// maybeSweep drops buckets that have been idle long enough to be full
// again; callers hold the lock. The sweep interval is counted from the
// first request.
func (l *Limiter) maybeSweep(now time.Time) {
	if l.lastSweep.IsZero() {
		l.lastSweep = now
		return
	}
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for pk, b := range l.snodes {
		if now.Sub(b.last).Seconds()*l.snodeRate >= l.snodeBurst {
			delete(l.snodes, pk)
		}
	}
	for ip, b := range l.clients {
		if now.Sub(b.last).Seconds()*l.clientRate >= l.clientBurst {
			delete(l.clients, ip)
		}
	}
}

// IsIPv4 reports whether addr is a literal IPv4 address. The service
// publishes IPv4 only; IPv6 clients are refused before rate limiting.
func IsIPv4(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() != nil
}
