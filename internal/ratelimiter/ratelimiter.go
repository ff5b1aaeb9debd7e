// Package ratelimiter throttles inbound requests with token buckets.
//
// RateLimiter guards one shared budget. PeerLimiter keeps one bucket per
// remote address so a single chatty client cannot starve the others; it is
// used to bound how many UDP search requests the server answers.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// unlimited stands in for rate.Inf, whose burst handling differs.
const unlimited = 1_000_000_000

// RateLimiter is a token bucket safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained with the
// given burst. A zero rate disables limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		requestsPerSecond = unlimited
		burst = unlimited
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst))}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// DefaultMaxPeers bounds the number of buckets a PeerLimiter tracks.
const DefaultMaxPeers = 4096

type peerBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// PeerLimiter holds one token bucket per peer key.
//
// When more than maxPeers keys are tracked, buckets idle for longer than
// the refill window are evicted. If none are idle every bucket is
// dropped, which at worst grants each peer one fresh burst.
type PeerLimiter struct {
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	maxPeers int
	peers    map[string]*peerBucket
	now      func() time.Time
}

// NewPeerLimiter creates a keyed limiter. A zero rate disables limiting.
func NewPeerLimiter(requestsPerSecond, burst uint, maxPeers int) *PeerLimiter {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	if burst == 0 {
		burst = requestsPerSecond
	}
	return &PeerLimiter{
		rate:     rate.Limit(requestsPerSecond),
		burst:    int(burst),
		maxPeers: maxPeers,
		peers:    make(map[string]*peerBucket),
		now:      time.Now,
	}
}

// Allow consumes a token from the bucket for peer.
func (p *PeerLimiter) Allow(peer string) bool {
	if p == nil || p.rate == 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	b, ok := p.peers[peer]
	if !ok {
		if len(p.peers) >= p.maxPeers {
			p.evict(now)
		}
		b = &peerBucket{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.peers[peer] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// Len returns the number of tracked peers.
func (p *PeerLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func (p *PeerLimiter) evict(now time.Time) {
	window := time.Duration(float64(p.burst) / float64(p.rate) * float64(time.Second))
	if window < time.Second {
		window = time.Second
	}
	for k, b := range p.peers {
		if now.Sub(b.seen) > window {
			delete(p.peers, k)
		}
	}
	if len(p.peers) >= p.maxPeers {
		clear(p.peers)
	}
}
