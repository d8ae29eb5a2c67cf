package router

import (
	"sync"
	"time"
)

// flow distinguishes the two two-hop request flows that need correlation:
// a running-apps request and a streaming-token handshake.
type flow int

const (
	flowApps flow = iota
	flowStream
)

type pendingKey struct {
	target string
	flow   flow
}

type pendingEntry struct {
	requester string
	created   time.Time
}

// pendingTable correlates a teacher's two-hop request with the student's
// eventual reply: keyed by target session, discarded once delivered or
// after the TTL.
type pendingTable struct {
	mu  sync.Mutex
	m   map[pendingKey]pendingEntry
	ttl time.Duration
	now func() time.Time
}

func newPendingTable(ttl time.Duration) *pendingTable {
	return &pendingTable{
		m:   make(map[pendingKey]pendingEntry),
		ttl: ttl,
		now: time.Now,
	}
}

// add records a correlation. It reports false when a live entry for the
// same target and flow already exists, which callers treat as a no-op
// acknowledgement of the existing attempt.
func (p *pendingTable) add(target string, f flow, requester string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.purgeLocked()
	key := pendingKey{target: target, flow: f}
	if _, exists := p.m[key]; exists {
		return false
	}
	p.m[key] = pendingEntry{requester: requester, created: p.now()}
	return true
}

// take removes and returns the requester waiting on the target's reply.
func (p *pendingTable) take(target string, f flow) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.purgeLocked()
	key := pendingKey{target: target, flow: f}
	entry, exists := p.m[key]
	if !exists {
		return "", false
	}
	delete(p.m, key)
	return entry.requester, true
}

// dropRequester discards correlations waiting on behalf of a departed
// requester so a student's late reply is not forwarded to a reused
// connection.
func (p *pendingTable) dropRequester(requester string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.m {
		if entry.requester == requester {
			delete(p.m, key)
		}
	}
}

func (p *pendingTable) purgeLocked() {
	cutoff := p.now().Add(-p.ttl)
	for key, entry := range p.m {
		if entry.created.Before(cutoff) {
			delete(p.m, key)
		}
	}
}
