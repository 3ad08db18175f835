package gate

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relayd"
)

// Gate is the per-frontend rate/concurrency admission control (spec.md
// §4.2, C2). The sliding-window acceptance log is a hand-rolled deque
// (mutex-guarded), not golang.org/x/time/rate, because the spec's
// rejection rule ("purge entries older than 1 second, then compare
// remaining size against accept_rate_per_sec") is an exact last-N-in-1s
// count, which a token-bucket limiter cannot reproduce bit-for-bit
// (SPEC_FULL.md §11 domain-stack table).
type Gate struct {
	mu    sync.Mutex
	perFE map[string]*frontendGate
}

type frontendGate struct {
	maxInFlight      int64
	acceptRatePerSec int

	inFlight int64 // atomic

	logMu sync.Mutex
	log   []time.Time
}

// NewGate returns an empty Gate; call Register for each frontend before
// admitting traffic on it.
func NewGate() *Gate {
	return &Gate{perFE: map[string]*frontendGate{}}
}

// Register installs the limits for frontend name, replacing any previous
// registration (used on restart/reload).
func (g *Gate) Register(name string, maxInFlight int, acceptRatePerSec int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perFE[name] = &frontendGate{maxInFlight: int64(maxInFlight), acceptRatePerSec: acceptRatePerSec}
}

// Unregister drops the gate state for a stopped frontend.
func (g *Gate) Unregister(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.perFE, name)
}

func (g *Gate) get(name string) *frontendGate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perFE[name]
}

// Admit implements relayd.Gate (spec.md §4.2):
//  1. if in_flight >= max_in_flight (connections only): reject OVER_CAPACITY
//  2. append now to acceptance_log, purge entries older than 1s
//  3. if len(log) > accept_rate_per_sec: reject RATE_LIMITED
//  4. else increment in_flight (connections only) and admit
//
// UDP datagrams pass isConnection=false: they are rate-limited but never
// concurrency-capped (spec.md §4.5 "datagrams are not connections").
func (g *Gate) Admit(name string, isConnection bool) (relayd.AdmissionTicket, error) {
	fg := g.get(name)
	if fg == nil {
		return relayd.AdmissionTicket{}, &relayd.Error{Kind: relayd.Internal, Frontend: name, Err: fmt.Errorf("gate: frontend %q not registered", name)}
	}

	if isConnection && atomic.LoadInt64(&fg.inFlight) >= fg.maxInFlight {
		return relayd.AdmissionTicket{}, &relayd.Error{Kind: relayd.OverCapacity, Frontend: name, Err: fmt.Errorf("in-flight limit %d reached", fg.maxInFlight)}
	}

	if !fg.acceptWithinRate() {
		return relayd.AdmissionTicket{}, &relayd.Error{Kind: relayd.RateLimited, Frontend: name, Err: fmt.Errorf("accept rate %d/s exceeded", fg.acceptRatePerSec)}
	}

	if isConnection {
		atomic.AddInt64(&fg.inFlight, 1)
	}
	return relayd.NewAdmissionTicket(isConnection), nil
}

// acceptWithinRate appends now to the sliding window, prunes entries older
// than one second, and reports whether the window is still within the
// configured rate (spec.md §4.2 step 2-3; §8 boundary: "admissions in any
// one-second window <= accept_rate_per_sec + 1").
func (fg *frontendGate) acceptWithinRate() bool {
	now := time.Now()
	cutoff := now.Add(-time.Second)

	fg.logMu.Lock()
	defer fg.logMu.Unlock()

	kept := fg.log[:0]
	for _, t := range fg.log {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	fg.log = append(kept, now)

	return len(fg.log) <= fg.acceptRatePerSec
}

// Release returns the concurrency slot reserved by Admit; the caller must
// call it on exactly one terminal path per connection (invariant 5). It is
// a no-op for UDP (isConnection=false admits never incremented in_flight).
func (g *Gate) Release(name string, t relayd.AdmissionTicket) {
	if !t.Counted {
		return
	}
	fg := g.get(name)
	if fg == nil {
		return
	}
	for {
		cur := atomic.LoadInt64(&fg.inFlight)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&fg.inFlight, cur, cur-1) {
			return
		}
	}
}

// InFlight reports the current concurrency count for name; only this
// package's tests call it (the frontends keep their own ActiveCount).
func (g *Gate) InFlight(name string) int64 {
	fg := g.get(name)
	if fg == nil {
		return 0
	}
	return atomic.LoadInt64(&fg.inFlight)
}
