package relayd

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ringSize is the bounded size of the per-frontend event ring (spec.md §3:
// "a bounded ring buffer of the last 100 connection/request records").
const ringSize = 100

// byteRateSamples is the number of one-second buckets kept for the
// per-second bytes-delta ring (spec.md §3: "60 samples").
const byteRateSamples = 60

// ConnectionRecord is one entry in a TCP/UDP frontend's event ring.
type ConnectionRecord struct {
	ID        string
	Start     time.Time
	Peer      string
	Duration  time.Duration
	BytesIn   int64
	BytesOut  int64
	Outcome   string
}

// RequestRecord is one entry in an HTTP frontend's event ring.
type RequestRecord struct {
	ID           string
	Start        time.Time
	Peer         string
	Method       string
	Domain       string
	Duration     time.Duration
	StatusCode   int
	BytesIn      int64
	BytesOut     int64
	Outcome      string
}

// Counters holds a frontend's counters. Total, Failed, BytesIn and BytesOut
// only ever increase over a runtime's lifetime (invariant 6); Active is the
// current in-flight count and goes down as flows end.
type Counters struct {
	Active  int64
	Total   int64
	Failed  int64
	BytesIn int64
	BytesOut int64
}

// eventRing is a fixed-capacity, overwrite-oldest ring buffer protected by
// its own lock, matching the "writers hold a per-frontend lock" resource
// model of spec.md §5.
type eventRing struct {
	mu      sync.Mutex
	entries []any
	next    int
	full    bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{entries: make([]any, capacity)}
}

func (r *eventRing) push(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = v
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns a copy of the ring contents in insertion order, oldest
// first.
func (r *eventRing) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if !r.full {
		out := make([]any, n)
		copy(out, r.entries[:n])
		return out
	}
	out := make([]any, len(r.entries))
	copy(out, r.entries[n:])
	copy(out[len(r.entries)-n:], r.entries[:n])
	return out
}

// ByteRateRing tracks a per-second bytes-delta history used to derive
// throughput for the stats snapshot (spec.md §3 FrontendRuntime: "a
// per-second bytes-delta ring (60 samples)"). Exported so package frontend
// can embed one per FrontendRuntime without this root package importing
// frontend's concrete stats type back (would cycle).
type ByteRateRing struct {
	mu       sync.Mutex
	samples  [byteRateSamples]int64
	idx      int
	lastTick time.Time
}

// NewByteRateRing returns a ring primed to start accumulating at the
// current second.
func NewByteRateRing() *ByteRateRing {
	return &ByteRateRing{lastTick: time.Now()}
}

// Add records bytes transferred "now", rolling the ring forward for any
// whole seconds that have elapsed since the last call.
func (b *ByteRateRing) Add(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(time.Now())
	b.samples[b.idx] += n
}

func (b *ByteRateRing) rollLocked(now time.Time) {
	elapsed := int(now.Sub(b.lastTick) / time.Second)
	if elapsed <= 0 {
		return
	}
	if elapsed > byteRateSamples {
		elapsed = byteRateSamples
	}
	for i := 0; i < elapsed; i++ {
		b.idx = (b.idx + 1) % byteRateSamples
		b.samples[b.idx] = 0
	}
	b.lastTick = now
}

// Snapshot returns the ring's contents ordered oldest-to-newest.
func (b *ByteRateRing) Snapshot() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(time.Now())
	out := make([]int64, byteRateSamples)
	for i := 0; i < byteRateSamples; i++ {
		out[i] = b.samples[(b.idx+1+i)%byteRateSamples]
	}
	return out
}

// newRecordID returns a random UUID string used as a ring-entry identifier.
func newRecordID() string { return uuid.NewString() }

// NewRecordID is the exported form of newRecordID, used by package
// frontend's ConnectionRecord/RequestRecord construction.
func NewRecordID() string { return newRecordID() }

// FrontendStats is the read-only snapshot of one frontend's runtime state,
// returned by Manager.Stats().
type FrontendStats struct {
	Name          string
	Mode          Mode
	State         RuntimeState
	LastError     string
	Counters      Counters
	Connections   []ConnectionRecord
	Requests      []RequestRecord
	BytesPerSec   []int64
	MeanRespMs    float64
	MethodCounts  map[string]int64
	DomainCounts  map[string]int64
}

// Snapshot is the aggregate result of Manager.Stats(): per-frontend
// counters, state, and recent-events rings, plus the global blocked-by-ip
// counter (spec.md §4.1).
type Snapshot struct {
	Frontends    map[string]FrontendStats
	BlockedByIP  map[string]int64
}
