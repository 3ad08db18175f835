package frontend

import (
	"sync"
	"sync/atomic"

	"github.com/relaymesh/relayd"
)

const ringCapacity = 100

// frontendStats is the bookkeeping every frontend kind embeds: cumulative
// counters, a bounded connection/request ring, and (for HTTP) method/domain
// tallies and a running mean response time. It mirrors the shape of
// relayd.FrontendStats but lives here because the ring/rate machinery is
// per-frontend-kind construction detail, not shared root-package state.
type frontendStats struct {
	name string
	mode relayd.Mode

	total, failed, bytesIn, bytesOut int64 // atomic

	byteRate *relayd.ByteRateRing

	mu          sync.Mutex
	conns       []relayd.ConnectionRecord
	connsNext   int
	connsFull   bool
	reqs        []relayd.RequestRecord
	reqsNext    int
	reqsFull    bool
	methodCount map[string]int64
	domainCount map[string]int64
	respMsTotal float64
	respMsN     int64
	lastError   string
}

func (s *frontendStats) init(name string, mode relayd.Mode) {
	s.name = name
	s.mode = mode
	s.conns = make([]relayd.ConnectionRecord, ringCapacity)
	s.reqs = make([]relayd.RequestRecord, ringCapacity)
	s.methodCount = map[string]int64{}
	s.domainCount = map[string]int64{}
	s.byteRate = relayd.NewByteRateRing()
}

func (s *frontendStats) incFailed() { atomic.AddInt64(&s.failed, 1) }

func (s *frontendStats) addBytes(in, out int64) {
	atomic.AddInt64(&s.bytesIn, in)
	atomic.AddInt64(&s.bytesOut, out)
	s.byteRate.Add(in + out)
}

func (s *frontendStats) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *frontendStats) recordConnection(rec relayd.ConnectionRecord) {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.bytesIn, rec.BytesIn)
	atomic.AddInt64(&s.bytesOut, rec.BytesOut)
	s.byteRate.Add(rec.BytesIn + rec.BytesOut)
	if isFailureOutcome(rec.Outcome) {
		atomic.AddInt64(&s.failed, 1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[s.connsNext] = rec
	s.connsNext = (s.connsNext + 1) % len(s.conns)
	if s.connsNext == 0 {
		s.connsFull = true
	}
}

func (s *frontendStats) recordRequest(rec relayd.RequestRecord) {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.bytesIn, rec.BytesIn)
	atomic.AddInt64(&s.bytesOut, rec.BytesOut)
	s.byteRate.Add(rec.BytesIn + rec.BytesOut)
	if isFailureOutcome(rec.Outcome) {
		atomic.AddInt64(&s.failed, 1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[s.reqsNext] = rec
	s.reqsNext = (s.reqsNext + 1) % len(s.reqs)
	if s.reqsNext == 0 {
		s.reqsFull = true
	}
	s.methodCount[rec.Method]++
	s.domainCount[rec.Domain]++
	s.respMsTotal += float64(rec.Duration.Milliseconds())
	s.respMsN++
}

func (s *frontendStats) snapshot(active int64) relayd.FrontendStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs := relayd.FrontendStats{
		Name:  s.name,
		Mode:  s.mode,
		State: relayd.StateRunning,
		Counters: relayd.Counters{
			Active:   active,
			Total:    atomic.LoadInt64(&s.total),
			Failed:   atomic.LoadInt64(&s.failed),
			BytesIn:  atomic.LoadInt64(&s.bytesIn),
			BytesOut: atomic.LoadInt64(&s.bytesOut),
		},
		LastError:    s.lastError,
		Connections:  orderedConns(s.conns, s.connsNext, s.connsFull),
		Requests:     orderedReqs(s.reqs, s.reqsNext, s.reqsFull),
		MethodCounts: copyInt64Map(s.methodCount),
		DomainCounts: copyInt64Map(s.domainCount),
		BytesPerSec:  s.byteRate.Snapshot(),
	}
	if s.respMsN > 0 {
		fs.MeanRespMs = s.respMsTotal / float64(s.respMsN)
	}
	return fs
}

func orderedConns(buf []relayd.ConnectionRecord, next int, full bool) []relayd.ConnectionRecord {
	if !full {
		out := make([]relayd.ConnectionRecord, next)
		copy(out, buf[:next])
		return out
	}
	out := make([]relayd.ConnectionRecord, len(buf))
	copy(out, buf[next:])
	copy(out[len(buf)-next:], buf[:next])
	return out
}

func orderedReqs(buf []relayd.RequestRecord, next int, full bool) []relayd.RequestRecord {
	if !full {
		out := make([]relayd.RequestRecord, next)
		copy(out, buf[:next])
		return out
	}
	out := make([]relayd.RequestRecord, len(buf))
	copy(out, buf[next:])
	copy(out[len(buf)-next:], buf[:next])
	return out
}

// isFailureOutcome reports whether an outcome tag counts toward the
// failed counter. Gate/filter rejections count too: spec.md §8 scenario 3
// ("the third [connect] is closed immediately; stats().failed increments
// by 1") is explicit that a rate-limited rejection is a failed connection,
// matching original_source/src/proxy/tcp.py's self.failed_connections
// increment on the IP-blocked, rate-limited, and max-connections paths
// alike.
func isFailureOutcome(outcome string) bool {
	switch outcome {
	case "upstream_unreachable", "tls_handshake_failed", "idle_timeout", "upstream_protocol_error", "error",
		"ip_denied", "rate_limited", "over_capacity":
		return true
	default:
		return false
	}
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
