// Package frontend implements the three listener kinds the Manager can
// start: TCP relay (C4), UDP datagram forwarder (C5), and HTTP reverse
// proxy (C6). Each registers its constructor with the root relayd package
// via relayd.RegisterFrontendKind in its own init(), so importing this
// package for its side effects is enough to make all three modes
// available (mirrors the teacher's RegisterModule/init() pattern in
// modules.go).
package frontend

import (
	"io"
	"sync"
	"time"
)

const (
	copyBufferSize    = 4 * 1024
	upstreamDialTimeout = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout  = 5 * time.Minute
	udpMaxDatagram      = 65507
	udpResponseTimeout  = 5 * time.Second
)

// bufferPool recycles the byte slices used by the copy loops, grounded on
// caddyhttp/proxy/reverseproxy.go's bufferPool/pooledIoCopy (DESIGN.md).
var bufferPool = sync.Pool{
	New: func() any { return make([]byte, 0, copyBufferSize) },
}

// pooledCopy copies from src to dst using a pooled buffer and reports the
// number of bytes copied.
func pooledCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	bufCap := cap(buf)
	return io.CopyBuffer(dst, src, buf[0:bufCap:bufCap])
}

// activeCounter is the shared ActiveCount bookkeeping every frontend kind
// embeds; increment happens once admission succeeds, decrement happens on
// exactly one terminal path per flow (invariant 5).
type activeCounter struct {
	n int64
}

// idleTimeout resolves a FrontendSpec's configured idle timeout, applying
// the 5-minute default when unset (spec.md §5 "Timeouts").
func idleTimeout(ms int) time.Duration {
	if ms <= 0 {
		return defaultIdleTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// outcomeOf classifies a flow-ending error into the short outcome tag
// recorded on ConnectionRecord/RequestRecord (spec.md §4.4 state machine).
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "closed"
	case err == io.EOF:
		return "closed"
	default:
		return "error"
	}
}
