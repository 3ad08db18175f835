package frontend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd"
)

func init() {
	relayd.RegisterFrontendKind(relayd.ModeTCP, newTCPFrontend)
}

// tcpFrontend relays raw TCP byte streams to a resolved upstream (spec.md
// §4.4, C4). Grounded on caddyhttp/proxy/reverseproxy.go's websocket
// hijack-and-splice loop (DESIGN.md), generalised from "upgrade an HTTP
// connection" to "the whole connection is a relay".
type tcpFrontend struct {
	name   string
	spec   relayd.FrontendSpec
	fctx   relayd.FrontendContext
	ln     net.Listener
	active activeCounter

	mu    chan struct{} // not read, written or closed by any code path
	stats frontendStats
}

func newTCPFrontend(spec relayd.FrontendSpec, fctx relayd.FrontendContext) (relayd.Frontend, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort))
	if err != nil {
		return nil, &relayd.Error{Kind: relayd.BindFailed, Frontend: spec.Name, Err: err}
	}
	if spec.TerminateTLS {
		cert, err := fctx.Certs.ServerTLSMaterial(spec.BindHost, tlsSANs(spec.BindHost))
		if err != nil {
			ln.Close()
			return nil, &relayd.Error{Kind: relayd.TLSHandshakeFailed, Frontend: spec.Name, Err: err}
		}
		ln = tls.NewListener(ln, &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		})
	}
	f := &tcpFrontend{
		name: spec.Name,
		spec: spec,
		fctx: fctx,
		ln:   ln,
	}
	f.stats.init(spec.Name, relayd.ModeTCP)
	return f, nil
}

func (f *tcpFrontend) Name() string { return f.name }

func (f *tcpFrontend) ActiveCount() int64 { return atomic.LoadInt64(&f.active.n) }

func (f *tcpFrontend) Stats() relayd.FrontendStats { return f.stats.snapshot(f.ActiveCount()) }

// Serve runs the accept loop until ctx is cancelled (spec.md §4.4
// "Lifecycle"). Each accepted connection gets its own goroutine; the loop
// itself exits as soon as the listener closes, without waiting for those
// goroutines to drain -- Manager.Stop polls ActiveCount for that.
func (f *tcpFrontend) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.ln.Close()
	}()

	for {
		conn, err := f.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				f.fctx.Log.Debug("accept error", zap.Error(err))
				return
			}
		}
		go f.handle(ctx, conn)
	}
}

func (f *tcpFrontend) handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	peer := conn.RemoteAddr()
	outcome := "closed"
	var bytesIn, bytesOut int64

	defer func() {
		conn.Close()
		f.stats.recordConnection(relayd.ConnectionRecord{
			ID: relayd.NewRecordID(), Start: start, Peer: peer.String(),
			Duration: time.Since(start), BytesIn: bytesIn, BytesOut: bytesOut, Outcome: outcome,
		})
	}()

	if !f.fctx.IPFilter.Allow(f.name, peer) {
		outcome = "ip_denied"
		return
	}
	ticket, err := f.fctx.Gate.Admit(f.name, true)
	if err != nil {
		outcome = admissionOutcome(err)
		return
	}
	atomic.AddInt64(&f.active.n, 1)
	defer func() {
		atomic.AddInt64(&f.active.n, -1)
		f.fctx.Gate.Release(f.name, ticket)
	}()

	decision, ok, err := f.fctx.ResolveRoute("")
	if err != nil || !ok {
		outcome = "no_backend"
		return
	}

	dialer := net.Dialer{Timeout: upstreamDialTimeout}
	upstreamConn, err := dialUpstream(ctx, dialer, decision)
	if err != nil {
		f.fctx.Log.Error("upstream dial failed", err, zap.String("frontend", f.name))
		f.stats.setLastError(err.Error())
		outcome = "upstream_unreachable"
		return
	}
	defer upstreamConn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := idleTimeout(f.spec.IdleTimeoutMs)
	var copyErrs [2]error
	done := make(chan struct{}, 2)
	go func() {
		n, err := pooledCopy(upstreamConn, deadlineReader{conn, idle})
		atomic.AddInt64(&bytesIn, n)
		copyErrs[0] = err
		cancel()
		done <- struct{}{}
	}()
	go func() {
		n, err := pooledCopy(conn, deadlineReader{upstreamConn, idle})
		atomic.AddInt64(&bytesOut, n)
		copyErrs[1] = err
		cancel()
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-connCtx.Done():
	}
	conn.Close()
	upstreamConn.Close()
	<-done

	outcome = relayOutcome(copyErrs[0], copyErrs[1])
}

// deadlineReader extends its connection's read deadline before every Read,
// so an idle TCP flow (no bytes on either leg within idle_timeout_ms) is
// cut rather than held open forever (spec.md §5 "Timeouts").
type deadlineReader struct {
	net.Conn
	idle time.Duration
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if r.idle > 0 {
		r.Conn.SetReadDeadline(time.Now().Add(r.idle))
	}
	return r.Conn.Read(p)
}

// relayOutcome classifies the pair of copy-loop errors into the outcome tag
// recorded on the connection's ring entry (spec.md §4.4 state machine): an
// idle-timeout on either leg takes priority over a plain EOF/close. The
// sibling leg's read on a connection handle closed after the first leg
// finishes counts as a plain close.
func relayOutcome(clientToUpstream, upstreamToClient error) string {
	for _, err := range []error{clientToUpstream, upstreamToClient} {
		if isTimeout(err) {
			return "idle_timeout"
		}
	}
	for _, err := range []error{clientToUpstream, upstreamToClient} {
		if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
			return "error"
		}
	}
	return "closed"
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func dialUpstream(ctx context.Context, dialer net.Dialer, decision relayd.RoutingDecision) (net.Conn, error) {
	addr := decision.Addr()
	if decision.UpstreamTLS {
		return tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true, ServerName: decision.UpstreamHost})
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// tlsSANs builds the IP SAN set a terminate_tls frontend mints its leaf
// with: 127.0.0.1, ::1, and bind_host itself when it is not a wildcard
// address (spec.md §3 "terminate_tls").
func tlsSANs(bindHost string) []net.IP {
	sans := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	if ip := net.ParseIP(bindHost); ip != nil && !ip.IsUnspecified() {
		sans = append(sans, ip)
	}
	return sans
}

func admissionOutcome(err error) string {
	var rerr *relayd.Error
	if e, ok := err.(*relayd.Error); ok {
		rerr = e
	}
	if rerr == nil {
		return "rejected"
	}
	switch rerr.Kind {
	case relayd.OverCapacity:
		return "over_capacity"
	case relayd.RateLimited:
		return "rate_limited"
	default:
		return "rejected"
	}
}
