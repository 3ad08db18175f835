package frontend

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd"
)

func init() {
	relayd.RegisterFrontendKind(relayd.ModeUDP, newUDPFrontend)
}

// udpFrontend forwards UDP datagrams to a resolved upstream and relays the
// single response datagram back to the originator (spec.md §4.5, C5). No
// teacher file implements UDP forwarding directly; the request/response
// pairing and ephemeral-socket-per-datagram shape is grounded on the same
// dial/copy primitives tcp.go uses, adapted to datagram semantics
// (DESIGN.md).
type udpFrontend struct {
	name   string
	spec   relayd.FrontendSpec
	fctx   relayd.FrontendContext
	conn   *net.UDPConn
	active activeCounter
	stats  frontendStats
}

func newUDPFrontend(spec relayd.FrontendSpec, fctx relayd.FrontendContext) (relayd.Frontend, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", spec.BindHost, spec.BindPort))
	if err != nil {
		return nil, &relayd.Error{Kind: relayd.BindFailed, Frontend: spec.Name, Err: err}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, &relayd.Error{Kind: relayd.BindFailed, Frontend: spec.Name, Err: err}
	}
	f := &udpFrontend{name: spec.Name, spec: spec, fctx: fctx, conn: conn}
	f.stats.init(spec.Name, relayd.ModeUDP)
	return f, nil
}

func (f *udpFrontend) Name() string { return f.name }

func (f *udpFrontend) ActiveCount() int64 { return atomic.LoadInt64(&f.active.n) }

func (f *udpFrontend) Stats() relayd.FrontendStats { return f.stats.snapshot(f.ActiveCount()) }

// Serve reads datagrams until ctx is cancelled. Each datagram is handled in
// its own goroutine so a slow upstream on one datagram never blocks the
// read loop (spec.md §5 "must not serialise them").
func (f *udpFrontend) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		f.conn.Close()
	}()

	buf := make([]byte, udpMaxDatagram+1)
	for {
		n, peer, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				f.fctx.Log.Debug("udp read error", zap.Error(err))
				return
			}
		}
		if n > udpMaxDatagram {
			// Oversized datagram: spec.md §8 boundary, 65508+ is rejected.
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go f.handle(ctx, peer, payload)
	}
}

func (f *udpFrontend) handle(ctx context.Context, peer *net.UDPAddr, payload []byte) {
	if !f.fctx.IPFilter.Allow(f.name, peer) {
		return
	}
	ticket, err := f.fctx.Gate.Admit(f.name, false)
	if err != nil {
		return // dropped silently (spec.md §4.5, §7 "UDP: silent drop")
	}
	defer f.fctx.Gate.Release(f.name, ticket)

	atomic.AddInt64(&f.active.n, 1)
	defer atomic.AddInt64(&f.active.n, -1)

	decision, ok, err := f.fctx.ResolveRoute("")
	if err != nil || !ok {
		f.stats.incFailed()
		return
	}

	upAddr, err := net.ResolveUDPAddr("udp", decision.Addr())
	if err != nil {
		f.stats.incFailed()
		f.stats.setLastError(err.Error())
		return
	}
	upConn, err := net.DialUDP("udp", nil, upAddr)
	if err != nil {
		f.fctx.Log.Error("udp upstream dial failed", err, zap.String("frontend", f.name))
		f.stats.incFailed()
		f.stats.setLastError(err.Error())
		return
	}
	defer upConn.Close()

	if _, err := upConn.Write(payload); err != nil {
		f.stats.incFailed()
		return
	}
	f.stats.addBytes(int64(len(payload)), 0)

	upConn.SetReadDeadline(time.Now().Add(udpResponseTimeout))

	resp := make([]byte, udpMaxDatagram)
	n, err := upConn.Read(resp)
	if err != nil {
		// No response within the deadline: not an error per spec.md §4.5,
		// the request is simply fire-and-forget beyond this point.
		return
	}
	if _, err := f.conn.WriteToUDP(resp[:n], peer); err == nil {
		f.stats.addBytes(0, int64(n))
	}
}
