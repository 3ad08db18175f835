package relayd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// --- test fakes shared by this file and reconciler_test.go ---

type fakeGate struct{}

func (fakeGate) Register(string, int, int)                  {}
func (fakeGate) Unregister(string)                          {}
func (fakeGate) Release(string, AdmissionTicket)             {}
func (fakeGate) Admit(string, bool) (AdmissionTicket, error) {
	return AdmissionTicket{Counted: true}, nil
}

type fakeIPFilter struct{}

func (fakeIPFilter) Seed(FrontendSpec) error      { return nil }
func (fakeIPFilter) Allow(string, net.Addr) bool  { return true }
func (fakeIPFilter) BlockedByIP() map[string]int64 { return map[string]int64{} }

type fakeCertProvider struct{}

func (fakeCertProvider) ServerTLSMaterial(hostname string, ipSANs []net.IP) (tls.Certificate, error) {
	return tls.Certificate{}, fmt.Errorf("fakeCertProvider: not implemented")
}

// fakeFrontend is a relayd.Frontend stub registered under a real Mode value
// (see modeFake below) so Manager.Start exercises the real registry dispatch
// without pulling in package frontend (which would import this package and
// cycle).
type fakeFrontend struct {
	name   string
	active int64
}

func (f *fakeFrontend) Name() string { return f.name }

func (f *fakeFrontend) Serve(ctx context.Context) {
	<-ctx.Done()
}

func (f *fakeFrontend) ActiveCount() int64 { return atomic.LoadInt64(&f.active) }

func (f *fakeFrontend) Stats() FrontendStats {
	return FrontendStats{Name: f.name, Counters: Counters{Active: f.ActiveCount()}}
}

// modeFake/modeFakeFailBind reuse two of the three real Mode values: this
// test binary never imports package frontend (that would cycle), so the
// registry is otherwise empty and these registrations can't collide with
// the real tcp/udp/http constructors. Using real Mode values (rather than
// an invented one) keeps FrontendSpec.Validate's mode check exercising its
// real production path instead of a test-only bypass.
const modeFake Mode = ModeUDP
const modeFakeFailBind Mode = ModeHTTP

var registerFakesOnce sync.Once

func registerFakeFrontendKinds() {
	registerFakesOnce.Do(func() {
		RegisterFrontendKind(modeFake, func(spec FrontendSpec, fctx FrontendContext) (Frontend, error) {
			return &fakeFrontend{name: spec.Name}, nil
		})
		RegisterFrontendKind(modeFakeFailBind, func(spec FrontendSpec, fctx FrontendContext) (Frontend, error) {
			return nil, &Error{Kind: BindFailed, Frontend: spec.Name, Err: fmt.Errorf("bind failed")}
		})
	})
}

func testManager() *Manager {
	registerFakeFrontendKinds()
	return NewManager(fakeGate{}, fakeIPFilter{}, fakeCertProvider{}, nil, NewDiscardLogger())
}

func fakeLookup(ctx context.Context, ref string) (BackendSpec, error) {
	return BackendSpec{Name: ref, Host: "127.0.0.1", Port: 9999}, nil
}

func fakeSpec(name string) FrontendSpec {
	return FrontendSpec{
		Name: name, Mode: modeFake, Enabled: true,
		BindHost: "127.0.0.1", BindPort: 1, MaxInFlight: 1, AcceptRatePerSec: 1,
	}
}

func TestManagerStartIsIdempotent(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	spec := fakeSpec("svc")

	require.NoError(t, m.Start(ctx, spec, fakeLookup))
	require.NoError(t, m.Start(ctx, spec, fakeLookup))

	require.Len(t, m.Names(), 1)
	require.True(t, m.Has("svc"))
}

func TestManagerStopRemovesRuntime(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, fakeSpec("svc"), fakeLookup))
	require.True(t, m.Has("svc"))

	require.NoError(t, m.Stop(ctx, "svc"))
	require.False(t, m.Has("svc"))

	snap := m.Stats()
	_, ok := snap.Frontends["svc"]
	require.False(t, ok, "stats must contain no entry for a stopped frontend")
}

func TestManagerStartFailedBindNeverLivesInRuntimeSet(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	spec := fakeSpec("bad")
	spec.Mode = modeFakeFailBind

	err := m.Start(ctx, spec, fakeLookup)
	require.Error(t, err)
	require.False(t, m.Has("bad"))
}

func TestManagerRestartDoesNotDisturbSiblings(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, fakeSpec("x"), fakeLookup))
	require.NoError(t, m.Start(ctx, fakeSpec("y"), fakeLookup))

	before := m.Stats().Frontends["y"]

	newX := fakeSpec("x")
	newX.BindPort = 2
	require.NoError(t, m.Restart(ctx, "x", newX, fakeLookup))

	after := m.Stats().Frontends["y"]
	require.Equal(t, before.State, after.State)
	require.True(t, m.Has("x"))
	require.True(t, m.Has("y"))
}

func TestManagerStatsSnapshotIsConsistent(t *testing.T) {
	m := testManager()
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, fakeSpec("svc"), fakeLookup))

	snap := m.Stats()
	require.Contains(t, snap.Frontends, "svc")
	require.Equal(t, StateRunning, snap.Frontends["svc"].State)
}

func TestManagerStopWaitsForDrainBeforeRemoving(t *testing.T) {
	registerFakesOnce.Do(registerFakeFrontendKinds) // no-op if already done
	m := NewManager(fakeGate{}, fakeIPFilter{}, fakeCertProvider{}, nil, NewDiscardLogger())
	ctx := context.Background()

	spec := fakeSpec("draining")
	require.NoError(t, m.Start(ctx, spec, fakeLookup))

	// Synthetic active connection: bump the fake frontend's counter and
	// release it shortly after Stop is requested.
	m.mu.RLock()
	entry := m.runtimes["draining"]
	m.mu.RUnlock()
	fe := entry.fe.(*fakeFrontend)
	atomic.AddInt64(&fe.active, 1)

	go func() {
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt64(&fe.active, -1)
	}()

	start := time.Now()
	require.NoError(t, m.Stop(ctx, "draining"))
	require.Less(t, time.Since(start), DrainDeadline)
}
