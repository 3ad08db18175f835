// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relayd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DrainDeadline bounds how long Stop waits, after cancelling the frontend
// (which closes its listener), for the active count to reach zero and for
// Serve to return (spec.md §3 Lifecycle, §5 Cancellation). Nothing further
// is closed once the deadline passes; the runtime is removed regardless.
const DrainDeadline = 10 * time.Second

// restartSettleDelay is the short sleep Manager.Restart takes between stop
// and start to let the OS release the bound port (spec.md §4.7 restart).
const restartSettleDelay = 50 * time.Millisecond

// runtimeEntry is the Manager's private bookkeeping for one FrontendRuntime
// (spec.md §3). The public, read-only view is FrontendStats.
type runtimeEntry struct {
	mu        sync.Mutex
	spec      FrontendSpec
	fe        Frontend
	state     RuntimeState
	lastError string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (re *runtimeEntry) setState(s RuntimeState) {
	re.mu.Lock()
	re.state = s
	re.mu.Unlock()
}

func (re *runtimeEntry) setError(err error) {
	re.mu.Lock()
	re.state = StateFailed
	if err != nil {
		re.lastError = err.Error()
	}
	re.mu.Unlock()
}

func (re *runtimeEntry) snapshot() (RuntimeState, string) {
	re.mu.Lock()
	defer re.mu.Unlock()
	return re.state, re.lastError
}

// Manager owns the set of running frontends: it starts, stops, and
// restarts them individually and aggregates their stats (spec.md §4.7,
// C7). A Manager holds no back-reference to the administrative stack that
// drives it (spec.md §9); it is handed its collaborators once, at
// construction.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*runtimeEntry

	gate     Gate
	ipFilter IPFilter
	certs    CertProvider
	metrics  *Metrics
	log      Logger
}

// NewManager constructs a Manager with its fixed collaborators. store is
// NOT held by the Manager long-term; callers (typically the Reconciler)
// pass the backend/route lookups it needs per-call.
func NewManager(gate Gate, ipFilter IPFilter, certs CertProvider, metrics *Metrics, log Logger) *Manager {
	return &Manager{
		runtimes: make(map[string]*runtimeEntry),
		gate:     gate,
		ipFilter: ipFilter,
		certs:    certs,
		metrics:  metrics,
		log:      log,
	}
}

// BackendLookup resolves a backend reference to its spec; it is how the
// Manager resolves FrontendSpec.DefaultBackend/DomainRoutes into concrete
// RoutingDecisions without owning a ConfigStore reference itself.
type BackendLookup func(ctx context.Context, ref string) (BackendSpec, error)

// Start is idempotent: if a runtime for spec.Name already exists, it
// returns without disturbing it (invariant 2). Otherwise it resolves
// routing, constructs the frontend for spec.Mode, binds its listener, and
// transitions it to running or failed (invariant 1, 3).
func (m *Manager) Start(ctx context.Context, spec FrontendSpec, lookup BackendLookup) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.runtimes[spec.Name]; exists {
		m.mu.Unlock()
		return nil
	}
	entry := &runtimeEntry{spec: spec, state: StateCreating, done: make(chan struct{})}
	m.runtimes[spec.Name] = entry
	m.mu.Unlock()

	resolveRoute, err := m.buildResolver(ctx, spec, lookup)
	if err != nil {
		entry.setError(err)
		m.mu.Lock()
		delete(m.runtimes, spec.Name)
		m.mu.Unlock()
		return err
	}

	if err := m.ipFilter.Seed(spec); err != nil {
		entry.setError(err)
		m.mu.Lock()
		delete(m.runtimes, spec.Name)
		m.mu.Unlock()
		return err
	}
	m.gate.Register(spec.Name, spec.MaxInFlight, spec.AcceptRatePerSec)

	feCtx := FrontendContext{
		Spec:         spec,
		ResolveRoute: resolveRoute,
		Gate:         m.gate,
		IPFilter:     m.ipFilter,
		Certs:        m.certs,
		Log:          m.log.Named(spec.Name),
	}
	// The registered constructor binds the listener synchronously, so a
	// non-nil fe here already satisfies "transitions to running when the
	// listener is bound" (spec.md §3); a bind failure surfaces as an
	// error from newFrontend itself and the runtime transitions straight
	// to failed without ever being added to the live set.
	fe, err := newFrontend(spec, feCtx)
	if err != nil {
		entry.setError(err)
		m.gate.Unregister(spec.Name)
		m.mu.Lock()
		delete(m.runtimes, spec.Name)
		m.mu.Unlock()
		return err
	}
	entry.fe = fe

	serveCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel

	go func() {
		defer close(entry.done)
		fe.Serve(serveCtx)
	}()

	entry.setState(StateRunning)
	m.log.Info("frontend started", zap.String("frontend", spec.Name), zap.String("mode", string(spec.Mode)))
	return nil
}

func (m *Manager) buildResolver(ctx context.Context, spec FrontendSpec, lookup BackendLookup) (func(host string) (RoutingDecision, bool, error), error) {
	routes := make(map[string]RoutingDecision, len(spec.DomainRoutes))
	for _, dr := range spec.DomainRoutes {
		be, err := lookup(ctx, dr.BackendRef)
		if err != nil {
			return nil, &Error{Kind: ConfigInvalid, Frontend: spec.Name, Err: fmt.Errorf("resolving domain route %q: %w", dr.HostPattern, err)}
		}
		routes[dr.HostPattern] = RoutingDecision{UpstreamHost: be.Host, UpstreamPort: be.Port, UpstreamTLS: be.UpstreamTLS}
	}
	var def *RoutingDecision
	if spec.DefaultBackend != "" {
		be, err := lookup(ctx, spec.DefaultBackend)
		if err != nil {
			return nil, &Error{Kind: ConfigInvalid, Frontend: spec.Name, Err: fmt.Errorf("resolving default_backend: %w", err)}
		}
		rd := RoutingDecision{UpstreamHost: be.Host, UpstreamPort: be.Port, UpstreamTLS: be.UpstreamTLS}
		def = &rd
	}
	return func(host string) (RoutingDecision, bool, error) {
		if rd, ok := routes[host]; ok {
			return rd, true, nil
		}
		if def != nil {
			return *def, true, nil
		}
		return RoutingDecision{}, false, nil
	}, nil
}

// Stop signals cancellation, waits for the listener to close and
// active-task count to reach 0 bounded by DrainDeadline, then removes the
// runtime (spec.md §4.7). After Stop returns, Stats() contains no entry
// for name (testable property, spec.md §8).
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	entry, ok := m.runtimes[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	entry.setState(StateStopping)
	if entry.cancel != nil {
		entry.cancel()
	}

	deadline := time.NewTimer(DrainDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

drain:
	for {
		if entry.fe == nil || entry.fe.ActiveCount() == 0 {
			break drain
		}
		select {
		case <-poll.C:
		case <-deadline.C:
			m.log.Warn("drain deadline exceeded, forcing close", zap.String("frontend", name))
			break drain
		case <-ctx.Done():
			break drain
		}
	}

	select {
	case <-entry.done:
	case <-time.After(DrainDeadline):
	}

	entry.setState(StateStopped)
	m.gate.Unregister(name)
	m.mu.Lock()
	delete(m.runtimes, name)
	m.mu.Unlock()
	m.log.Info("frontend stopped", zap.String("frontend", name))
	return nil
}

// Restart is stop followed by start(newSpec) with a short settle delay to
// release the port (spec.md §4.7).
func (m *Manager) Restart(ctx context.Context, name string, newSpec FrontendSpec, lookup BackendLookup) error {
	if err := m.Stop(ctx, name); err != nil {
		return err
	}
	time.Sleep(restartSettleDelay)
	return m.Start(ctx, newSpec, lookup)
}

// ReloadSingle fetches the latest spec for name from store, stops the
// existing runtime, and starts the new one. Other frontends are not
// disturbed (spec.md §4.7 invariant).
func (m *Manager) ReloadSingle(ctx context.Context, name string, store ConfigStore) error {
	specs, err := store.ListEnabledFrontends(ctx)
	if err != nil {
		return err
	}
	var found *FrontendSpec
	for i := range specs {
		if specs[i].Name == name {
			found = &specs[i]
			break
		}
	}
	lookup := func(ctx context.Context, ref string) (BackendSpec, error) { return store.GetBackend(ctx, ref) }
	if found == nil {
		return m.Stop(ctx, name)
	}
	return m.Restart(ctx, name, *found, lookup)
}

// Has reports whether a runtime for name currently exists (invariant 1).
func (m *Manager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runtimes[name]
	return ok
}

// Names returns the set of currently-running frontend names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runtimes))
	for n := range m.runtimes {
		out = append(out, n)
	}
	return out
}

// Stats returns a consistent, non-blocking snapshot of every running
// frontend's counters and recent-events rings (spec.md §4.7).
func (m *Manager) Stats() Snapshot {
	m.mu.RLock()
	entries := make([]*runtimeEntry, 0, len(m.runtimes))
	for _, e := range m.runtimes {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	snap := Snapshot{
		Frontends:   make(map[string]FrontendStats, len(entries)),
		BlockedByIP: m.ipFilter.BlockedByIP(),
	}
	for _, e := range entries {
		state, lastErr := e.snapshot()
		var fs FrontendStats
		if e.fe != nil {
			fs = e.fe.Stats()
		}
		fs.Name = e.spec.Name
		fs.Mode = e.spec.Mode
		fs.State = state
		if lastErr != "" {
			fs.LastError = lastErr
		}
		snap.Frontends[e.spec.Name] = fs
		if m.metrics != nil {
			m.metrics.observe(fs)
		}
	}
	return snap
}
