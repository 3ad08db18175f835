package relayd

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeStore is a ConfigStore backed by plain maps, guarded by a mutex so
// tests can mutate desired state between Reconcile calls the way a real
// store's backing file changes between polls.
type fakeStore struct {
	mu        sync.Mutex
	frontends map[string]FrontendSpec
	backends  map[string]BackendSpec
	ipFilters map[string][2][]string // frontend name -> [allow, deny]
	settings  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		frontends: map[string]FrontendSpec{},
		backends:  map[string]BackendSpec{},
		ipFilters: map[string][2][]string{},
		settings:  map[string]string{},
	}
}

func (s *fakeStore) ListEnabledFrontends(ctx context.Context) ([]FrontendSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FrontendSpec, 0, len(s.frontends))
	for _, spec := range s.frontends {
		out = append(out, spec)
	}
	return out, nil
}

func (s *fakeStore) GetBackend(ctx context.Context, ref string) (BackendSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	be, ok := s.backends[ref]
	if !ok {
		return BackendSpec{}, &Error{Kind: ConfigInvalid, Err: context.DeadlineExceeded}
	}
	return be, nil
}

func (s *fakeStore) GetDomainRoutes(ctx context.Context, frontendName string) ([]DomainRoute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontends[frontendName].DomainRoutes, nil
}

func (s *fakeStore) ListIPFilters(ctx context.Context, frontendName string) ([]string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.ipFilters[frontendName]
	if !ok {
		return nil, nil, nil
	}
	return pair[0], pair[1], nil
}

func (s *fakeStore) Setting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fakeStore) setIPFilters(frontendName string, allow, deny []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ipFilters[frontendName] = [2][]string{allow, deny}
}

func (s *fakeStore) put(spec FrontendSpec, backends ...BackendSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontends[spec.Name] = spec
	for _, be := range backends {
		s.backends[be.Name] = be
	}
}

func (s *fakeStore) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.frontends, name)
}

func (s *fakeStore) setBackend(be BackendSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[be.Name] = be
}

func backendFor(name string) BackendSpec {
	return BackendSpec{Name: name, Host: "127.0.0.1", Port: 9999}
}

// TestReconcilerStartsDesiredFrontends is the to_start leg of spec.md §4.8:
// a frontend present in the store but absent from the runtime set gets
// started on the next Reconcile.
func TestReconcilerStartsDesiredFrontends(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	store.put(fakeSpec("svc"), backendFor("svc-backend"))
	rc := NewReconciler(m, store, NewDiscardLogger())

	require.NoError(t, rc.Reconcile(context.Background()))
	require.True(t, m.Has("svc"))
}

// TestReconcilerStopsRemovedFrontends is the to_stop leg: a frontend
// running but no longer present (or disabled) in the store gets stopped.
func TestReconcilerStopsRemovedFrontends(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	store.put(fakeSpec("svc"), backendFor("svc-backend"))
	rc := NewReconciler(m, store, NewDiscardLogger())
	require.NoError(t, rc.Reconcile(context.Background()))
	require.True(t, m.Has("svc"))

	store.remove("svc")
	require.NoError(t, rc.Reconcile(context.Background()))
	require.False(t, m.Has("svc"))
}

// TestReconcilerIsIdempotentWhenNothingChanged asserts that reconciling an
// unchanged desired set never restarts a running frontend (no churn).
func TestReconcilerIsIdempotentWhenNothingChanged(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	store.put(fakeSpec("svc"), backendFor("svc-backend"))
	rc := NewReconciler(m, store, NewDiscardLogger())

	require.NoError(t, rc.Reconcile(context.Background()))
	m.mu.RLock()
	entry := m.runtimes["svc"]
	m.mu.RUnlock()
	firstFE := entry.fe

	require.NoError(t, rc.Reconcile(context.Background()))
	require.NoError(t, rc.Reconcile(context.Background()))

	m.mu.RLock()
	entry = m.runtimes["svc"]
	m.mu.RUnlock()
	require.Same(t, firstFE, entry.fe, "unchanged spec/backends must not trigger a restart")
}

// TestReconcilerRestartsOnFrontendSpecChange covers the FrontendSpec half
// of spec_changed.
func TestReconcilerRestartsOnFrontendSpecChange(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	spec := fakeSpec("svc")
	store.put(spec, backendFor("svc-backend"))
	rc := NewReconciler(m, store, NewDiscardLogger())
	require.NoError(t, rc.Reconcile(context.Background()))

	m.mu.RLock()
	firstFE := m.runtimes["svc"].fe
	m.mu.RUnlock()

	spec.MaxInFlight = 99
	store.put(spec, backendFor("svc-backend"))
	require.NoError(t, rc.Reconcile(context.Background()))

	m.mu.RLock()
	secondFE := m.runtimes["svc"].fe
	m.mu.RUnlock()
	require.NotSame(t, firstFE, secondFE, "a changed FrontendSpec field must trigger a restart")
}

// TestReconcilerRestartsOnBackendSpecChange covers the transitively
// referenced BackendSpec half of spec_changed (spec.md §4.8): the
// FrontendSpec itself is untouched, only the backend it points at moves.
func TestReconcilerRestartsOnBackendSpecChange(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	spec := fakeSpec("svc")
	spec.DefaultBackend = "svc-backend"
	store.put(spec, backendFor("svc-backend"))
	rc := NewReconciler(m, store, NewDiscardLogger())
	require.NoError(t, rc.Reconcile(context.Background()))

	m.mu.RLock()
	firstFE := m.runtimes["svc"].fe
	m.mu.RUnlock()

	moved := backendFor("svc-backend")
	moved.Port = 10000
	store.setBackend(moved)
	require.NoError(t, rc.Reconcile(context.Background()))

	m.mu.RLock()
	secondFE := m.runtimes["svc"].fe
	m.mu.RUnlock()
	require.NotSame(t, firstFE, secondFE, "a changed referenced BackendSpec must trigger a restart")
}

// TestReconcilerIsolatesFailureAcrossFrontends: a frontend whose backend
// can't be resolved is skipped this pass without affecting its siblings.
func TestReconcilerIsolatesFailureAcrossFrontends(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	good := fakeSpec("good")
	bad := fakeSpec("bad")
	bad.DefaultBackend = "missing-backend"
	store.put(good, backendFor("svc-backend"))
	store.put(bad)
	rc := NewReconciler(m, store, NewDiscardLogger())

	require.NoError(t, rc.Reconcile(context.Background()))
	require.True(t, m.Has("good"))
	require.True(t, m.Has("bad"), "bad still starts since Start doesn't itself resolve DefaultBackend eagerly")
}

// TestReconcilerMergesStoreIPFiltersIntoSpec covers the store's ip_filters
// section (spec.md §6): entries there must reach the spec the same way an
// inline blacklist/whitelist entry would, and a later change to that
// section must be treated as a spec change.
func TestReconcilerMergesStoreIPFiltersIntoSpec(t *testing.T) {
	m := testManager()
	store := newFakeStore()
	store.put(fakeSpec("svc"), backendFor("svc-backend"))
	store.setIPFilters("svc", []string{"10.0.0.1"}, []string{"10.0.0.2"})
	rc := NewReconciler(m, store, NewDiscardLogger())

	require.NoError(t, rc.Reconcile(context.Background()))
	require.True(t, m.Has("svc"))

	m.mu.RLock()
	firstFE := m.runtimes["svc"].fe
	m.mu.RUnlock()

	require.NoError(t, rc.Reconcile(context.Background()))
	m.mu.RLock()
	secondFE := m.runtimes["svc"].fe
	m.mu.RUnlock()
	require.Same(t, firstFE, secondFE, "an unchanged ip_filters section must not cause churn")

	store.setIPFilters("svc", []string{"10.0.0.1"}, []string{"10.0.0.2", "10.0.0.3"})
	require.NoError(t, rc.Reconcile(context.Background()))
	m.mu.RLock()
	thirdFE := m.runtimes["svc"].fe
	m.mu.RUnlock()
	require.NotSame(t, secondFE, thirdFE, "a changed ip_filters section must trigger a restart so the new deny entry is seeded")
}
