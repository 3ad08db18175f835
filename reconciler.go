package relayd

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconciler reads desired state from the ConfigStore and drives the
// Manager to converge (spec.md §4.8, C8). Grounded on
// ctorrisi-haproxy-consul-connect/haproxy/state.go's generate-diff-apply
// loop (DESIGN.md), adapted from diffing a rendered HAProxy config to
// diffing FrontendSpec sets by name.
type Reconciler struct {
	manager *Manager
	store   ConfigStore
	log     Logger

	lastSeen     map[string]FrontendSpec
	lastBackends map[string]map[string]BackendSpec // frontend name -> backend ref -> spec
}

// NewReconciler constructs a Reconciler bound to manager and store.
func NewReconciler(manager *Manager, store ConfigStore, log Logger) *Reconciler {
	return &Reconciler{
		manager:      manager,
		store:        store,
		log:          log,
		lastSeen:     map[string]FrontendSpec{},
		lastBackends: map[string]map[string]BackendSpec{},
	}
}

// Reconcile performs one reconciliation step (spec.md §4.8):
//  1. snapshot desired set D and current runtime set R
//  2. compute to_start = D\R, to_stop = R\D, to_restart = {changed}
//  3. apply to_stop, then to_restart, then to_start; each group's
//     operations on distinct names run concurrently (errgroup), and a
//     failure on one name is logged without aborting reconciliation of the
//     others (failure isolation); a frontend whose Start fails is not kept
//     in the runtime set.
func (rc *Reconciler) Reconcile(ctx context.Context) error {
	desired, err := rc.store.ListEnabledFrontends(ctx)
	if err != nil {
		return err
	}
	desiredByName := make(map[string]FrontendSpec, len(desired))
	for _, spec := range desired {
		merged, err := rc.mergeIPFilters(ctx, spec)
		if err != nil {
			// Can't read this frontend's ip_filters section this pass;
			// leave it out of the desired set rather than starting it
			// with a stale or partial filter (failure isolation).
			rc.log.Error("reconcile reading ip_filters failed", err, zap.String("frontend", spec.Name))
			continue
		}
		desiredByName[merged.Name] = merged
	}

	running := make(map[string]bool)
	for _, n := range rc.manager.Names() {
		running[n] = true
	}

	lookup := func(ctx context.Context, ref string) (BackendSpec, error) {
		return rc.store.GetBackend(ctx, ref)
	}

	currentBackends := make(map[string]map[string]BackendSpec, len(desiredByName))
	for name, spec := range desiredByName {
		backends, err := rc.resolveBackends(ctx, spec)
		if err != nil {
			// Can't resolve this frontend's backends this pass; leave it
			// alone rather than guessing at a restart (failure isolation,
			// spec.md §4.8).
			rc.log.Error("reconcile resolving backends failed", err, zap.String("frontend", name))
			continue
		}
		currentBackends[name] = backends
	}

	var toStart, toRestart []FrontendSpec
	var toStop []string

	for name, spec := range desiredByName {
		if !running[name] {
			toStart = append(toStart, spec)
			continue
		}
		prevSpec, sawSpec := rc.lastSeen[name]
		if sawSpec && (!prevSpec.Equal(spec) || !backendMapsEqual(rc.lastBackends[name], currentBackends[name])) {
			toRestart = append(toRestart, spec)
		}
	}
	for name := range running {
		if _, ok := desiredByName[name]; !ok {
			toStop = append(toStop, name)
		}
	}

	// Stop first: freed ports/names are then safe for the restart and
	// start groups that follow.
	runIsolated(ctx, toStop, func(ctx context.Context, name string) error {
		return rc.manager.Stop(ctx, name)
	}, rc.log)

	runIsolatedSpecs(ctx, toRestart, func(ctx context.Context, spec FrontendSpec) error {
		return rc.manager.Restart(ctx, spec.Name, spec, lookup)
	}, rc.log)

	runIsolatedSpecs(ctx, toStart, func(ctx context.Context, spec FrontendSpec) error {
		return rc.manager.Start(ctx, spec, lookup)
	}, rc.log)

	rc.lastSeen = desiredByName
	rc.lastBackends = currentBackends
	return nil
}

// mergeIPFilters folds the store's per-frontend ip_filters section (spec.md
// §6) into spec's inline Blacklist/Whitelist, so an operator who populates
// ip_filters gets those entries seeded into gate.IPFilter exactly like an
// inline blacklist/whitelist entry would (ipFilter.Seed reads only
// FrontendSpec.Blacklist/Whitelist; this is where the store's separate
// section is reconciled into that same shape before Start/Restart sees it).
func (rc *Reconciler) mergeIPFilters(ctx context.Context, spec FrontendSpec) (FrontendSpec, error) {
	allow, deny, err := rc.store.ListIPFilters(ctx, spec.Name)
	if err != nil {
		return FrontendSpec{}, fmt.Errorf("listing ip_filters for %q: %w", spec.Name, err)
	}
	if len(allow) == 0 && len(deny) == 0 {
		return spec, nil
	}
	spec.Whitelist = mergeUnique(spec.Whitelist, allow)
	spec.Blacklist = mergeUnique(spec.Blacklist, deny)
	return spec, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// resolveBackends fetches the BackendSpec for every ref spec transitively
// names (its default_backend plus every domain_routes entry), keyed by
// ref, so spec_changed can compare "every field of FrontendSpec and the
// transitively referenced BackendSpec set" (spec.md §4.8).
func (rc *Reconciler) resolveBackends(ctx context.Context, spec FrontendSpec) (map[string]BackendSpec, error) {
	refs := make(map[string]struct{})
	if spec.DefaultBackend != "" {
		refs[spec.DefaultBackend] = struct{}{}
	}
	for _, dr := range spec.DomainRoutes {
		refs[dr.BackendRef] = struct{}{}
	}
	out := make(map[string]BackendSpec, len(refs))
	for ref := range refs {
		be, err := rc.store.GetBackend(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving backend %q: %w", ref, err)
		}
		out[ref] = be
	}
	return out, nil
}

// backendMapsEqual compares two ref->BackendSpec maps for spec_changed's
// "transitively referenced BackendSpec set" clause.
func backendMapsEqual(a, b map[string]BackendSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for ref, spec := range a {
		other, ok := b[ref]
		if !ok || other != spec {
			return false
		}
	}
	return true
}

// runIsolated runs fn(name) for each name concurrently; an error from one
// is logged and does not cancel the others' goroutines (errgroup.Wait's
// normal cancel-on-first-error behavior is deliberately not used here,
// since spec.md §4.8 requires failure isolation across frontends, not
// fail-fast).
func runIsolated(ctx context.Context, names []string, fn func(context.Context, string) error, log Logger) {
	var g errgroup.Group
	for _, n := range names {
		n := n
		g.Go(func() error {
			if err := fn(ctx, n); err != nil {
				log.Error("reconcile stop failed", err, zap.String("frontend", n))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func runIsolatedSpecs(ctx context.Context, specs []FrontendSpec, fn func(context.Context, FrontendSpec) error, log Logger) {
	var g errgroup.Group
	for _, s := range specs {
		s := s
		g.Go(func() error {
			if err := fn(ctx, s); err != nil {
				log.Error("reconcile apply failed", err, zap.String("frontend", s.Name))
			}
			return nil
		})
	}
	_ = g.Wait()
}
