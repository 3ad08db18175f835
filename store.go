package relayd

import "context"

// ConfigStore is the narrow, read-only interface the core consumes from
// an external configuration store (spec.md §6). It is handed to the
// Reconciler at construction and to Manager.ReloadSingle per call; the
// Manager itself is not constructed with a store and keeps no reference to
// one. The core never embeds the store's schema and issues only these calls.
type ConfigStore interface {
	ListEnabledFrontends(ctx context.Context) ([]FrontendSpec, error)
	GetBackend(ctx context.Context, ref string) (BackendSpec, error)
	GetDomainRoutes(ctx context.Context, frontendName string) ([]DomainRoute, error)
	ListIPFilters(ctx context.Context, frontendName string) (allowlist, denylist []string, err error)
	Setting(ctx context.Context, key string) (string, bool, error)
}
