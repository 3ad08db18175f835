package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymesh/relayd"
	"github.com/relaymesh/relayd/certauthority"
	"github.com/relaymesh/relayd/gate"
	"github.com/relaymesh/relayd/store"

	// Registers the tcp/udp/http Frontend kinds via init() side effects
	// (spec.md §3); the root package never imports this package directly
	// to avoid a dependency cycle (DESIGN.md).
	_ "github.com/relaymesh/relayd/frontend"
)

func newServeCommand() *cobra.Command {
	var configPath, dataDir string
	var debug bool
	var reconcileInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relayd reverse proxy runtime",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serveOptions{
				configPath:        configPath,
				dataDir:           dataDir,
				debug:             debug,
				reconcileInterval: reconcileInterval,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "relayd.yaml", "path to the YAML configuration file")
	flags.StringVar(&dataDir, "data-dir", "./data", "directory for the CA root, leaf cache, and IP filter state")
	flags.BoolVar(&debug, "debug", false, "enable debug-level logging")
	flags.DurationVar(&reconcileInterval, "reconcile-interval", 5*time.Second, "how often to reconcile runtime state against the config store")

	return cmd
}

type serveOptions struct {
	configPath        string
	dataDir           string
	debug             bool
	reconcileInterval time.Duration
}

// runServe wires the ConfigStore, CA, Gate, IPFilter, Manager, and
// Reconciler together and runs the reconciliation loop until the process
// receives SIGINT/SIGTERM, draining frontends on the way out (spec.md §3
// Lifecycle, §5 Cancellation). Grounded on caddyserver-caddy's cmd/run.go
// signal-driven run loop (DESIGN.md).
func runServe(ctx context.Context, opts serveOptions) error {
	configStore, err := store.NewFileStore(opts.configPath)
	if err != nil {
		return err
	}

	// The store's settings section (spec.md §6) can raise the log level
	// without a redeploy; --debug always wins when the operator passed it
	// explicitly.
	debug := opts.debug
	if !debug {
		if level, ok, _ := configStore.Setting(ctx, "log_level"); ok && level == "debug" {
			debug = true
		}
	}
	log, err := relayd.NewLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// relayd's upstream dials never verify the backend's certificate
	// (frontend.dialUpstream, frontend.forward): backends are addressed
	// by operator-configured host:port, not by a name a public CA signs
	// for, so there is no certificate chain to verify against. This is a
	// deliberate trust boundary, not an oversight, and is logged loudly
	// at every startup per spec.md §9.
	log.Warn("upstream TLS verification is disabled; backends are trusted by network placement, not certificate identity")

	ca, err := certauthority.New(opts.dataDir, log)
	if err != nil {
		return err
	}

	ipFilter, err := gate.NewIPFilter(opts.dataDir, log)
	if err != nil {
		return err
	}
	admissionGate := gate.NewGate()

	metrics := relayd.NewMetrics(prometheus.DefaultRegisterer)
	manager := relayd.NewManager(admissionGate, ipFilter, ca, metrics, log)
	reconciler := relayd.NewReconciler(manager, configStore, log)

	log.Info("relayd starting", zap.String("config", opts.configPath), zap.String("data_dir", opts.dataDir))

	if err := reconciler.Reconcile(ctx); err != nil {
		log.Error("initial reconcile failed", err)
	}

	ticker := time.NewTicker(opts.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("relayd shutting down")
			drainCtx, cancel := context.WithTimeout(context.Background(), relayd.DrainDeadline)
			defer cancel()
			for _, name := range manager.Names() {
				if err := manager.Stop(drainCtx, name); err != nil {
					log.Error("shutdown stop failed", err, zap.String("frontend", name))
				}
			}
			return nil
		case <-ticker.C:
			if err := reconciler.Reconcile(ctx); err != nil {
				log.Error("reconcile failed", err)
			}
		}
	}
}
