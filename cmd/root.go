// Package cmd is the CLI composition root: it wires the ConfigStore, the
// CA, the admission gate/filter, the Manager, and the Reconciler together,
// and exposes them as a Cobra command tree (spec.md §9 ambient stack).
// Grounded on caddyserver-caddy's cmd/main.go, which sets both GOMAXPROCS
// and GOMEMLIMIT from the container's cgroup quota before doing anything
// else (DESIGN.md).
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	"github.com/relaymesh/relayd"
)

// Execute builds the root command and runs it; it is the single entry
// point main.go calls.
func Execute() error {
	bootLog, err := relayd.NewLogger(false)
	if err != nil {
		return err
	}
	defer bootLog.Sync()

	// GOMAXPROCS defaults to NumCPU, which overcommits under a cgroup CPU
	// quota; automaxprocs caps it to the quota instead (DESIGN.md, grounded
	// on cmd/main.go's own maxprocs.Set call). A failure here (no cgroup
	// support on the host) is not fatal.
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		bootLog.Info(fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		bootLog.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// Likewise for GOMEMLIMIT: without this, runtime/debug's default (no
	// limit) lets the Go heap grow past a cgroup memory quota until the
	// kernel OOM-kills the process instead of the GC reacting to pressure.
	// Grounded verbatim on cmd/main.go's memlimit.SetGoMemLimitWithOpts
	// call, cgroup-then-system fallback included (DESIGN.md).
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(bootLog.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)

	root := newRootCommand()
	root.AddCommand(newServeCommand())
	return root.Execute()
}

func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "relayd",
		Short:         "relayd is a configurable, multi-protocol reverse proxy runtime",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
}
