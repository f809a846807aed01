// Command perpsim drives simulation workflows against a perpetual futures
// exchange on a Solana validator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/perpsim/internal/config"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "perpsim",
		Short:         "Simulation harness for a perpetual futures exchange",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	a.cfg.BindFlags(root.PersistentFlags())
	root.PersistentFlags().BoolVar(&a.serveAPI, "serve-api", false, "serve the status API while the workflow runs")

	root.AddCommand(
		closeMarketCmd(a),
		experimentCmd(a),
		oracleJumpCmd(a),
		moveOracleCmd(a),
		quoteToZeroCmd(a),
		exchangeBehaviorCmd(a),
		createTesterCmd(a),
		validateCmd(a),
		replayCmd(a),
		serveCmd(a),
	)
	return root
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{cfg: cfg}
	err = newRootCmd(a).ExecuteContext(ctx)
	a.close()
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
