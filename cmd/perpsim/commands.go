package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/perpsim/internal/action"
	"github.com/gateway-fm/perpsim/internal/event"
	"github.com/gateway-fm/perpsim/internal/invariant"
	"github.com/gateway-fm/perpsim/internal/oracle"
	"github.com/gateway-fm/perpsim/internal/report"
	"github.com/gateway-fm/perpsim/internal/scenario"
	"github.com/gateway-fm/perpsim/pkg/types"
)

func marketPtr(m uint16) *int {
	v := int(m)
	return &v
}

func closeMarketCmd(a *app) *cobra.Command {
	var market uint16
	cmd := &cobra.Command{
		Use:   "close-market",
		Short: "Expire a perp market and settle every user in it",
		Long: `Schedules the perp and spot expiries, removes all user liquidity,
settles the expired market and settles every user's PnL. The initial and
final market state is recorded and posted to Slack when configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.workflow(cmd.Context(), types.KindCloseMarket, marketPtr(market), func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.setup(ctx, d, market)
				if err != nil {
					return nil, err
				}
				err = scenario.CloseMarket(ctx, d, market)
				if err != nil && !errors.Is(err, scenario.ErrSettleExhausted) {
					d.Results.PostFail(ctx, fmt.Sprintf("close market %d failed: %v", market, err))
					return nil, err
				}
				if ferr := scenario.RecordFinal(ctx, d, market); ferr != nil {
					return nil, errors.Join(err, ferr)
				}
				d.Results.SetEndTime(time.Now())
				d.Results.PostResult(ctx)
				return d.Results.Summary(), err
			})
		},
	}
	cmd.Flags().Uint16Var(&market, "market", 0, "perp market index")
	return cmd
}

func experimentCmd(a *app) *cobra.Command {
	var (
		actions   int
		seed      uint64
		maxMarket uint16
		maxPct    float64
	)
	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Run random admin actions against the markets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actions <= 0 {
				return fmt.Errorf("--actions must be positive, got %d", actions)
			}
			return a.workflow(cmd.Context(), types.KindExperiment, nil, func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.withAdmin(ctx, d, 1)
				if err != nil {
					return nil, err
				}
				gen := action.NewGenerator(action.GeneratorConfig{
					MaxMarketIndex: maxMarket,
					MaxPctDelta:    maxPct,
					Seed:           seed,
				})
				exec := action.NewExecutor(d.Admin, action.ExecutorConfig{
					RatePerSec: a.cfg.RateLimit,
					Sink:       d.Sink,
					Metrics:    d.Metrics,
					Logger:     d.Logger,
				})
				return scenario.Experiment(ctx, d, gen, exec, actions)
			})
		},
	}
	cmd.Flags().IntVar(&actions, "actions", 100, "number of actions")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	cmd.Flags().Uint16Var(&maxMarket, "max-market", action.DefaultMaxMarketIndex, "highest perp market index")
	cmd.Flags().Float64Var(&maxPct, "max-pct", action.DefaultMaxPctDelta, "largest relative perturbation")
	return cmd
}

func oracleJumpCmd(a *app) *cobra.Command {
	var (
		market     uint16
		interval   time.Duration
		priceDelta int64
		pctDelta   float64
		repeat     bool
	)
	cmd := &cobra.Command{
		Use:   "oracle-jump",
		Short: "Move a perp market oracle by a fixed or relative delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := oracle.JumpConfig{Market: market, Interval: interval, Repeat: repeat}
			if cmd.Flags().Changed("price-delta") {
				cfg.PriceDelta = &priceDelta
			}
			if cmd.Flags().Changed("pct-delta") {
				cfg.PctDelta = &pctDelta
			}
			if (cfg.PriceDelta == nil) == (cfg.PctDelta == nil) {
				return errors.New("exactly one of --price-delta and --pct-delta is required")
			}
			return a.workflow(cmd.Context(), types.KindOracleJump, marketPtr(market), func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.withAdmin(ctx, d, 1)
				if err != nil {
					return nil, err
				}
				err = scenario.OracleJump(ctx, d, cfg)
				if repeat && errors.Is(err, context.Canceled) {
					err = nil
				}
				return nil, err
			})
		},
	}
	cmd.Flags().Uint16Var(&market, "market", 0, "perp market index")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "pause between repeated jumps")
	cmd.Flags().Int64Var(&priceDelta, "price-delta", 0, "absolute oracle price delta")
	cmd.Flags().Float64Var(&pctDelta, "pct-delta", 0, "relative oracle price delta (0.1 = +10%)")
	cmd.Flags().BoolVar(&repeat, "repeat", false, "keep jumping until interrupted")
	return cmd
}

func moveOracleCmd(a *app) *cobra.Command {
	var (
		market    uint16
		direction string
	)
	cmd := &cobra.Command{
		Use:   "move-oracle",
		Short: "Move a perp market oracle up 40% or down to a fifth",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := scenario.ParseDirection(direction)
			if err != nil {
				return err
			}
			return a.workflow(cmd.Context(), types.KindMoveOracle, marketPtr(market), func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.withAdmin(ctx, d, 1)
				if err != nil {
					return nil, err
				}
				price, err := scenario.MoveOracle(ctx, d, market, dir)
				if err != nil {
					return nil, err
				}
				return map[string]any{"direction": dir, "price": price}, nil
			})
		},
	}
	cmd.Flags().Uint16Var(&market, "market", 0, "perp market index")
	cmd.Flags().StringVar(&direction, "direction", string(scenario.DirectionUp), "up or down")
	return cmd
}

func quoteToZeroCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quote-to-zero",
		Short: "Drop the quote spot market oracle to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.workflow(cmd.Context(), types.KindQuoteToZero, nil, func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.withAdmin(ctx, d, 1)
				if err != nil {
					return nil, err
				}
				return nil, scenario.QuoteToZero(ctx, d)
			})
		},
	}
}

func exchangeBehaviorCmd(a *app) *cobra.Command {
	var market uint16
	cmd := &cobra.Command{
		Use:   "exchange-behavior",
		Short: "Cancel perp orders, crash the oracle and wait for the keeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.workflow(cmd.Context(), types.KindExchangeBehavior, marketPtr(market), func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.setup(ctx, d, market)
				if err != nil {
					return nil, err
				}
				return nil, scenario.ExchangeBehavior(ctx, d, scenario.BehaviorConfig{
					Market:         market,
					Results:        report.NewCSVWriter(a.cfg.ResultsCSV),
					KeeperFlagFile: a.cfg.KeeperFlagFile,
				})
			})
		},
	}
	cmd.Flags().Uint16Var(&market, "market", 0, "perp market index")
	return cmd
}

func createTesterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create-tester",
		Short: "Create, fund and initialize a fresh wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.workflow(cmd.Context(), types.KindCreateTester, nil, func(ctx context.Context, d scenario.Deps) (any, error) {
				tester, err := scenario.CreateTester(ctx, d, a.gateway)
				if err != nil {
					return nil, err
				}
				return map[string]string{
					"authority":    tester.Keypair.PublicKey().String(),
					"user_account": tester.User.Pubkey.String(),
				}, nil
			})
		},
	}
}

func validateCmd(a *app) *cobra.Command {
	var maxMarket uint16
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check perp market totals against the sum of user positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.workflow(cmd.Context(), types.KindValidate, nil, func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.withAdmin(ctx, d, 1)
				if err != nil {
					return nil, err
				}
				d.Recorder.SetPhase(types.PhaseValidating, fmt.Sprintf("markets 0..%d", maxMarket))
				scanner := invariant.NewScanner(d.Ledger, d.Admin, a.cfg.Resolved.ProgramID, d.Logger)
				violations, err := scanner.Validate(ctx, maxMarket)
				if err != nil {
					return nil, err
				}
				for _, v := range violations {
					d.Logger.Error("invariant violated", slog.String("violation", v.Error()))
				}
				return map[string]int{"violations": len(violations)}, invariant.Join(violations)
			})
		},
	}
	cmd.Flags().Uint16Var(&maxMarket, "max-market", action.DefaultMaxMarketIndex, "highest perp market index")
	return cmd
}

func replayCmd(a *app) *cobra.Command {
	var (
		file  string
		users int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a CSV of user events",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			rows, err := event.ReadCSV(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("read events %s: %w", file, err)
			}
			return a.workflow(cmd.Context(), types.KindReplay, nil, func(ctx context.Context, d scenario.Deps) (any, error) {
				d, err := a.withAdmin(ctx, d, users+1)
				if err != nil {
					return nil, err
				}
				d.Recorder.SetPhase(types.PhaseReplaying, fmt.Sprintf("%d events", len(rows)))
				sender := event.NewSender(event.Config{
					Slots:   d.Ledger,
					Sink:    d.Sink,
					Metrics: d.Metrics,
					Logger:  d.Logger,
				})
				outcomes, err := sender.Replay(ctx, d.Agents, rows)
				summary := replaySummary(outcomes)
				return summary, err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "events.csv", "events CSV file")
	cmd.Flags().IntVar(&users, "users", 10, "number of local users besides the admin")
	return cmd
}

type replayResult struct {
	Events    int `json:"events"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func replaySummary(outcomes []event.Outcome) replayResult {
	r := replayResult{Events: len(outcomes)}
	for _, o := range outcomes {
		switch {
		case o.Failed():
			r.Failed++
		case o.Skipped:
			r.Skipped++
		default:
			r.Succeeded++
		}
	}
	return r
}

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.ListenAddr == "" {
				return errors.New("--listen is required")
			}
			a.serveAPI = true
			if err := a.start(cmd.Context()); err != nil {
				return err
			}
			<-cmd.Context().Done()
			a.logger.Info("shutting down")
			return nil
		},
	}
}
