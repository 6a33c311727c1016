package main

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"cdopt/internal/config"
	"cdopt/internal/evaluator"
	"cdopt/pkg/cdopt"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	LogLevel     string
	LogFormat    string
	Store        string
	DBPath       string
	ArtifactsDir string

	logger *slog.Logger
}

var validLogFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cdoptctl",
		Short:         "Optimize continuous entanglement delivery protocols",
		Long:          "Search the link rates, cutoff times and swap policy of a repeater network for the best delivery objective.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.LogLevel, opts.LogFormat)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flags.StringVar(&opts.LogFormat, "log-format", "text", "log format (text|json)")
	flags.StringVar(&opts.Store, "store", "memory", "run store backend (memory|sqlite)")
	flags.StringVar(&opts.DBPath, "db-path", "cdopt.db", "sqlite database path")
	flags.StringVar(&opts.ArtifactsDir, "artifacts-dir", "runs", "directory for run artifacts")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newEvaluateCommand(opts))
	cmd.AddCommand(newRunsCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	return cmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be one of %v", format, validLogFormats)
	}
}

func (o *rootOptions) client(reg prometheus.Registerer) (*cdopt.Client, error) {
	return cdopt.NewClient(cdopt.Options{
		StoreKind:    o.Store,
		DBPath:       o.DBPath,
		ArtifactsDir: o.ArtifactsDir,
		Logger:       o.logger,
		Registerer:   reg,
	})
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var configPath, runID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an optimization from a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			client, err := opts.client(prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Run(cmd.Context(), cdopt.RunRequest{Config: cfg, RunID: runID})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run completed run_id=%s termination=%s rounds=%d proposed=%d evaluations=%d failures=%d skipped=%d elapsed=%s\n",
				summary.RunID, summary.Termination, summary.Iterations, summary.Proposed,
				summary.Evaluations, summary.Failures, summary.Skipped, summary.Elapsed)
			for _, r := range summary.History {
				fmt.Fprintf(out, "round=%d evaluated=%d failures=%d skipped=%d best_objective=%s\n",
					r.Round, r.Evaluated, r.Failures, r.Skipped, formatBest(r.BestObjective, r.HasBest))
			}
			if summary.Best != nil {
				p := summary.Best.Parameters
				fmt.Fprintf(out, "best objective=%.6f rate=%.6f fidelity=%s fingerprint=%s\n",
					summary.Best.Metrics.Objective, summary.Best.Metrics.Rate,
					formatFidelity(summary.Best.Metrics), summary.Best.Fingerprint)
				fmt.Fprintf(out, "best rates=%v cutoffs=%v policy=%s\n", p.Rates, p.Cutoffs, p.EffectivePolicy())
			}
			fmt.Fprintf(out, "artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config file (.yaml, .yml or .json)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id; random when empty")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newEvaluateCommand(opts *rootOptions) *cobra.Command {
	var configPath, paramsPath string
	var seed uint64

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one parameter set without searching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			p, err := config.LoadParameters(paramsPath)
			if err != nil {
				return err
			}
			client, err := opts.client(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Evaluate(cmd.Context(), cdopt.EvaluateRequest{Config: cfg, Parameters: p, Seed: seed})
			if err != nil {
				return err
			}
			m := res.Metrics
			fmt.Fprintf(cmd.OutOrStdout(), "evaluator=%s objective_kind=%s fingerprint=%s objective=%.6f rate=%.6f fidelity=%s success_probability=%.6f latency_s=%s\n",
				res.Evaluator, res.Objective, res.Fingerprint, m.Objective, m.Rate,
				formatFidelity(m), m.SuccessProbability, formatFinite(m.Latency))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config file")
	cmd.Flags().StringVar(&paramsPath, "params", "", "parameter file (.yaml, .yml or .json)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "evaluation seed; the config seed when zero")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("params")
	return cmd
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			items, err := client.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range items {
				fmt.Fprintf(out, "run_id=%s created_at=%s topology=%s strategy=%s evaluator=%s seed=%d termination=%s evaluations=%d best_objective=%s\n",
					item.RunID, item.CreatedAtUTC, item.Topology, item.Strategy, item.Evaluator,
					item.Seed, item.Termination, item.Evaluations, formatBest(item.BestObjective, item.HasBest))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its best evaluations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			detail, err := client.Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			run := detail.Run
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run_id=%s topology=%s strategy=%s evaluator=%s objective=%s seed=%d termination=%s rounds=%d proposed=%d evaluations=%d failures=%d skipped=%d elapsed_ms=%d\n",
				run.ID, run.Topology, run.Strategy, run.Evaluator, run.Objective, run.Seed,
				run.Termination, run.Iterations, run.Proposed, run.Evaluations, run.Failures,
				run.Skipped, run.ElapsedMS)
			if run.Best != nil {
				fmt.Fprintf(out, "best index=%d objective=%.6f rate=%.6f fidelity=%s fingerprint=%s\n",
					run.Best.Index, run.Best.Metrics.Objective, run.Best.Metrics.Rate,
					formatFidelity(run.Best.Metrics), run.Best.Fingerprint)
			}
			evals := detail.Evaluations
			if top > 0 && len(evals) > top {
				evals = evals[:top]
			}
			for _, e := range evals {
				fmt.Fprintf(out, "index=%d objective=%.6f rate=%.6f fidelity=%s fingerprint=%s\n",
					e.Index, e.Metrics.Objective, e.Metrics.Rate, formatFidelity(e.Metrics), e.Fingerprint)
			}
			fmt.Fprintf(out, "artifacts_dir=%s\n", filepath.Clean(detail.ArtifactsDir))
			return nil
		},
	}
	cmd.Flags().IntVar(&top, "evaluations", 10, "number of evaluations to print; 0 prints all")
	return cmd
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var req cdopt.ExportRequest

	cmd := &cobra.Command{
		Use:   "export [RUN_ID]",
		Short: "Copy the artifacts of a run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.RunID = args[0]
			}
			client, err := opts.client(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Export(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
			return nil
		},
	}
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "export the most recent run")
	cmd.Flags().StringVar(&req.OutDir, "out", "exports", "export directory")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [RUN_ID]",
		Short: "Remove runs from the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("delete requires either a run id or --all")
			}
			client, err := opts.client(nil)
			if err != nil {
				return err
			}
			defer client.Close()

			if all {
				if err := client.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset store=%s\n", opts.Store)
				return nil
			}
			if err := client.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted run_id=%s store=%s\n", args[0], opts.Store)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "delete every run")
	return cmd
}

func formatBest(v float64, ok bool) string {
	if !ok {
		return "none"
	}
	return fmt.Sprintf("%.6f", v)
}

func formatFidelity(m evaluator.Metrics) string {
	if !m.HasFidelity() {
		return "none"
	}
	return fmt.Sprintf("%.6f", m.Fidelity)
}

func formatFinite(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return "none"
	}
	return fmt.Sprintf("%.6f", v)
}
