// Package main is the entry point for the rowline binary.
// It provides a CLI for running, validating, and resuming row pipelines.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowline/rowline/pkg/audit"
	"github.com/rowline/rowline/pkg/checkpoint"
	"github.com/rowline/rowline/pkg/config"
	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/engine"
	"github.com/rowline/rowline/pkg/logging"
	"github.com/rowline/rowline/pkg/nodes/builtin"
	"github.com/rowline/rowline/pkg/source"
	"github.com/rowline/rowline/pkg/telemetry"
	"github.com/rowline/rowline/pkg/token"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for rowline.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rowline",
		Short:         "Row pipeline engine with per-token lineage and schema contracts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Rowline walks rows through a pipeline of transform, gate, fork, coalesce,
aggregate, and sink nodes. Every row gets a token whose full path, routing
decisions, and terminal outcome land in the audit trail.

Example:
  rowline run --config config.yaml --input orders.jsonl`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd(), newValidateCmd(), newResumeCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline over a JSONL input file",
		RunE:  runRun,
	}
	cmd.Flags().StringP("pipeline", "p", "", "Pipeline definition file (overrides config)")
	cmd.Flags().StringP("input", "i", "", "Input rows, one JSON object per line")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline definition without running it",
		RunE:  runValidate,
	}
	cmd.Flags().StringP("pipeline", "p", "", "Pipeline definition file (overrides config)")
	cmd.Flags().BoolP("watch", "w", false, "Keep watching the definition file and re-validate on change")
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Restore buffered rows from a checkpoint and continue the run",
		RunE:  runResume,
	}
	cmd.Flags().StringP("pipeline", "p", "", "Pipeline definition file (overrides config)")
	cmd.Flags().StringP("input", "i", "", "Additional input rows to process after restore")
	cmd.Flags().String("checkpoint", "", "Checkpoint file (overrides config)")
	return cmd
}

func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return cfg, logger, nil
}

// pipelinePath resolves the definition file: flag first, then config.
func pipelinePath(cmd *cobra.Command, cfg *config.Config) (string, error) {
	path, err := cmd.Flags().GetString("pipeline")
	if err != nil {
		return "", err
	}
	if path == "" {
		path = cfg.Pipeline.File
	}
	if path == "" {
		return "", errors.New("no pipeline definition: pass --pipeline or set pipeline.file in the config")
	}
	return path, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	path, err := pipelinePath(cmd, cfg)
	if err != nil {
		return err
	}
	inputPath, err := cmd.Flags().GetString("input")
	if err != nil {
		return err
	}

	pipeline, err := config.LoadPipeline(path)
	if err != nil {
		return err
	}
	src, err := source.OpenJSONL(inputPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Error("Failed to close input", "error", err)
		}
	}()

	logger.Info("Starting rowline run",
		"pipeline", pipeline.ID, "input", inputPath, "workers", cfg.Engine.Workers)

	return executeRun(cmd.Context(), cfg, logger, pipeline, src, nil)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	path, err := pipelinePath(cmd, cfg)
	if err != nil {
		return err
	}
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return err
	}

	if !watch {
		pipeline, err := config.LoadPipeline(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pipeline %q is valid: %d nodes, %d edges\n",
			pipeline.ID, len(pipeline.Nodes), len(pipeline.Edges))
		return nil
	}

	provider, err := config.NewPipelineProvider(path, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close pipeline watcher", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watchValidate(ctx, provider, cmd.OutOrStdout())
}

// watchValidate reports the current definition and every valid reload until the
// context ends. Reloads that fail validation never reach the subscription; the
// provider logs them and keeps the last good definition current.
func watchValidate(ctx context.Context, provider *config.PipelineProvider, out io.Writer) error {
	updates := provider.Subscribe()
	for {
		select {
		case pipeline := <-updates:
			fmt.Fprintf(out, "pipeline %q is valid: %d nodes, %d edges\n",
				pipeline.ID, len(pipeline.Nodes), len(pipeline.Edges))
		case <-ctx.Done():
			return nil
		}
	}
}

func runResume(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	path, err := pipelinePath(cmd, cfg)
	if err != nil {
		return err
	}
	checkpointPath, err := cmd.Flags().GetString("checkpoint")
	if err != nil {
		return err
	}
	if checkpointPath == "" {
		checkpointPath = cfg.Checkpoint.Path
	}
	if checkpointPath == "" {
		return errors.New("no checkpoint: pass --checkpoint or set checkpoint.path in the config")
	}

	pipeline, err := config.LoadPipeline(path)
	if err != nil {
		return err
	}

	state, err := checkpoint.Load(checkpointPath)
	if err != nil {
		return err
	}
	if state.PipelineID != pipeline.ID {
		return fmt.Errorf("checkpoint belongs to pipeline %q, not %q", state.PipelineID, pipeline.ID)
	}
	buffers, err := state.Tokens()
	if err != nil {
		return err
	}

	var src source.Source = source.NewSliceSource()
	if inputPath, _ := cmd.Flags().GetString("input"); inputPath != "" {
		jsonl, err := source.OpenJSONL(inputPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := jsonl.Close(); err != nil {
				logger.Error("Failed to close input", "error", err)
			}
		}()
		src = jsonl
	}

	logger.Info("Resuming from checkpoint",
		"pipeline", pipeline.ID, "checkpoint", checkpointPath,
		"buffered_nodes", len(buffers), "captured_at", state.CreatedAt)

	return executeRun(cmd.Context(), cfg, logger, pipeline, src, buffers)
}

// executeRun wires recorder, metrics, telemetry, and engine together, runs the
// pipeline to completion or interruption, and checkpoints whatever is still
// buffered at exit.
func executeRun(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	pipeline *domain.Pipeline, src source.Source, restore map[string][]*token.Token) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "rowline",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Failed to flush telemetry", "error", err)
		}
	}()

	recorder, closeRecorder, err := buildRecorder(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeRecorder(); err != nil {
			logger.Error("Failed to close audit recorder", "error", err)
		}
	}()

	metrics := engine.NewMetrics()
	stopMetrics := startMetricsServer(cfg.Metrics.Address, metrics, logger)
	defer stopMetrics()

	registry := engine.NewRegistry()
	builtin.Register(registry)

	eng := engine.New(registry, engine.Config{
		Logger:              logger,
		Audit:               recorder,
		Metrics:             metrics,
		Workers:             cfg.Engine.Workers,
		RateLimitRPS:        cfg.Engine.RateLimitRPS,
		JoinTimeout:         cfg.Engine.JoinTimeout(),
		ProgressTick:        cfg.Engine.ProgressTick(),
		PluginTimeout:       cfg.Engine.PluginTimeout(),
		HaltOnPluginFailure: cfg.Engine.HaltOnPluginFailure,
	})
	for nodeID, tokens := range restore {
		eng.RestoreBuffered(nodeID, tokens)
	}

	if cfg.Checkpoint.Path != "" && cfg.Checkpoint.Interval() > 0 {
		stopCheckpoints := startPeriodicCheckpoints(eng, pipeline.ID, cfg.Checkpoint, logger)
		defer stopCheckpoints()
	}

	summary, runErr := eng.Run(ctx, pipeline, src)

	if cfg.Checkpoint.Path != "" {
		if err := checkpointBuffers(eng, pipeline.ID, cfg.Checkpoint.Path, logger); err != nil {
			logger.Error("Failed to write checkpoint", "error", err)
		}
	}

	if summary != nil {
		printSummary(os.Stdout, summary)
	}
	return runErr
}

// checkpointBuffers persists rows still parked in aggregation buffers. An
// interrupted run leaves rows buffered; a clean run leaves nothing and any
// stale checkpoint is removed so a later resume cannot replay old rows.
func checkpointBuffers(eng *engine.Engine, pipelineID, path string, logger *slog.Logger) error {
	buffers := eng.BufferedTokens()
	total := 0
	for _, toks := range buffers {
		total += len(toks)
	}
	if total == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	state, err := checkpoint.Capture(pipelineID, buffers, time.Now())
	if err != nil {
		return err
	}
	if err := checkpoint.Save(path, state); err != nil {
		return err
	}
	logger.Info("Checkpoint written", "path", path, "buffered_rows", total)
	return nil
}

// startPeriodicCheckpoints persists parked rows on a timer so a crash between
// flushes loses at most one interval of buffered work. The shutdown checkpoint
// in executeRun remains the authoritative final write.
func startPeriodicCheckpoints(eng *engine.Engine, pipelineID string, cfg config.CheckpointConfig, logger *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Interval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := checkpointBuffers(eng, pipelineID, cfg.Path, logger); err != nil {
					logger.Error("Periodic checkpoint failed", "error", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func buildRecorder(cfg config.AuditConfig) (audit.Recorder, func() error, error) {
	switch cfg.Store {
	case "sqlite":
		rec, err := audit.NewSQLiteRecorder(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening audit store: %w", err)
		}
		return rec, rec.Close, nil
	default:
		return audit.NewMemoryRecorder(), func() error { return nil }, nil
	}
}

// startMetricsServer serves /metrics on the configured address. Returns a stop
// function; a blank address yields a no-op.
func startMetricsServer(addr string, metrics *engine.Metrics, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to stop metrics server", "error", err)
		}
	}
}

func printSummary(w io.Writer, summary *domain.RunSummary) {
	nodeIDs := make([]string, 0, len(summary.Nodes))
	for id := range summary.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	fmt.Fprintf(w, "\npipeline %s\n", summary.PipelineID)
	fmt.Fprintf(w, "%-24s %10s %10s %12s\n", "node", "completed", "failed", "quarantined")
	for _, id := range nodeIDs {
		st := summary.Nodes[id]
		fmt.Fprintf(w, "%-24s %10d %10d %12d\n", id, st.Completed, st.Failed, st.Quarantined)
	}

	if len(summary.Quarantines) > 0 {
		fmt.Fprintf(w, "\nquarantined rows:\n")
		for _, q := range summary.Quarantines {
			fmt.Fprintf(w, "  token %s at %s: %s\n", q.TokenID, q.NodeID, q.Reason)
		}
	}
}
