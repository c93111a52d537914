package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/ironsheep/eggwatch/internal/analyzer"
	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/pipeline"
	"github.com/ironsheep/eggwatch/internal/server"
	"github.com/ironsheep/eggwatch/internal/store"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) analyzeCommand() *cobra.Command {
	var box int
	cmd := &cobra.Command{
		Use:   "analyze <image>",
		Short: "Analyze a single nesting-box image and print its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := imaging.LoadFile(args[0])
			if err != nil {
				return err
			}
			c, err := a.openAnalyzer()
			if err != nil {
				return err
			}
			defer c.close()

			state, err := c.analyzer.Analyze(cmd.Context(), img, box)
			var awe *store.ArtifactWriteError
			if err != nil && !errors.As(err, &awe) {
				return err
			}
			if err != nil {
				a.log.Warn("artifacts not fully written", "error", err)
			}
			return writeJSON(cmd.OutOrStdout(), state)
		},
	}
	cmd.Flags().IntVarP(&box, "box", "b", 0, "Nesting box identifier")
	return cmd
}

// runOutput is the printable form of a RunReport.
type runOutput struct {
	RunID        string                     `json:"run_id"`
	RunTimestamp int64                      `json:"run_timestamp"`
	States       []analyzer.NestingBoxState `json:"states"`
	Errors       map[int]string             `json:"errors,omitempty"`
}

func newRunOutput(r *analyzer.RunReport) runOutput {
	out := runOutput{RunID: r.RunID, RunTimestamp: r.RunTimestamp, States: r.States}
	if len(r.Errors) > 0 {
		out.Errors = make(map[int]string, len(r.Errors))
		for box, err := range r.Errors {
			out.Errors[box] = err.Error()
		}
	}
	return out
}

func (a *app) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture one frame, analyze every box and publish the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, c, err := a.openRunner()
			if err != nil {
				return err
			}
			defer c.close()

			report, err := runner.Run(cmd.Context())
			if report == nil {
				return err
			}
			if werr := writeJSON(cmd.OutOrStdout(), newRunOutput(report)); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().String("image", "", "Analyze a frame read from this file")
	cmd.Flags().String("url", "", "Fetch the frame from this camera snapshot URL")
	return cmd
}

func (a *app) scheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline periodically and serve Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, c, err := a.openRunner()
			if err != nil {
				return err
			}
			defer c.close()
			return a.schedule(cmd.Context(), runner, c)
		},
	}
	cmd.Flags().String("image", "", "Analyze frames read from this file")
	cmd.Flags().String("url", "", "Fetch frames from this camera snapshot URL")
	cmd.Flags().Duration("every", 0, "Interval between runs")
	return cmd
}

// schedule runs the pipeline every configured interval until ctx is done.
// Runs never overlap; a run still in progress when the next is due pushes
// it to the following slot.
func (a *app) schedule(ctx context.Context, runner *pipeline.Runner, c *components) error {
	log := a.log.With("component", "scheduler")

	s, err := gocron.NewScheduler(gocron.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	job, err := s.NewJob(
		gocron.DurationJob(a.cfg.Schedule.Every),
		gocron.NewTask(func() {
			report, err := runner.Run(ctx)
			switch {
			case report == nil:
				log.Error("run failed", "error", err)
			case err != nil:
				log.Warn("run completed with errors", "run_id", report.RunID, "boxes", len(report.States), "error", err)
			}
		}),
		gocron.WithName("nesting-box-run"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule run: %w", err)
	}
	log.Info("scheduled runs", "job", job.ID().String(), "every", a.cfg.Schedule.Every)

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("serving metrics", "listen", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	s.Start()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", "error", err)
	}
	if err := s.Shutdown(); err != nil {
		log.Warn("scheduler shutdown", "error", err)
	}
	return runErr
}

func (a *app) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipeline stages as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			opts := []server.Option{
				server.WithPasses(cfg.Egg, cfg.Chicken),
				server.WithBlobParams(cfg.Blob),
				server.WithPrepareOptions(cfg.Preprocess.Options()),
				server.WithCacheTTL(cfg.Server.CacheTTL),
				server.WithLogger(a.log.With("component", "mcp")),
			}

			// The preprocessing and blob tools work without a model.
			c, err := a.openAnalyzer()
			if err != nil {
				a.log.Warn("model tools disabled", "error", err)
			} else {
				defer c.close()
				opts = append(opts,
					server.WithDetector(c.detector),
					server.WithAnalyzer(c.analyzer),
					server.WithStateCache(c.cache))
			}

			a.log.Info("MCP server starting", "version", Version, "commit", GitCommit)
			return server.New(opts...).Run(cmd.Context())
		},
	}
}

func (a *app) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
