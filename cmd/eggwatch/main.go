package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ironsheep/eggwatch/internal/config"
	"github.com/ironsheep/eggwatch/internal/logger"
	"github.com/ironsheep/eggwatch/internal/server"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// flagKeys maps command-line flags to configuration keys. A flag only
// overrides its key when the running command defines it.
var flagKeys = map[string]string{
	"output-dir": "output_dir",
	"log-level":  "log.level",
	"image":      "capture.image",
	"url":        "capture.url",
	"every":      "schedule.every",
}

// app carries the state shared by every subcommand.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	log        *logger.Logger
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.Version = Version
	a := &app{v: config.New()}
	if err := a.rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "eggwatch",
		Short:         "Count eggs and spot chickens in nesting-box camera images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().String("output-dir", "", "Directory for run artifacts")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return a.initialize(cmd)
	}
	root.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if a.log != nil {
			a.log.Sync()
		}
	}

	root.AddCommand(
		a.analyzeCommand(),
		a.runCommand(),
		a.scheduleCommand(),
		a.mcpCommand(),
		a.configCommand(),
		versionCommand(),
	)
	return root
}

// initialize loads the configuration with command-line flags taking
// precedence, then builds the logger.
func (a *app) initialize(cmd *cobra.Command) error {
	if err := config.ReadFile(a.v, a.configPath); err != nil {
		return err
	}
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}

	cfg, err := config.FromViper(a.v)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.cfg = cfg
	a.log = log
	a.log.Debug("configuration loaded", "config", a.configPath, "output_dir", cfg.OutputDir)
	return nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "eggwatch %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}
}
