// Package cli implements the pkgserver operator command line.
//
// Every command is a thin wrapper over pkgserver.Service: it opens the data directory named
// by the configuration, runs one registry operation and prints the result.
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. Without it the level comes
// from the configuration file.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/git-pkgs/pkgserver"
	"github.com/git-pkgs/pkgserver/internal/config"
)

const appName = "pkgserver"

var (
	version = "dev"
	commit  string
	date    string
)

// SetVersion sets the version information displayed by --version.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// CLI holds state shared by all commands.
type CLI struct {
	Logger *log.Logger

	configPath  string
	dataDir     string
	offline     bool
	verbose     bool
	metricsFile string

	svc     *pkgserver.Service
	metrics *prometheus.Registry
}

// New creates a CLI logging to w.
func New(w io.Writer) *CLI {
	return &CLI{Logger: newLogger(w, log.InfoLevel)}
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               appName,
		Short:             "Self-hosted package registry for npm, PyPI and Cargo",
		Long:              `pkgserver stores npm, PyPI and Cargo packages in one data directory and falls back to the public registries for anything not published locally.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: c.open,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("%s %s\ncommit: %s\nbuilt: %s\n", appName, version, commit, date))

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", os.Getenv("PKGSERVER_CONFIG"), "path to a TOML configuration file")
	flags.StringVar(&c.dataDir, "data-dir", "", "data directory (overrides data_dir)")
	flags.BoolVar(&c.offline, "offline", false, "disable upstream fallback")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable verbose logging")
	flags.StringVar(&c.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(c.summaryCommand())
	root.AddCommand(c.countCommand())
	root.AddCommand(c.listCommand())
	root.AddCommand(c.versionsCommand())
	root.AddCommand(c.recentCommand())
	root.AddCommand(c.addCommand())
	root.AddCommand(c.fetchCommand())
	root.AddCommand(c.removeCommand())
	root.AddCommand(c.yankCommand(true))
	root.AddCommand(c.yankCommand(false))
	root.AddCommand(c.indexCommand())
	root.AddCommand(c.metadataCommand())
	root.AddCommand(c.cargoConfigCommand())
	root.AddCommand(c.purlCommand())

	return root
}

// open loads the configuration and the service before any subcommand runs.
func (c *CLI) open(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.offline {
		cfg.Upstream.Enabled = false
	}

	level := cfg.Level()
	if c.verbose {
		level = log.DebugLevel
	}
	c.Logger.SetLevel(level)

	c.metrics = prometheus.NewRegistry()
	if err := pkgserver.RegisterMetrics(c.metrics); err != nil {
		return err
	}

	c.svc, err = pkgserver.NewFromConfig(cfg, c.Logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(withLogger(ctx, c.Logger))
	c.Logger.Debug("opened data directory", "path", c.svc.DataDir(), "config", c.configPath)
	return nil
}

func (c *CLI) close() error {
	if c.svc == nil {
		return nil
	}
	c.svc.Close()
	c.svc = nil
	if c.metricsFile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(c.metricsFile, c.metrics); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, pkgserver.ErrNotFound):
		return 3
	case errors.Is(err, pkgserver.ErrInvalidInput):
		return 4
	case errors.Is(err, pkgserver.ErrConflict):
		return 5
	case errors.Is(err, pkgserver.ErrUpstreamUnavailable):
		return 6
	default:
		return 1
	}
}
