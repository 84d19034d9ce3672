// Package commands implements the cubist CLI: five subcommands over the
// operation drivers in pkg/ops. All flag parsing, config resolution, and
// result rendering lives here; the drivers never see cobra or viper.
package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/cubist-backup/cubist/internal/cli/output"
	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/config"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/metrics"
	"github.com/cubist-backup/cubist/pkg/objectstore"
	s3store "github.com/cubist-backup/cubist/pkg/objectstore/s3"
	"github.com/cubist-backup/cubist/pkg/ops"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile     string
	flagBucket  string
	flagTasks   int
	flagStats   string
	flagColor   string
	flagVerbose bool
	flagQuiet   bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "cubist",
	Short: "Cubist - deduplicating backup to S3-compatible object stores",
	Long: `Cubist backs up local filesystem trees to any S3-compatible bucket,
splitting files into content-defined chunks so identical data across
files and across snapshots is stored exactly once.

Use "cubist [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI against ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/cubist/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagBucket, "bucket", "", "target bucket (or CUBIST_BUCKET)")
	rootCmd.PersistentFlags().IntVar(&flagTasks, "tasks", 0, "concurrent store operations (default 8)")
	rootCmd.PersistentFlags().StringVar(&flagStats, "stats", "", "stats output format: basic or json")
	rootCmd.PersistentFlags().StringVar(&flagColor, "color", "", "colorize output: auto, always, or never")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress all but warnings and errors")

	// Flag parse failures are usage errors, exit code 2.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%v: %w", err, cubisterr.ErrBadConfig)
	})

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(archivesCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cubist %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

// loadConfig resolves the effective configuration: file, then CUBIST_*
// environment, then flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWith(cfgFile, func(cfg *config.Config) {
		if flagBucket != "" {
			cfg.Bucket = flagBucket
		}
		if flagTasks > 0 {
			cfg.Tasks = flagTasks
		}
		if flagStats != "" {
			cfg.Stats = flagStats
		}
		if flagColor != "" {
			cfg.Color = flagColor
		}
		cfg.Verbose = cfg.Verbose || flagVerbose
		cfg.Quiet = cfg.Quiet || flagQuiet
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, cubisterr.ErrBadConfig)
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket configured; set --bucket or CUBIST_BUCKET: %w", cubisterr.ErrBadConfig)
	}

	level := cfg.Logging.Level
	if cfg.Verbose {
		level = "DEBUG"
	} else if cfg.Quiet {
		level = "WARN"
	}
	if err := logger.Init(logger.Config{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}

	return cfg, nil
}

// runContext stamps the context with run-scoped logging identity: a
// fresh random run ID, the operation name, and the bucket. Every log
// line below the driver carries these fields.
func runContext(ctx context.Context, operation string, cfg *config.Config) context.Context {
	lc := logger.NewLogContext(operation, cfg.Bucket)
	lc.RunID = uuid.NewString()[:8]
	return logger.WithContext(ctx, lc)
}

// newEnv opens the bucket and builds the driver environment. The caller
// closes the returned store.
func newEnv(ctx context.Context, cfg *config.Config) (ops.Env, objectstore.Store, error) {
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Port); err != nil {
				logger.Warn("metrics server failed", logger.Err(err))
			}
		}()
	}

	store, err := s3store.NewFromConfig(ctx, s3store.Config{
		Bucket:          cfg.Bucket,
		Region:          cfg.ObjectStore.Region,
		Endpoint:        resolveEndpoint(cfg),
		UsePathStyle:    cfg.ObjectStore.UsePathStyle,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		Retry: s3store.RetryConfig{
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			MaxRetries:     cfg.Retry.MaxRetries,
		},
	})
	if err != nil {
		return ops.Env{}, nil, err
	}

	instrumented := metrics.InstrumentStore(store, metrics.NewStoreMetrics())
	return ops.Env{Store: instrumented, Tasks: cfg.Tasks}, store, nil
}

// resolveEndpoint prefers the config file, falling back to
// AWS_ENDPOINT_URL, which the SDK also honors but is made explicit here
// so the effective endpoint appears in debug logs.
func resolveEndpoint(cfg *config.Config) string {
	if cfg.ObjectStore.Endpoint != "" {
		return cfg.ObjectStore.Endpoint
	}
	return os.Getenv("AWS_ENDPOINT_URL")
}

// newPrinter builds the stats sink for a command's result rendering.
func newPrinter(cfg *config.Config) *output.Printer {
	format := output.FormatTable
	if cfg.Stats == "json" {
		format = output.FormatJSON
	}

	color := false
	switch cfg.Color {
	case "always":
		color = true
	case "never":
		color = false
	default:
		if info, err := os.Stdout.Stat(); err == nil {
			color = info.Mode()&os.ModeCharDevice != 0
		}
	}
	return output.NewPrinter(os.Stdout, format, color)
}
