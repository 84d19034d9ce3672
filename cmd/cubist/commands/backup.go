package commands

import (
	"time"

	"github.com/cubist-backup/cubist/internal/bytesize"
	"github.com/cubist-backup/cubist/internal/cli/output"
	"github.com/cubist-backup/cubist/internal/cli/timeutil"
	"github.com/cubist-backup/cubist/pkg/ops"
	"github.com/spf13/cobra"
)

var (
	backupName      string
	backupDryRun    bool
	backupTransient bool
)

var backupCmd = &cobra.Command{
	Use:   "backup <path>...",
	Short: "Create a new archive from local paths",
	Long: `Backup captures one or more local paths into a new archive.
Files are split into content-defined chunks; chunks already present in
the bucket (from any earlier archive) are never uploaded again.

The archive name defaults to a UTC timestamp. --transient performs the
full upload and then rolls every write back, leaving the bucket exactly
as it was; use it to exercise credentials and throughput safely.`,
	Args: usageArgs(cobra.MinimumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := runContext(cmd.Context(), "backup", cfg)
		env, store, err := newEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		start := time.Now()
		result, err := ops.Backup(ctx, env, ops.BackupOptions{
			Paths:            args,
			Name:             backupName,
			ChunkTargetSize:  cfg.Chunk.TargetSize.Uint64(),
			CompressionLevel: cfg.Compression.Level,
			BranchCap:        int(cfg.BlockTree.BranchSizeCap.Int64()),
			DryRun:           backupDryRun,
			Transient:        backupTransient,
		})
		if err != nil {
			return err
		}

		p := newPrinter(cfg)
		if p.Format() == output.FormatJSON {
			return p.Print(result)
		}

		verb := "created"
		switch {
		case result.DryRun:
			verb = "would create"
		case result.Transient:
			verb = "created and rolled back"
		}
		p.Printf("archive %q %s\n", result.Archive, verb)
		p.Printf("  files: %d  symlinks: %d  directories: %d\n",
			result.Files, result.Symlinks, result.Directories)
		p.Printf("  data: %s  uploaded: %s in %d new blocks (%d reused)\n",
			bytesize.ByteSize(result.DataSize),
			bytesize.ByteSize(result.BytesStored),
			result.BlocksNew, result.BlocksReused)
		p.Printf("  elapsed: %s\n", timeutil.FormatElapsed(time.Since(start)))
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupName, "name", "", "archive name (default: UTC timestamp)")
	backupCmd.Flags().BoolVar(&backupDryRun, "dry-run", false, "report what would be uploaded without writing")
	backupCmd.Flags().BoolVar(&backupTransient, "transient", false, "run fully, then roll back every write")
	backupCmd.MarkFlagsMutuallyExclusive("dry-run", "transient")
}
