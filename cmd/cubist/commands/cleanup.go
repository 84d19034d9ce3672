package commands

import (
	"fmt"

	"github.com/cubist-backup/cubist/internal/cli/output"
	"github.com/cubist-backup/cubist/internal/cli/prompt"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/ops"
	"github.com/spf13/cobra"
)

var (
	cleanupDryRun bool
	cleanupForce  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile bucket metadata with its actual contents",
	Long: `Cleanup rebuilds the block reference counts from the archives
themselves and repairs what it can: orphaned blocks are deleted and
stale metadata is rewritten. Blocks that are referenced but missing
cannot be repaired; they are reported and the command exits nonzero.

Run cleanup after any interrupted backup or delete.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if !cleanupDryRun {
			confirmed, err := prompt.ConfirmWithForce(
				"Repair bucket metadata and permanently delete orphaned blocks?", cleanupForce)
			if err != nil {
				if prompt.IsAborted(err) {
					return fmt.Errorf("aborted: %w", cubisterr.ErrCancelled)
				}
				return err
			}
			if !confirmed {
				fmt.Println("Aborted.")
				return nil
			}
		}

		ctx := runContext(cmd.Context(), "cleanup", cfg)
		env, store, err := newEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := ops.Cleanup(ctx, env, ops.CleanupOptions{DryRun: cleanupDryRun})
		if result != nil {
			p := newPrinter(cfg)
			if p.Format() == output.FormatJSON {
				if perr := p.Print(result); perr != nil {
					return perr
				}
			} else {
				p.Printf("archives: %d  blocks: %d\n", result.ArchiveCount, result.BlockCount)
				p.Printf("  orphans removed: %d\n", result.OrphansRemoved)
				if result.StaleRefcounts {
					p.Println("  refcount metadata was stale and has been rewritten")
				}
				for _, h := range result.MissingBlocks {
					p.Error("missing block: " + h)
				}
			}
		}
		return err
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be repaired without writing")
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "skip the confirmation prompt")
}
