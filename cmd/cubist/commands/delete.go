package commands

import (
	"fmt"
	"strings"

	"github.com/cubist-backup/cubist/internal/cli/output"
	"github.com/cubist-backup/cubist/internal/cli/prompt"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/ops"
	"github.com/spf13/cobra"
)

var (
	deleteDryRun bool
	deleteForce  bool
)

var deleteCmd = &cobra.Command{
	Use:   "delete <archive>...",
	Short: "Delete archives and reclaim unreferenced blocks",
	Long: `Delete removes the named archives. Blocks referenced by no surviving
archive are deleted from the bucket. An archive name that does not exist
is reported but does not stop the others from being removed.`,
	Args: usageArgs(cobra.MinimumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if !deleteDryRun {
			label := fmt.Sprintf("Permanently delete archive(s) %s and their unreferenced blocks?",
				strings.Join(args, ", "))
			confirmed, err := prompt.ConfirmWithForce(label, deleteForce)
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

		ctx := runContext(cmd.Context(), "delete", cfg)
		env, store, err := newEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := ops.Delete(ctx, env, ops.DeleteOptions{
			Archives: args,
			DryRun:   deleteDryRun,
		})
		if err != nil {
			return err
		}

		p := newPrinter(cfg)
		if p.Format() == output.FormatJSON {
			return p.Print(result)
		}
		for _, name := range result.Deleted {
			if result.DryRun {
				p.Printf("would delete archive %q\n", name)
			} else {
				p.Printf("deleted archive %q\n", name)
			}
		}
		for _, name := range result.Missing {
			p.Warning("archive not found: " + name)
		}
		p.Printf("  blocks reclaimed: %d\n", result.BlocksRemoved)
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteDryRun, "dry-run", false, "report what would be removed without writing")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip the confirmation prompt")
}
