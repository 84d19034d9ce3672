package commands

import (
	"github.com/cubist-backup/cubist/internal/bytesize"
	"github.com/cubist-backup/cubist/internal/cli/output"
	"github.com/cubist-backup/cubist/pkg/filetree"
	"github.com/cubist-backup/cubist/pkg/ops"
	"github.com/spf13/cobra"
)

var restoreOrder string

var restoreCmd = &cobra.Command{
	Use:   "restore <archive> <target>",
	Short: "Restore an archive into a local directory",
	Long: `Restore recreates an archive's file tree under the target directory.
Every downloaded block is verified against its content hash before a
byte touches disk. Ownership is restored best-effort: without privilege
the restored entries keep the restoring user's ownership.`,
	Args: usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		order, err := filetree.ParseOrder(restoreOrder)
		if err != nil {
			return err
		}

		ctx := runContext(cmd.Context(), "restore", cfg)
		env, store, err := newEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := ops.Restore(ctx, env, ops.RestoreOptions{
			ArchiveName: args[0],
			Target:      args[1],
			Order:       order,
		})
		if err != nil {
			return err
		}

		p := newPrinter(cfg)
		if p.Format() == output.FormatJSON {
			return p.Print(result)
		}
		p.Printf("restored archive %q to %s\n", result.Archive, result.Target)
		p.Printf("  files: %d  symlinks: %d  directories: %d  data: %s\n",
			result.Files, result.Symlinks, result.Directories,
			bytesize.ByteSize(result.DataSize))
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreOrder, "order", "depth-first",
		"traversal order: depth-first or breadth-first")
}
