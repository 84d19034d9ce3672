package commands

import (
	"github.com/cubist-backup/cubist/internal/bytesize"
	"github.com/cubist-backup/cubist/internal/cli/output"
	"github.com/cubist-backup/cubist/pkg/ops"
	"github.com/spf13/cobra"
)

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archives in the bucket, oldest first",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := runContext(cmd.Context(), "archives", cfg)
		env, store, err := newEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := ops.Archives(ctx, env)
		if err != nil {
			return err
		}

		p := newPrinter(cfg)
		if p.Format() == output.FormatJSON {
			return p.Print(result)
		}

		if len(result.Archives) == 0 {
			p.Println("no archives")
			return nil
		}

		table := output.NewTableData("NAME", "CREATED", "BLOCKS", "DATA")
		for _, a := range result.Archives {
			table.AddRow(
				a.Name,
				a.CreatedAt.Format("2006-01-02 15:04:05"),
				formatCount(a.BlockCount),
				bytesize.ByteSize(a.DataSize).String(),
			)
		}
		return output.PrintTable(p.Writer(), table)
	},
}
