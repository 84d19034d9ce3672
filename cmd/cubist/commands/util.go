package commands

import (
	"fmt"
	"strconv"

	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/spf13/cobra"
)

// formatCount renders a block count for table output.
func formatCount(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// usageArgs wraps a cobra positional-args validator so argument-count
// failures classify as bad usage (exit code 2), the same way flag-parse
// failures do, without any string matching in main.
func usageArgs(wrapped cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := wrapped(cmd, args); err != nil {
			return fmt.Errorf("%v: %w", err, cubisterr.ErrBadConfig)
		}
		return nil
	}
}
