package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the result cache",
	}

	invalidate := &cobra.Command{
		Use:   "invalidate <pattern>",
		Short: "Delete cached entries matching a glob pattern, e.g. 'solution:*'",
		Args:  cobra.ExactArgs(1),
		RunE:  runCacheInvalidate,
	}

	cacheCmd.AddCommand(invalidate)
	RootCmd.AddCommand(cacheCmd)
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		n, err := rt.cache.Invalidate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"pattern": args[0], "deleted": n})
	})
}
