package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued jobs without serving HTTP",
		RunE:  runWorker,
	}
	cmd.Flags().Int("concurrency", 0, "Override queue.concurrency")

	RootCmd.AddCommand(cmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withRuntime(ctx, func(rt *runtime) error {
		if rt.cfg.Queue.Backend != "postgres" {
			return errors.New("worker: a standalone worker needs queue.backend=postgres")
		}
		if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
			rt.cfg.Queue.Concurrency = n
		}
		return rt.worker().Run(ctx)
	})
}
