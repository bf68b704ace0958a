package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and maintain the job queue",
	}

	status := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job with its progress metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobStatus,
	}
	cancel := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobCancel,
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by status",
		RunE:  runJobStats,
	}
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete failed jobs older than the retention",
		RunE:  runJobCleanup,
	}
	cleanup.Flags().Duration("older-than", 0, "Override queue.failed_retention")
	requeue := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Reschedule jobs left started by a dead worker",
		RunE:  runJobRequeueStale,
	}
	requeue.Flags().Duration("older-than", 0, "Override queue.lease")

	jobsCmd.AddCommand(status, cancel, stats, cleanup, requeue)
	RootCmd.AddCommand(jobsCmd)
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		job, err := rt.jobs.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, job)
	})
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		ok, err := rt.jobs.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"job_id": args[0], "canceled": ok})
	})
}

func runJobStats(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		st, err := rt.jobs.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, st)
	})
}

func runJobRequeueStale(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		olderThan := rt.cfg.Queue.Lease
		if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
			olderThan = d
		}
		if olderThan <= 0 {
			return errors.New("jobs: requeue-stale needs --older-than or queue.lease")
		}
		n, err := rt.jobs.RequeueStale(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"requeued": n})
	})
}

func runJobCleanup(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd.Context(), func(rt *runtime) error {
		maxAge := rt.cfg.Queue.FailedRetention
		if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
			maxAge = d
		}
		n, err := rt.jobs.Cleanup(cmd.Context(), maxAge)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"deleted": n})
	})
}
