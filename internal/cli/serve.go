package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meikuraledutech/casegraph/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  "Serves the HTTP API. Unless --workers=false, a worker pool runs in the same process; with the memory queue it is the only way jobs get processed.",
		RunE:  runServe,
	}
	cmd.Flags().Bool("workers", true, "Run queue workers in this process")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	withWorkers, _ := cmd.Flags().GetBool("workers")
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withRuntime(ctx, func(rt *runtime) error {
		if !withWorkers && rt.cfg.Queue.Backend == "memory" {
			rt.logger.Warn("memory queue without in-process workers, jobs will never run")
		}
		app := server.New(server.Deps{
			Engine:  rt.engine,
			Queue:   rt.jobs,
			Cache:   rt.cache,
			Logger:  rt.logger,
			Metrics: rt.metrics,
		}, server.Options{
			BodyLimit:       rt.cfg.Server.BodyLimit,
			ReadTimeout:     rt.cfg.Server.ReadTimeout,
			WriteTimeout:    rt.cfg.Server.WriteTimeout,
			FailedRetention: rt.cfg.Queue.FailedRetention,
		})

		g, ctx := errgroup.WithContext(ctx)
		if withWorkers {
			w := rt.worker()
			g.Go(func() error { return w.Run(ctx) })
		}
		g.Go(func() error {
			rt.logger.Info("http listening", zap.String("addr", rt.cfg.Server.Addr))
			return app.Listen(rt.cfg.Server.Addr, fiber.ListenConfig{DisableStartupMessage: true})
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout)
			defer cancel()
			return app.ShutdownWithContext(sctx)
		})
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}
