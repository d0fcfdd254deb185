package cli

import (
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/engine"
	"github.com/rogers-f/taskengine/internal/logger"
)

// newServeCommand creates the serve command that runs the engine.
func newServeCommand(g *globals) *cobra.Command {
	var opts struct {
		Listen string
		Store  string
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine",
		Long: `Run the scheduler, worker pool, review engine, reaper and budget
governor until interrupted.

On start the reaper recovers work left RUNNING or IN_REVIEW by a previous
process. SIGINT or SIGTERM drains the workers and stops cleanly.

Examples:
  # Run with taskengine.yaml from the working directory
  taskengine serve

  # Use another config and state file
  taskengine serve -c prod.yaml --store /var/lib/taskengine/state.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Listen != "" {
				cfg.HTTP.Listen = opts.Listen
			}
			if opts.Store != "" {
				cfg.Store.Path = opts.Store
			}

			log := logger.NewWriter(cmd.ErrOrStderr(), cfg.Logging)
			ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := engine.New(ctx, cfg, log, engine.Options{})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "Override http.listen")
	cmd.Flags().StringVar(&opts.Store, "store", "", "Override store.path")

	return cmd
}
