package cli

import (
	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/config"
)

func newServeCommand(g *globals) *cobra.Command {
	var (
		port    int
		mode    string
		workers bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept jobs over HTTP and stream their progress over socket.io",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(func(cfg *config.Config) {
				if cmd.Flags().Changed("port") || cfg.HTTP.Port == 0 {
					cfg.HTTP.Port = port
				}
				if cmd.Flags().Changed("mode") {
					cfg.Execution.Mode = mode
				}
			})
			if err != nil {
				return err
			}

			a := app.New(g.outW, cfg)
			defer a.Close()
			if err := a.Start(cmd.Context(), app.Components{
				Scheduler: true,
				Workers:   workers && cfg.Execution.Mode == config.ModeRemote,
				HTTP:      true,
			}); err != nil {
				return err
			}

			a.Logger().Info("Serving. Press Ctrl+C to shut down.", "port", cfg.HTTP.Port, "mode", cfg.Execution.Mode)
			<-cmd.Context().Done()
			a.Logger().Info("Shutting down...")
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&port, "port", 8080, "HTTP port; used when the configuration sets none.")
	f.StringVar(&mode, "mode", config.ModeLocal, "Execution mode. Options: 'local' or 'remote'.")
	f.BoolVar(&workers, "workers", true, "In remote mode, also consume the task queues in this process.")
	return cmd
}
