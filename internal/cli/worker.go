package cli

import (
	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/config"
)

func newWorkerCommand(g *globals) *cobra.Command {
	var (
		queues      []string
		concurrency int
		httpPort    int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume task queues and execute the blocks they carry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(func(cfg *config.Config) {
				if cmd.Flags().Changed("queue") {
					cfg.Worker.Queues = queues
				}
				if cmd.Flags().Changed("concurrency") {
					cfg.Worker.Concurrency = concurrency
				}
				if cmd.Flags().Changed("http-port") {
					cfg.HTTP.Port = httpPort
				}
			})
			if err != nil {
				return err
			}

			a := app.New(g.outW, cfg)
			defer a.Close()
			if err := a.Start(cmd.Context(), app.Components{Workers: true, HTTP: cfg.HTTP.Port > 0}); err != nil {
				return err
			}

			a.Logger().Info("Worker running. Press Ctrl+C to shut down.", "queues", cfg.Worker.Queues)
			<-cmd.Context().Done()
			a.Logger().Info("Worker shutting down...")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&queues, "queue", "q", nil, "Queue to consume; repeatable. Defaults to the configured queues.")
	f.IntVar(&concurrency, "concurrency", 0, "Tasks handled at once per queue.")
	f.IntVar(&httpPort, "http-port", 0, "Port for the health check server. 0 is disabled.")
	return cmd
}
