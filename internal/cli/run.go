package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/config"
	"github.com/vk/blockflow/internal/job"
)

func newRunCommand(g *globals) *cobra.Command {
	var (
		mode     string
		workers  bool
		httpPort int
		jc       job.Context
	)
	cmd := &cobra.Command{
		Use:   "run <path>...",
		Short: "Run the graph defined by HCL or JSON files and wait for it to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, paths []string) error {
			cfg, err := g.load(func(cfg *config.Config) {
				if cmd.Flags().Changed("mode") {
					cfg.Execution.Mode = mode
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
			components := app.Components{
				Scheduler: true,
				Workers:   workers && cfg.Execution.Mode == config.ModeRemote,
				HTTP:      cfg.HTTP.Port > 0,
			}
			if err := a.Start(cmd.Context(), components); err != nil {
				return err
			}

			snap, err := a.RunGraph(cmd.Context(), paths, jc)
			if snap.ID != "" {
				printReport(g.outW, snap)
			}
			if err != nil {
				return err
			}
			if snap.State != job.StateSuccess {
				return &ExitError{Code: 1, Message: fmt.Sprintf("job %s finished in state %s", snap.ID, snap.State)}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "mode", config.ModeLocal, "Execution mode. Options: 'local' or 'remote'.")
	f.BoolVar(&workers, "workers", true, "In remote mode, also consume the task queues in this process.")
	f.IntVar(&httpPort, "http-port", 0, "Port for the health and progress server while the job runs. 0 is disabled.")
	f.StringVar(&jc.UserID, "user", "", "User id recorded on the job.")
	f.StringVar(&jc.SessionID, "session", "", "Session id recorded on the job.")
	f.StringVar(&jc.WorkflowID, "workflow", "", "Workflow id recorded on the job.")
	return cmd
}

// printReport writes the final state of every node and every recorded error.
func printReport(w io.Writer, snap job.Snapshot) {
	fmt.Fprintf(w, "\nJob %s (graph %s): %s\n", snap.ID, snap.GraphID, snap.State)
	for _, id := range slices.Sorted(maps.Keys(snap.NodeStates)) {
		fmt.Fprintf(w, "  %-24s %s\n", id, snap.NodeStates[id])
	}
	for _, e := range snap.Errors {
		if e.NodeID != "" {
			fmt.Fprintf(w, "  error in %s: %s\n", e.NodeID, e.Message)
			continue
		}
		fmt.Fprintf(w, "  error: %s\n", e.Message)
	}
}
