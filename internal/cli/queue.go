package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/app"
)

func newQueueCommand(g *globals) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable queue store",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message counts per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.openStoreApp()
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Store().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(g.outW, "No queues declared.")
				return nil
			}
			tw := tabwriter.NewWriter(g.outW, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tREADY\tUNACKED")
			for _, st := range stats {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", st.Queue, st.Sent, st.Delivered)
			}
			return tw.Flush()
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list <queue>",
		Short: "List the oldest messages waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openStoreApp()
			if err != nil {
				return err
			}
			defer a.Close()

			msgs, err := a.Store().ListMessages(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				fmt.Fprintf(g.outW, "Queue %s is empty.\n", args[0])
				return nil
			}
			tw := tabwriter.NewWriter(g.outW, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tCREATED\tPAYLOAD")
			for _, m := range msgs {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", m.ID, m.Status, m.RetryCount,
					m.CreatedAt.Format("2006-01-02 15:04:05"), truncate(string(m.Payload), 80))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of messages to show.")

	purgeCmd := &cobra.Command{
		Use:   "purge <queue>",
		Short: "Delete every message waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openStoreApp()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Store().PurgeQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(g.outW, "Purged %d message(s) from %s.\n", n, args[0])
			return nil
		},
	}

	queueCmd.AddCommand(statsCmd, listCmd, purgeCmd)
	return queueCmd
}

// openStoreApp returns an app whose queue store is open. Close the app when
// done.
func (g *globals) openStoreApp() (*app.App, error) {
	cfg, err := g.load(nil)
	if err != nil {
		return nil, err
	}
	a := app.New(g.outW, cfg)
	if _, err := a.OpenStore(a.Context()); err != nil {
		return nil, err
	}
	return a, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
