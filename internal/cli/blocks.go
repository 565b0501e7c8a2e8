package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/app"
)

func newBlocksCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "blocks",
		Short: "List the blocks compiled into this binary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(nil)
			if err != nil {
				return err
			}
			// Module logs stay out of the listing.
			reg := app.New(io.Discard, cfg).Registry()
			tw := tabwriter.NewWriter(g.outW, 0, 4, 2, ' ', 0)
			for _, name := range reg.Names() {
				b, _ := reg.Lookup(name)
				fmt.Fprintf(tw, "%s\t%s\n", name, b.Description)
			}
			return tw.Flush()
		},
	}
}
