package cli

import (
	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/events"
)

// indexCmd embeds every stored paper, persists the vectors and notifies running servers.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed stored papers and signal servers to reload",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		b, err := openBackend(ctx)
		if err != nil {
			return err
		}
		defer b.Close()

		return reindex(ctx, cmd.OutOrStdout(), b, events.ReasonReload)
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}
