package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"projsync/storage"
)

var (
	historyLimit     int
	historyDirection string
	historyStatus    string
	historyPeer      string
)

// HistoryCmd lists recorded negotiations.
var HistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded negotiations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := loadEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.store.ListNegotiations(storage.NegotiationFilter{
			PeerID:    historyPeer,
			Direction: historyDirection,
			Status:    historyStatus,
			Limit:     historyLimit,
		})
		if err != nil {
			return err
		}
		return printHistory(cmd.OutOrStdout(), records)
	},
}

func init() {
	HistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of negotiations to list")
	HistoryCmd.Flags().StringVar(&historyDirection, "direction", "", "Filter by direction: incoming or outgoing")
	HistoryCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status: running, ok, cancelled or error")
	HistoryCmd.Flags().StringVar(&historyPeer, "peer", "", "Filter by peer device id")
}

func printHistory(w io.Writer, records []storage.NegotiationRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No negotiations recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIRECTION\tSTATUS\tPEER\tNEGOTIATION\tREASON")
	for _, record := range records {
		status := record.Status
		if record.Origin != "" {
			status += " (" + record.Origin + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(record.StartedAt).Format(time.DateTime),
			record.Direction,
			status,
			record.PeerID,
			record.NegotiationID,
			record.Reason,
		)
		for _, root := range record.Roots {
			fmt.Fprintf(tw, "\t  %s\t-%d +%d\tmissing %d\t%s\t\n",
				root.RootID, root.Deleted, root.Created, root.MissingFiles, root.RootKey)
		}
	}
	return tw.Flush()
}
