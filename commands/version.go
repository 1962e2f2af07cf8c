package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"projsync/network"
)

const Version = "0.3.0"

// VersionCmd prints the build and protocol version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of projsync",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "projsync version %s (protocol %d)\n", Version, network.ProtocolVersion)
	},
}
