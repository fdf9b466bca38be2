package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/moltbunker/uplink/internal/client"
	"github.com/moltbunker/uplink/internal/protocol"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the version of the uplink CLI, the protocol it speaks and build information.",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, Logo())
			fmt.Fprintf(out, "%s%s\n", StyleLabel.Render("Version:"), GetVersion())
			fmt.Fprintf(out, "%s%s\n", StyleLabel.Render("Commit:"), GetCommit())
			fmt.Fprintf(out, "%s%s\n", StyleLabel.Render("Build Date:"), BuildDate)
			fmt.Fprintf(out, "%s%s\n", StyleLabel.Render("Protocol:"), protocol.ProtocolVersion)
			fmt.Fprintf(out, "%s%s\n", StyleLabel.Render("Client:"), client.ClientVersionInfo)
			fmt.Fprintf(out, "%s%s\n", StyleLabel.Render("Go Version:"), GetGoVersion())
			fmt.Fprintf(out, "%s%s/%s\n", StyleLabel.Render("OS/Arch:"), runtime.GOOS, runtime.GOARCH)
		},
	}
}
