package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbunker/uplink/cmd/uplink/commands"
)

var rootCmd = &cobra.Command{
	Use:           "uplink",
	Short:         "Uplink client",
	Long:          "Offer local tools to other clients of an uplink relay, and use theirs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigPath, "config", "c", "", "Path to config file (default: ~/.uplink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&commands.Qualifier, "qualifier", "", "Session qualifier (default: client.qualifier for connect, unique per process otherwise)")
}

func main() {
	rootCmd.AddCommand(commands.NewConnectCmd())
	rootCmd.AddCommand(commands.NewToolsCmd())
	rootCmd.AddCommand(commands.NewDocsCmd())
	rootCmd.AddCommand(commands.NewExecCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
