package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buxton-project/buxton/pkg/client"
)

var (
	// cli is the connection every subcommand's RunE sends requests
	// through, built in PersistentPreRunE from the --socket/--direct
	// flags below.
	cli *client.Client

	socketPath string
	direct     bool
	configPath string
)

// rootCmd is the top-level cobra command for buxtonctl.
var rootCmd = &cobra.Command{
	Use:   "buxtonctl",
	Short: "CLI client for the buxton configuration daemon",
	Long:  "buxtonctl talks to buxtond over its Unix domain socket to read and write configuration keys.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		c, err := openClient()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		cli = c
		return nil
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if cli == nil {
			return nil
		}
		return cli.Close()
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/buxton/socket",
		"buxtond Unix domain socket path")
	rootCmd.PersistentFlags().BoolVar(&direct, "direct", false,
		"bypass the socket and call the resolver in-process, as a privileged caller (requires --config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"daemon configuration file, required with --direct")

	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(getTypeCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(getLabelCmd())
	rootCmd.AddCommand(setLabelCmd())
	rootCmd.AddCommand(createGroupCmd())
	rootCmd.AddCommand(removeGroupCmd())
	rootCmd.AddCommand(unsetCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
