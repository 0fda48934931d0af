package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/taskmesh/internal/securechan"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a pre-shared channel key",
	Long: `Generate a random 256-bit channel key.

Put the same key in server.psk (or TASKMESH_SERVER_PSK) on the coordinator,
every worker and every client.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := securechan.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskmesh version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		v := Version
		if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		fmt.Fprintf(cmd.OutOrStdout(), "taskmesh %s\n", v)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}
