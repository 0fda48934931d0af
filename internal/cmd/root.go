package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/taskmesh/internal/cmd/config"
	"github.com/Iron-Ham/taskmesh/internal/cmd/users"
	appconfig "github.com/Iron-Ham/taskmesh/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Distribute tasks to workers over an encrypted channel",
	Long: `taskmesh runs a coordinator that accepts tasks from authenticated clients
and dispatches them to registered workers by capability and priority.
Every connection is encrypted with a pre-shared key.

Run 'taskmesh serve' on the coordinator host, 'taskmesh worker' on each
worker, and use 'taskmesh login' / 'taskmesh submit' from a client.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/taskmesh/config.yaml)")
	rootCmd.PersistentFlags().String("psk", "", "pre-shared channel key (hex or base64)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server.psk", rootCmd.PersistentFlags().Lookup("psk"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	config.Register(rootCmd)
	users.Register(rootCmd, users.Deps{Dial: dialClient, ReadPassword: readPassword})
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(appconfig.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(appconfig.EnvPrefix)
	// e.g. TASKMESH_SERVER_PSK for server.psk
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
