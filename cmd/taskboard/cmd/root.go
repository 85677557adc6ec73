package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmcleod/taskboard/config"
)

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "taskboard",
	Short: "Taskboard is a personal task management service",
	Long: `A task management service that signs users in with tokens from an
external identity provider and keeps them signed in with revocable
session cookies.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a YAML configuration file")
}

// loadConfig binds the command's flags over the environment and file
// settings and returns the validated configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	return config.Load(v, configFile)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	return v.BindPFlags(cmd.Flags())
}
