package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/taskboard/internal/util"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a value for session-secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := util.RandomToken(util.MinSecretLength)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
}
