package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <subject>",
	Short: "Revoke every session of a user",
	Long: `Revoke moves the user's revocation cutoff to now, so every session and
identity token issued before this moment is rejected. Other running
instances observe the change within revocation-refresh.

With the bbolt backend the server holds the database lock; stop it first
or use postgres.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stderr)

		repo, closeRepo, err := openStorage(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		sessions, err := newSessionManager(cfg, repo, logger)
		if err != nil {
			return err
		}
		changed, err := sessions.RevokeSubject(cmd.Context(), args[0], revokeReason)
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintf(cmd.OutOrStdout(), "revoked all sessions of %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s was already revoked at or after this time\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	f := revokeCmd.Flags()
	f.StringVar(&revokeReason, "reason", "admin", "Reason recorded with the revocation")
	f.String("storage", "bbolt", "Storage backend: bbolt, postgres or memory")
	f.String("data-dir", "./data", "Directory for the bbolt database")
	f.String("database-url", "", "PostgreSQL connection string")
}
