package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/RainbowTabitha/FloofBot/floofbot"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var importDir string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import data files written by the previous version of the bot",
	Long: `Reads activity_log.json, levels.json, birthdays.json,
reference_images.json, tickets.json and applications.json from --dir
and loads them into the configured database. Missing files are skipped,
and running the import again won't duplicate rows.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if importDir == "" {
			return errors.New("--dir is required")
		}
		if _, err := os.Stat(importDir); err != nil {
			return fmt.Errorf("unable to read import directory: %w", err)
		}

		db, err := floofbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}

		logger := slog.New(
			tint.NewHandler(
				cmd.ErrOrStderr(),
				&tint.Options{Level: cfg.LogLevel},
			),
		)
		summary, err := floofbot.ImportLegacyData(ctx, db, cfg, importDir, logger)
		for file, n := range summary {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", file, n)
		}
		if err != nil {
			return fmt.Errorf("import finished with errors: %w", err)
		}
		return nil
	},
}

//nolint:gochecknoinits // cobra registration
func init() {
	importCmd.Flags().StringVar(
		&importDir,
		"dir",
		".",
		"directory containing the legacy JSON files",
	)
	rootCmd.AddCommand(importCmd)
}
