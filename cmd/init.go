package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/arcward/suggestbot/suggestbot"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the store, and report what's already saved",
	Long: "Creates the data directory (file store) or creates and migrates " +
		"the database (sqlite/postgres), then loads any saved data to " +
		"check that it's readable.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch cfg.StoreType {
		case "sqlite", "postgres":
			if cfg.Database == "" {
				return errors.New(
					"DC_DATABASE not set (must be a valid database " +
						"connection string or sqlite file path)",
				)
			}
			db, err := suggestbot.CreateDB(ctx, cfg.StoreType, cfg.Database)
			if err != nil {
				return fmt.Errorf("error creating database: %w", err)
			}
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintf(out, "Database ready (%s)\n", cfg.StoreType)
		case "file":
			fmt.Fprintf(out, "Using data directory: %s\n", cfg.DataDir)
		default:
			return fmt.Errorf("invalid store type: %q", cfg.StoreType)
		}

		logger := slog.New(slog.DiscardHandler)
		store, err := suggestbot.NewStore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("error opening store: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		data, err := store.LoadAll(ctx)
		switch {
		case errors.Is(err, suggestbot.ErrCorruptData):
			return fmt.Errorf("saved data can't be read (left untouched): %w", err)
		case errors.Is(err, suggestbot.ErrNotFound):
			fmt.Fprintln(out, "No saved data yet.")
		case err != nil:
			return fmt.Errorf("error loading saved data: %w", err)
		}

		fmt.Fprintf(
			out,
			"Message counts: %s users, %s messages\n",
			humanize.Comma(int64(len(data.MessageCounts))),
			humanize.Comma(data.MessageCounts.Total()),
		)
		fmt.Fprintf(
			out,
			"Votes: %s suggestions, %s votes\n",
			humanize.Comma(int64(len(data.Votes))),
			humanize.Comma(int64(data.Votes.Count())),
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
