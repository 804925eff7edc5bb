package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rbio.com/nutribot/internal/core"
	"rbio.com/nutribot/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load recipes from a CSV file and index their embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()
		if err := cfg.Validate(); err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("file")
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open recipes file: %w", err)
		}
		defer f.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		_, indexer, err := a.vectorIndex(ctx)
		if err != nil {
			return err
		}

		svc := core.NewIngestService(a.db, a.llm, indexer, cfg.Pipeline.IngestInterval, logger)
		report, err := svc.Ingest(ctx, f)
		if err != nil {
			return err
		}
		if len(report.Failed) > 0 {
			logger.Warn("some recipes were not indexed, rerun ingest to retry them", zap.Int64s("recipe_ids", report.Failed))
		}
		fmt.Printf("Stored %d recipes, embedded %d\n", report.Recipes, report.Embedded)
		return nil
	},
}

// seedCmd builds an ingest subcommand that loads one reference table from csv.
func seedCmd[T any](use, short string, load func(io.Reader) ([]T, error), upsert func(store.DataStore) func(context.Context, []T) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.Validate(); err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("file")
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open %s file: %w", use, err)
			}
			defer f.Close()

			rows, err := load(f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := upsert(a.db)(ctx, rows); err != nil {
				return err
			}
			logger.Info("reference data loaded", zap.String("table", use), zap.Int("rows", len(rows)))
			fmt.Printf("Stored %d %s\n", len(rows), use)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", use+".csv", "CSV file to load")
	return cmd
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringP("file", "f", "recipes.csv", "Recipes CSV file")

	ingestCmd.AddCommand(
		seedCmd("users", "Load lab clients and their result links", store.LoadUsersCSV,
			func(db store.DataStore) func(context.Context, []store.User) error { return db.UpsertUsers }),
		seedCmd("foods", "Load the lab code to food name mapping", store.LoadFoodsCSV,
			func(db store.DataStore) func(context.Context, []store.Food) error { return db.UpsertFoods }),
		seedCmd("meal-types", "Load the meal type menu", store.LoadMealTypesCSV,
			func(db store.DataStore) func(context.Context, []store.MealType) error { return db.UpsertMealTypes }),
	)
}
