package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/caregrid/clinicalml/internal/model"
)

var (
	registryRoot string
	verbose      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "modelcheck",
		Short: "Operational tooling for the clinical ML model registry",
		Long: `Validates packaged model bundles against their stored evaluation metrics
and manages the ml_prediction decision table schema.`,
	}

	rootCmd.PersistentFlags().StringVarP(&registryRoot, "registry", "r", "data/models", "Model registry root directory")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// validateCmd loads every bundle under the registry root and recomputes its
// evaluation metric on the packaged test set.
func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [bundle...]",
		Short: "Validate model bundles against their stored metrics",
		Long: `Loads each named bundle (or every bundle under the registry root when no
names are given), recomputes AUC on the packaged test set, and reports drift
against the training-time value. Exits non-zero if any bundle fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				var err error
				dirs, err = listBundles(registryRoot)
				if err != nil {
					return err
				}
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no bundles found under %s", registryRoot)
			}

			registry := model.NewRegistry(registryRoot)
			failed := 0
			for _, dir := range dirs {
				sm, err := registry.Load(dir)
				if err != nil {
					fmt.Printf("%-40s LOAD FAILED: %v\n", dir, err)
					failed++
					continue
				}
				status, computed, err := sm.Validate()
				switch status {
				case model.ValidationOK:
					fmt.Printf("%-40s ok       auc=%.4f\n", dir, computed)
				case model.ValidationWarning:
					fmt.Printf("%-40s WARNING  auc=%.4f drifted from stored metric\n", dir, computed)
				default:
					fmt.Printf("%-40s ERROR    %v\n", dir, err)
					failed++
				}
				if verbose {
					fmt.Printf("  model=%s class=%s mapping=%s author=%s\n",
						sm.Meta.ModelName, sm.Meta.ModelClass, sm.MappingVersion, sm.Meta.AuthorEmail)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d bundle(s) failed validation", failed)
			}
			return nil
		},
	}
	return cmd
}

// listCmd prints the bundles present under the registry root.
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List model bundles under the registry root",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs, err := listBundles(registryRoot)
			if err != nil {
				return err
			}
			for _, dir := range dirs {
				fmt.Println(dir)
			}
			return nil
		},
	}
}

// migrateCmd creates the ml_prediction table used by the decision cache.
func migrateCmd() *cobra.Command {
	var connStr string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the ml_prediction decision table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pool, err := pgxpool.New(ctx, connStr)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer pool.Close()

			const schema = `
CREATE TABLE IF NOT EXISTS ml_prediction (
    id              BIGSERIAL PRIMARY KEY,
    care_request_id BIGINT NOT NULL,
    feature_hash    BYTEA NOT NULL UNIQUE,
    prediction      BOOLEAN NOT NULL,
    model_version   TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_queried_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_ml_prediction_care_request
    ON ml_prediction (care_request_id);`

			if _, err := pool.Exec(ctx, schema); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("ml_prediction table is up to date")
			return nil
		},
	}

	cmd.Flags().StringVar(&connStr, "conn", "", "Postgres connection string")
	cmd.MarkFlagRequired("conn")
	return cmd
}

func listBundles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry root: %w", err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "metadata.json")); err == nil {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}
