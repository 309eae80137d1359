package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/noot-app/nutricorrect/internal/config"
	"github.com/noot-app/nutricorrect/internal/correct"
	"github.com/noot-app/nutricorrect/internal/query"
	"github.com/noot-app/nutricorrect/internal/rules"
	"github.com/noot-app/nutricorrect/internal/types"
	"github.com/spf13/cobra"
)

type correctOptions struct {
	input     string
	rulesPath string
	limit     int
	merge     bool
}

func newCorrectCmd() *cobra.Command {
	opts := &correctOptions{}

	cmd := &cobra.Command{
		Use:   "correct",
		Short: "Apply the rules to an ingredient batch and print the result",
		Long: `Reads a batch of ingredients and prints a JSON report of the corrections.

With --input - (the default) a JSON array is read from stdin. Any other input
is read as an export file through DuckDB (.json, .ndjson, .parquet or .csv).
With --merge the corrected ingredients are printed instead of the report.`,
		Example: `  nutricorrect correct < meal.json
  nutricorrect correct --input export.parquet --limit 100 --merge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCorrect(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "Ingredient batch to read, - for stdin")
	cmd.Flags().StringVar(&opts.rulesPath, "rules", "", "Rule file to use instead of RULES_PATH")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of ingredients to read from an export file (0 reads all)")
	cmd.Flags().BoolVar(&opts.merge, "merge", false, "Print the ingredients with the corrections applied")

	return cmd
}

func runCorrect(cmd *cobra.Command, opts *correctOptions) error {
	logger := config.NewTextLogger(cmd.ErrOrStderr())
	engine := correct.NewEngine(loadRules(opts.rulesPath, logger), logger)

	ingredients, err := readIngredients(cmd, opts, logger)
	if err != nil {
		return err
	}

	report := engine.Run(ingredients)
	logger.Debug("Batch corrected",
		"batch_id", report.BatchID,
		"inspected", report.Inspected,
		"corrected", report.Corrected,
		"skipped", report.Skipped,
		"duration", report.Duration)

	if opts.merge {
		return writeJSON(cmd.OutOrStdout(), correct.MergeAll(ingredients, report))
	}
	return writeJSON(cmd.OutOrStdout(), report)
}

func readIngredients(cmd *cobra.Command, opts *correctOptions, logger *slog.Logger) ([]types.Ingredient, error) {
	if opts.input == "" || opts.input == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}

		ingredients, skipped, err := types.DecodeBatch(data)
		if err != nil {
			return nil, fmt.Errorf("input must be a JSON array of ingredients: %w", err)
		}
		for idx, decodeErr := range skipped {
			logger.Warn("Skipping undecodable ingredient", "index", idx, "error", decodeErr)
		}
		return ingredients, nil
	}

	store, err := query.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.LoadIngredients(cmd.Context(), opts.input, opts.limit)
}

// loadRules prefers an explicit path, then RULES_PATH, then the built-in table
func loadRules(path string, logger *slog.Logger) *rules.Table {
	if path == "" {
		path = config.Load().RulesPath
	}
	return rules.LoadOrDefault(path, logger)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
