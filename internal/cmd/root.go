package cmd

import (
	"context"
	"log/slog"

	"github.com/noot-app/nutricorrect/internal/auth"
	"github.com/noot-app/nutricorrect/internal/config"
	"github.com/noot-app/nutricorrect/internal/correct"
	"github.com/noot-app/nutricorrect/internal/mcpgo"
	"github.com/noot-app/nutricorrect/internal/query"
	"github.com/noot-app/nutricorrect/internal/rules"
	"github.com/noot-app/nutricorrect/internal/rulesource"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nutricorrect",
		Short: "Deterministic nutrition corrections for logged ingredients",
		Long: `nutricorrect applies a table of common-sense nutrition rules to logged
ingredients and reports only the corrections that are needed: zero-calorie
drinks logged with calories, missing caffeine, fiber or added sugar, and
implausible matcha portions.

The server operates in three modes:

1. STDIO Mode (--stdio): For local MCP clients
   - Uses stdio pipes for communication
   - No authentication required

2. HTTP Mode (default): For remote deployment
   - Streamable HTTP MCP endpoint at /mcp
   - Requires Bearer token authentication (except /health)
   - Re-checks RULES_URL every REFRESH_INTERVAL_HOURS and hot-swaps the rules

3. Fetch Rules Mode (--fetch-rules): Download the rule file and exit
   - Downloads RULES_URL into DATA_DIR when the local copy is stale

Available MCP Tools:
- apply_deterministic_rules: Corrections for a batch of ingredients
- servings_from_quantity_unit: Quantity and unit to servings
- match_rules: Which rule patterns match an ingredient name
- correct_ingredient_export: Correct an export file from EXPORT_DIR read through DuckDB

Rules come from RULES_PATH, from RULES_URL (cached in DATA_DIR), or from the
built-in table when neither is set. A missing or malformed rule file yields
an empty table and no corrections.

Authentication (HTTP Mode Only):
Use the AUTH_TOKEN environment variable to set the Bearer token.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fetchRules, _ := cmd.Flags().GetBool("fetch-rules")
			if fetchRules {
				return runFetchRulesMode(cmd, args)
			}

			stdio, _ := cmd.Flags().GetBool("stdio")
			if stdio {
				return runStdioMode(cmd, args)
			}
			return runHTTPMode(cmd, args)
		},
	}

	cmd.Flags().Bool("stdio", false, "Run in stdio mode for local MCP clients (default: HTTP mode for remote deployment)")
	cmd.Flags().Bool("fetch-rules", false, "Fetch the rule file from RULES_URL and exit")

	cmd.AddCommand(
		newCorrectCmd(),
		newServingsCmd(),
		newRulesCmd(),
		newVersionCmd(),
	)

	return cmd
}

// runFetchRulesMode fetches the rule file and exits
func runFetchRulesMode(cmd *cobra.Command, args []string) error {
	logger := config.NewTextLogger(cmd.ErrOrStderr())
	cfg := config.Load()

	if cfg.RulesURL == "" {
		logger.Warn("RULES_URL is not set, nothing to fetch")
		return nil
	}

	logger.Info("Starting rule fetch", "mode", "fetch-rules", "url", cfg.RulesURL, "rules_path", cfg.RulesPath)

	manager := rulesource.NewManager(cfg, logger)
	if err := manager.EnsureRules(cmd.Context()); err != nil {
		logger.Error("Failed to fetch rule file", "error", err)
		return err
	}

	// Report what a server started now would load
	table := rules.Load(cfg.RulesPath, logger)
	logger.Info("Rule fetch completed successfully",
		"rules_path", cfg.RulesPath,
		"metadata_path", cfg.MetadataPath,
		"empty", table.IsEmpty())
	return nil
}

// runStdioMode runs the MCP server in stdio mode
func runStdioMode(cmd *cobra.Command, args []string) error {
	// stderr only, stdout carries the protocol
	logger := config.NewLogger(true)
	cfg := config.Load()

	logger.Info("Starting nutricorrect in STDIO mode",
		"mode", "stdio",
		"auth", "not required for stdio mode",
		"transport", "stdio pipes")

	srv, store, err := buildServer(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	return srv.ServeStdio()
}

// runHTTPMode runs the MCP server in HTTP mode for remote deployment
func runHTTPMode(cmd *cobra.Command, args []string) error {
	logger := config.NewLogger(false)
	cfg := config.Load()

	logger.Info("Starting nutricorrect in HTTP mode",
		"mode", "http",
		"auth", "Bearer token required (except /health endpoint)",
		"transport", "streamable HTTP",
		"port", cfg.Port)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, store, err := buildServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	manager := rulesource.NewManager(cfg, logger)
	go manager.Watch(ctx, cfg.RefreshInterval(), func(table *rules.Table) {
		srv.ReplaceEngine(correct.NewEngine(table, logger))
	})

	return srv.ServeHTTP(":" + cfg.Port)
}

// buildServer fetches and loads the rules, opens the ingredient store and wires the tool server
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcpgo.Server, query.IngredientStore, error) {
	manager := rulesource.NewManager(cfg, logger)
	if err := manager.EnsureRules(ctx); err != nil {
		// A stale local copy is still usable
		logger.Warn("Failed to ensure rule file, continuing with local rules", "error", err)
	}

	engine := correct.NewEngine(rules.LoadOrDefault(cfg.RulesPath, logger), logger)

	store, err := query.NewIngredientStore(logger)
	if err != nil {
		logger.Error("Failed to create ingredient store", "error", err)
		return nil, nil, err
	}

	if err := store.HealthCheck(ctx); err != nil {
		logger.Error("Ingredient store health check failed", "error", err)
		store.Close()
		return nil, nil, err
	}

	authenticator := auth.NewBearerTokenAuth(cfg.AuthToken)
	return mcpgo.NewServer(engine, store, authenticator, cfg.ExportDir, logger), store, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// Run is the main entry point for the CLI application
func Run() error {
	return Execute()
}
