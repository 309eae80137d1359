package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/noot-app/nutricorrect/internal/types"
)

// Engine reads ingredient exports (JSON, Parquet or CSV) through an in-memory DuckDB
type Engine struct {
	db  *sql.DB
	log *slog.Logger
}

// Ensure Engine implements IngredientStore interface
var _ IngredientStore = (*Engine)(nil)

// NewEngine creates a new query engine
func NewEngine(logger *slog.Logger) (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	return &Engine{
		db:  db,
		log: logger,
	}, nil
}

// Close closes the database connection
func (e *Engine) Close() error {
	return e.db.Close()
}

// readerFor picks the DuckDB table function for an export file
func readerFor(source string) (string, error) {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".json", ".jsonl", ".ndjson":
		return "read_json_auto", nil
	case ".parquet":
		return "read_parquet", nil
	case ".csv":
		return "read_csv_auto", nil
	default:
		return "", fmt.Errorf("unsupported export format %q", filepath.Ext(source))
	}
}

// exportColumns lists the export's column names, keyed by lower-case name
func (e *Engine) exportColumns(ctx context.Context, reader, source string) (map[string]string, error) {
	rows, err := e.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s(?) LIMIT 0`, reader), source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	columns := make(map[string]string, len(names))
	for _, name := range names {
		key := strings.ToLower(name)
		if _, exists := columns[key]; !exists {
			columns[key] = name
		}
	}
	return columns, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// LoadIngredients reads the ingredient records of an export file.
// The name, quantity, unit and nutrition columns are each optional and read as
// NULL when missing; nutrition may be a nested list or a JSON string.
// limit <= 0 reads everything.
func (e *Engine) LoadIngredients(ctx context.Context, source string, limit int) ([]types.Ingredient, error) {
	start := time.Now()
	e.log.Debug("LoadIngredients starting", "source", source, "limit", limit)

	reader, err := readerFor(source)
	if err != nil {
		return nil, err
	}

	columns, err := e.exportColumns(ctx, reader, source)
	if err != nil {
		e.log.Error("DuckDB column lookup failed", "error", err, "source", source, "duration", time.Since(start))
		return nil, fmt.Errorf("query failed: %w", err)
	}

	selectCol := func(name, expr string) string {
		col, ok := columns[name]
		if !ok {
			e.log.Debug("Export column missing, reading as NULL", "source", source, "column", name)
			return "NULL"
		}
		return fmt.Sprintf(expr, quoteIdent(col))
	}

	query := fmt.Sprintf(`
		SELECT
			%s,
			%s,
			%s,
			%s
		FROM %s(?)`,
		selectCol("name", "CAST(%s AS VARCHAR)"),
		selectCol("quantity", "TRY_CAST(%s AS DOUBLE)"),
		selectCol("unit", "CAST(%s AS VARCHAR)"),
		selectCol("nutrition", "CAST(to_json(%s) AS VARCHAR)"),
		reader)
	args := []interface{}{source}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		e.log.Error("DuckDB query failed", "error", err, "source", source, "duration", time.Since(start))
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	ingredients := []types.Ingredient{}
	for rows.Next() {
		var (
			nameStr      sql.NullString
			quantity     sql.NullFloat64
			unitStr      sql.NullString
			nutritionStr sql.NullString
		)

		if err := rows.Scan(&nameStr, &quantity, &unitStr, &nutritionStr); err != nil {
			e.log.Error("Row scan failed", "error", err)
			continue
		}

		ing := types.Ingredient{
			Quantity:  1,
			Nutrition: []types.Nutrient{},
		}
		if nameStr.Valid {
			ing.Name = nameStr.String
		}
		if quantity.Valid && !math.IsNaN(quantity.Float64) && !math.IsInf(quantity.Float64, 0) {
			ing.Quantity = quantity.Float64
		}
		if unitStr.Valid {
			ing.Unit = unitStr.String
		}
		if nutritionStr.Valid && nutritionStr.String != "" {
			ing.Nutrition = types.ParseNutrition([]byte(nutritionStr.String))
		}

		ingredients = append(ingredients, ing)
	}

	if err := rows.Err(); err != nil {
		e.log.Error("Rows iteration failed", "error", err)
		return nil, fmt.Errorf("rows error: %w", err)
	}

	e.log.Info("LoadIngredients completed", "source", source, "count", len(ingredients), "duration", time.Since(start))
	return ingredients, nil
}

// HealthCheck verifies the embedded database answers queries
func (e *Engine) HealthCheck(ctx context.Context) error {
	start := time.Now()

	var one int
	if err := e.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		e.log.Error("Health check failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("health check failed: %w", err)
	}

	e.log.Debug("Health check successful", "duration", time.Since(start))
	return nil
}
