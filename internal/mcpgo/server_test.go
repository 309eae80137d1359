package mcpgo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/noot-app/nutricorrect/internal/auth"
	"github.com/noot-app/nutricorrect/internal/config"
	"github.com/noot-app/nutricorrect/internal/correct"
	"github.com/noot-app/nutricorrect/internal/query"
	"github.com/noot-app/nutricorrect/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
zero_calorie:
  patterns: [sparkling water]
caffeine_mg_per_serving:
  tea: 40
  green tea: 30
portion_fixes:
  matcha:
    quantity: 1
    unit: serving
    serving_size_grams: 2
`

func newTestServer(t *testing.T) (*Server, *query.MockStore) {
	t.Helper()
	logger := config.NewTestLogger(io.Discard, "debug")

	table, err := rules.Parse([]byte(testRules))
	require.NoError(t, err)

	store := query.NewMockStore(logger)
	engine := correct.NewEngine(table, logger)
	return NewServer(engine, store, auth.NewBearerTokenAuth("test-token"), t.TempDir(), logger), store
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func TestServer_checkHealthWithCache(t *testing.T) {
	t.Run("first call performs health check", func(t *testing.T) {
		server, _ := newTestServer(t)

		err := server.checkHealthWithCache(context.Background())
		assert.NoError(t, err)

		assert.False(t, server.lastHealthCheck.IsZero())
		assert.NoError(t, server.lastHealthError)
	})

	t.Run("subsequent calls within 10 seconds use cache", func(t *testing.T) {
		server, _ := newTestServer(t)
		ctx := context.Background()

		require.NoError(t, server.checkHealthWithCache(ctx))
		firstCheckTime := server.lastHealthCheck

		require.NoError(t, server.checkHealthWithCache(ctx))
		assert.Equal(t, firstCheckTime, server.lastHealthCheck)
	})

	t.Run("caches error results", func(t *testing.T) {
		server, store := newTestServer(t)
		ctx := context.Background()
		testError := errors.New("duckdb unavailable")
		store.SetError(testError)

		err := server.checkHealthWithCache(ctx)
		assert.Equal(t, testError, err)

		store.SetError(nil)

		err = server.checkHealthWithCache(ctx)
		assert.Equal(t, testError, err)
	})

	t.Run("cache expires after 10 seconds", func(t *testing.T) {
		server, _ := newTestServer(t)
		ctx := context.Background()

		require.NoError(t, server.checkHealthWithCache(ctx))
		server.lastHealthCheck = time.Now().Add(-11 * time.Second)

		require.NoError(t, server.checkHealthWithCache(ctx))
		assert.True(t, time.Since(server.lastHealthCheck) < time.Second)
	})

	t.Run("concurrent calls handle race conditions safely", func(t *testing.T) {
		server, _ := newTestServer(t)
		ctx := context.Background()
		server.lastHealthCheck = time.Now().Add(-11 * time.Second)

		errChan := make(chan error, 10)
		for i := 0; i < 10; i++ {
			go func() {
				errChan <- server.checkHealthWithCache(ctx)
			}()
		}
		for i := 0; i < 10; i++ {
			assert.NoError(t, <-errChan)
		}

		assert.True(t, time.Since(server.lastHealthCheck) < time.Second)
	})
}

func TestServer_HandleApplyRules(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()

	t.Run("returns only needed corrections", func(t *testing.T) {
		req := callTool("apply_deterministic_rules", map[string]any{
			"ingredients": []any{
				map[string]any{
					"name":      "Green Tea",
					"quantity":  1,
					"unit":      "cup",
					"nutrition": []any{},
				},
				map[string]any{
					"name":     "sparkling water",
					"quantity": 12,
					"unit":     "fl oz",
					"nutrition": []any{
						map[string]any{"nutrientName": "Energy", "unitName": "KCAL", "value": 40},
					},
				},
				map[string]any{
					"name":      "bread",
					"quantity":  1,
					"unit":      "slice",
					"nutrition": []any{},
				},
			},
		})

		result, err := server.handleApplyRules(ctx, req)
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))

		response, ok := result.StructuredContent.(ApplyRulesResponse)
		require.True(t, ok)
		assert.NotEmpty(t, response.BatchID)
		assert.Equal(t, 2, response.Count)
		require.Len(t, response.Corrections, 2)

		tea := response.Corrections[0]
		assert.Equal(t, "Green Tea", tea.Name)
		require.NotNil(t, tea.CaffeineMg)
		assert.Equal(t, 30.0, *tea.CaffeineMg)

		water := response.Corrections[1]
		assert.Equal(t, "sparkling water", water.Name)
		require.NotNil(t, water.ZeroCalories)
		assert.True(t, *water.ZeroCalories)

		var decoded ApplyRulesResponse
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &decoded))
		assert.Equal(t, response.BatchID, decoded.BatchID)
	})

	t.Run("accepts a JSON string", func(t *testing.T) {
		req := callTool("apply_deterministic_rules", map[string]any{
			"ingredients": `[{"name": "matcha", "quantity": 8, "unit": "oz", "nutrition": []}]`,
		})

		result, err := server.handleApplyRules(ctx, req)
		require.NoError(t, err)
		require.False(t, result.IsError)

		response := result.StructuredContent.(ApplyRulesResponse)
		require.Len(t, response.Corrections, 1)
		assert.Equal(t, "serving", *response.Corrections[0].Unit)
		assert.Equal(t, 2.0, *response.Corrections[0].ServingSizeG)
	})

	t.Run("empty batch", func(t *testing.T) {
		req := callTool("apply_deterministic_rules", map[string]any{"ingredients": []any{}})

		result, err := server.handleApplyRules(ctx, req)
		require.NoError(t, err)
		require.False(t, result.IsError)
		assert.Empty(t, result.StructuredContent.(ApplyRulesResponse).Corrections)
	})

	t.Run("bad records are skipped", func(t *testing.T) {
		req := callTool("apply_deterministic_rules", map[string]any{
			"ingredients": []any{
				"not an ingredient",
				map[string]any{"name": "", "quantity": 1},
				map[string]any{"name": "tea", "quantity": 1, "unit": "cup"},
			},
		})

		result, err := server.handleApplyRules(ctx, req)
		require.NoError(t, err)
		require.False(t, result.IsError)

		response := result.StructuredContent.(ApplyRulesResponse)
		assert.Equal(t, 2, response.Skipped)
		assert.Equal(t, 1, response.Count)
	})

	t.Run("missing argument", func(t *testing.T) {
		result, err := server.handleApplyRules(ctx, callTool("apply_deterministic_rules", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("wrong argument type", func(t *testing.T) {
		result, err := server.handleApplyRules(ctx, callTool("apply_deterministic_rules", map[string]any{"ingredients": 42}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestServer_HandleServings(t *testing.T) {
	server, _ := newTestServer(t)

	tests := []struct {
		quantity float64
		unit     string
		expected float64
	}{
		{16, "fl oz", 2},
		{2, "shots", 0.5},
		{480, "ml", 2},
		{1.5, "cups", 1.5},
		{3, "", 3},
	}

	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			result, err := server.handleServings(context.Background(), callTool("servings_from_quantity_unit", map[string]any{
				"quantity": tt.quantity,
				"unit":     tt.unit,
			}))
			require.NoError(t, err)
			require.False(t, result.IsError)

			response := result.StructuredContent.(ServingsResponse)
			assert.InDelta(t, tt.expected, response.Servings, 1e-9)
		})
	}

	t.Run("missing quantity", func(t *testing.T) {
		result, err := server.handleServings(context.Background(), callTool("servings_from_quantity_unit", map[string]any{"unit": "cup"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestServer_HandleMatchRules(t *testing.T) {
	server, _ := newTestServer(t)

	result, err := server.handleMatchRules(context.Background(), callTool("match_rules", map[string]any{"name": "Iced Green Tea"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	response := result.StructuredContent.(MatchRulesResponse)
	assert.True(t, response.Found)
	require.Len(t, response.Matches, 1)
	assert.Equal(t, "green tea", response.Matches[0].Pattern)

	result, err = server.handleMatchRules(context.Background(), callTool("match_rules", map[string]any{"name": "bread"}))
	require.NoError(t, err)
	assert.False(t, result.StructuredContent.(MatchRulesResponse).Found)

	result, err = server.handleMatchRules(context.Background(), callTool("match_rules", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestServer_HandleCorrectExport(t *testing.T) {
	ctx := context.Background()

	t.Run("reports corrections by index", func(t *testing.T) {
		server, _ := newTestServer(t)

		result, err := server.handleCorrectExport(ctx, callTool("correct_ingredient_export", map[string]any{
			"path": "meals.json",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		response := result.StructuredContent.(CorrectExportResponse)
		assert.Equal(t, 3, response.Inspected)
		assert.Equal(t, 2, response.Corrected)
		assert.Empty(t, response.Ingredients)
		require.Len(t, response.Results, 2)
		assert.Equal(t, 0, response.Results[0].Index)
		assert.Equal(t, 1, response.Results[1].Index)
	})

	t.Run("merge returns corrected ingredients", func(t *testing.T) {
		server, _ := newTestServer(t)

		result, err := server.handleCorrectExport(ctx, callTool("correct_ingredient_export", map[string]any{
			"path":  "meals.json",
			"merge": true,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		response := result.StructuredContent.(CorrectExportResponse)
		require.Len(t, response.Ingredients, 3)

		energy, ok := correct.EnergyKcal(response.Ingredients[1].Nutrition)
		require.True(t, ok)
		assert.Equal(t, 0.0, energy)
	})

	t.Run("store error", func(t *testing.T) {
		server, store := newTestServer(t)
		store.SetError(errors.New("no such file"))

		result, err := server.handleCorrectExport(ctx, callTool("correct_ingredient_export", map[string]any{"path": "missing.json"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("real export through duckdb", func(t *testing.T) {
		logger := config.NewTestLogger(io.Discard, "debug")
		store, err := query.NewEngine(logger)
		require.NoError(t, err)
		defer store.Close()

		table, err := rules.Parse([]byte(testRules))
		require.NoError(t, err)
		exportDir := t.TempDir()
		server := NewServer(correct.NewEngine(table, logger), store, auth.NewBearerTokenAuth("test-token"), exportDir, logger)

		require.NoError(t, os.MkdirAll(filepath.Join(exportDir, "2024"), 0755))
		export := `[{"name": "green tea", "quantity": 1, "unit": "cup", "nutrition": [{"nutrientName": "Energy", "unitName": "KCAL", "value": 2}]}]`
		require.NoError(t, os.WriteFile(filepath.Join(exportDir, "2024", "export.json"), []byte(export), 0644))

		result, err := server.handleCorrectExport(ctx, callTool("correct_ingredient_export", map[string]any{"path": "2024/export.json"}))
		require.NoError(t, err)
		require.False(t, result.IsError, resultText(t, result))

		response := result.StructuredContent.(CorrectExportResponse)
		assert.Equal(t, "2024/export.json", response.Source)
		require.Len(t, response.Results, 1)
		assert.Equal(t, 30.0, *response.Results[0].Correction.CaffeineMg)
	})

	t.Run("paths outside the export directory are rejected", func(t *testing.T) {
		logger := config.NewTestLogger(io.Discard, "debug")
		store, err := query.NewEngine(logger)
		require.NoError(t, err)
		defer store.Close()

		table, err := rules.Parse([]byte(testRules))
		require.NoError(t, err)

		base := t.TempDir()
		exportDir := filepath.Join(base, "exports")
		require.NoError(t, os.MkdirAll(exportDir, 0755))
		outside := `[{"name": "green tea", "quantity": 1, "unit": "cup"}]`
		require.NoError(t, os.WriteFile(filepath.Join(base, "x.json"), []byte(outside), 0644))

		server := NewServer(correct.NewEngine(table, logger), store, auth.NewBearerTokenAuth("test-token"), exportDir, logger)

		for _, path := range []string{
			"../x.json",
			"nested/../../x.json",
			filepath.Join(base, "x.json"),
			"https://example.com/x.json",
			"*.json",
			"../*.json",
		} {
			result, err := server.handleCorrectExport(ctx, callTool("correct_ingredient_export", map[string]any{"path": path}))
			require.NoError(t, err)
			assert.True(t, result.IsError, path)
			assert.Contains(t, resultText(t, result), "Invalid parameter 'path'", path)
		}
	})

	t.Run("no export directory", func(t *testing.T) {
		_, store := newTestServer(t)
		table, err := rules.Parse([]byte(testRules))
		require.NoError(t, err)
		logger := config.NewTestLogger(io.Discard, "debug")
		server := NewServer(correct.NewEngine(table, logger), store, auth.NewBearerTokenAuth("test-token"), "", logger)

		result, err := server.handleCorrectExport(ctx, callTool("correct_ingredient_export", map[string]any{"path": "meals.json"}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestResolveExportPath(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		path     string
		expected string
		wantErr  bool
	}{
		{"plain file", "meals.json", filepath.Join(dir, "meals.json"), false},
		{"nested file", "2024/05/meals.parquet", filepath.Join(dir, "2024", "05", "meals.parquet"), false},
		{"cleaned inside", "2024/../meals.csv", filepath.Join(dir, "meals.csv"), false},
		{"parent", "../meals.json", "", true},
		{"absolute", "/etc/meals.json", "", true},
		{"url", "s3://bucket/meals.parquet", "", true},
		{"glob", "2024/*.json", "", true},
		{"brace glob", "{a,b}.json", "", true},
		{"empty", "  ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := resolveExportPath(dir, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, resolved)
		})
	}

	t.Run("symlink leaving the directory", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "secret.json")
		require.NoError(t, os.WriteFile(outside, []byte("[]"), 0644))
		require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.json")))

		_, err := resolveExportPath(dir, "link.json")
		assert.Error(t, err)
	})

	t.Run("disabled", func(t *testing.T) {
		_, err := resolveExportPath("", "meals.json")
		assert.ErrorIs(t, err, errExportsDisabled)
	})
}

func TestServer_Handler(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	t.Run("health is open", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("health rejects POST", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("mcp requires token", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/mcp", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("unhealthy store", func(t *testing.T) {
		fresh, freshStore := newTestServer(t)
		freshStore.SetError(errors.New("down"))

		w := httptest.NewRecorder()
		fresh.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

}

func TestServer_ReplaceEngine(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()
	req := callTool("match_rules", map[string]any{"name": "espresso"})

	result, err := server.handleMatchRules(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.StructuredContent.(MatchRulesResponse).Found)

	table, err := rules.Parse([]byte("caffeine_mg_per_serving:\n  espresso: 63\n"))
	require.NoError(t, err)
	server.ReplaceEngine(correct.NewEngine(table, config.NewTestLogger(io.Discard, "debug")))

	result, err = server.handleMatchRules(ctx, req)
	require.NoError(t, err)
	response := result.StructuredContent.(MatchRulesResponse)
	require.True(t, response.Found)
	assert.Equal(t, 63.0, response.Matches[0].Value)
}
