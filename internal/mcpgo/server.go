package mcpgo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/noot-app/nutricorrect/internal/auth"
	"github.com/noot-app/nutricorrect/internal/correct"
	"github.com/noot-app/nutricorrect/internal/query"
	"github.com/noot-app/nutricorrect/internal/rules"
	"github.com/noot-app/nutricorrect/internal/types"
	"github.com/noot-app/nutricorrect/internal/units"
	"github.com/noot-app/nutricorrect/internal/version"
)

const (
	healthCacheDuration = 10 * time.Second
	defaultExportLimit  = 500
	maxExportLimit      = 5000
)

// responseRecorder wraps http.ResponseWriter to capture response details
type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int
	headerWritten bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.headerWritten {
		return
	}
	r.statusCode = code
	r.headerWritten = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if !r.headerWritten {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

// Server exposes the correction engine as MCP tools
type Server struct {
	mcpServer *server.MCPServer
	engine    atomic.Pointer[correct.Engine]
	store     query.IngredientStore
	auth      *auth.BearerTokenAuth
	log       *slog.Logger

	// exportDir confines correct_ingredient_export; paths are resolved inside it
	exportDir string

	// Health check caching to prevent DOS attacks
	healthMu        sync.RWMutex
	lastHealthCheck time.Time
	lastHealthError error
}

// ApplyRulesResponse is the result of apply_deterministic_rules
type ApplyRulesResponse struct {
	BatchID     string             `json:"batch_id"`
	Count       int                `json:"count"`
	Skipped     int                `json:"skipped"`
	Corrections []types.Correction `json:"corrections"`
}

// ServingsResponse is the result of servings_from_quantity_unit
type ServingsResponse struct {
	Quantity       float64 `json:"quantity"`
	Unit           string  `json:"unit"`
	NormalizedUnit string  `json:"normalized_unit"`
	Servings       float64 `json:"servings"`
}

// MatchRulesResponse is the result of match_rules
type MatchRulesResponse struct {
	Name    string        `json:"name"`
	Found   bool          `json:"found"`
	Matches []rules.Match `json:"matches"`
}

// CorrectExportResponse is the result of correct_ingredient_export
type CorrectExportResponse struct {
	Source      string             `json:"source"`
	BatchID     string             `json:"batch_id"`
	Inspected   int                `json:"inspected"`
	Corrected   int                `json:"corrected"`
	Skipped     int                `json:"skipped"`
	Results     []correct.Result   `json:"results"`
	Ingredients []types.Ingredient `json:"ingredients,omitempty"`
}

// NewServer creates a new MCP server with the mark3labs SDK
func NewServer(engine *correct.Engine, store query.IngredientStore, authenticator *auth.BearerTokenAuth, exportDir string, logger *slog.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"NutriCorrect MCP Server",
		version.Short(),
		server.WithToolCapabilities(false), // Tools don't change dynamically
		server.WithRecovery(),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		store:     store,
		auth:      authenticator,
		log:       logger,
		exportDir: exportDir,
	}
	s.engine.Store(engine)

	s.addTools()

	return s
}

// ReplaceEngine swaps the engine used by subsequent tool calls; in-flight calls
// finish with the engine they started with
func (s *Server) ReplaceEngine(engine *correct.Engine) {
	s.engine.Store(engine)
	s.log.Info("Correction engine replaced", "rules", engine.Rules().Counts())
}

// checkHealthWithCache checks health with 10-second caching to prevent DOS attacks
func (s *Server) checkHealthWithCache(ctx context.Context) error {
	s.healthMu.RLock()
	if time.Since(s.lastHealthCheck) < healthCacheDuration {
		err := s.lastHealthError
		s.healthMu.RUnlock()
		s.log.Debug("Health check: using cached result",
			"cached_error", err != nil,
			"cache_age", time.Since(s.lastHealthCheck))
		return err
	}
	s.healthMu.RUnlock()

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	// Another goroutine may have refreshed it while we waited
	if time.Since(s.lastHealthCheck) < healthCacheDuration {
		return s.lastHealthError
	}

	s.log.Debug("Health check: performing store check")
	err := s.store.HealthCheck(ctx)
	s.lastHealthCheck = time.Now()
	s.lastHealthError = err

	return err
}

func (s *Server) addTools() {
	applyTool := mcp.NewTool("apply_deterministic_rules",
		mcp.WithDescription("Apply the common-sense nutrition rules to a batch of ingredients and return only the corrections that are needed. "+
			"Each ingredient has a name, a quantity, a unit and a nutrition list of {nutrientName, unitName, value}."),
		mcp.WithArray("ingredients",
			mcp.Required(),
			mcp.Description("Ingredients to check, in meal order"),
			mcp.Items(map[string]any{"type": "object"}),
		),
		mcp.WithOutputSchema[ApplyRulesResponse](),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.mcpServer.AddTool(applyTool, s.handleApplyRules)

	servingsTool := mcp.NewTool("servings_from_quantity_unit",
		mcp.WithDescription("Convert a quantity and unit (cup, fl oz, shot, g, ml, serving) into a number of servings"),
		mcp.WithNumber("quantity",
			mcp.Required(),
			mcp.Description("Amount in the given unit"),
		),
		mcp.WithString("unit",
			mcp.Description("Unit of the quantity. Unknown units count as servings."),
		),
		mcp.WithOutputSchema[ServingsResponse](),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.mcpServer.AddTool(servingsTool, s.handleServings)

	matchTool := mcp.NewTool("match_rules",
		mcp.WithDescription("Show which rule patterns match an ingredient name in each rule section"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.MinLength(1),
			mcp.Description("Ingredient name to look up"),
		),
		mcp.WithOutputSchema[MatchRulesResponse](),
		mcp.WithIdempotentHintAnnotation(true),
	)
	s.mcpServer.AddTool(matchTool, s.handleMatchRules)

	exportTool := mcp.NewTool("correct_ingredient_export",
		mcp.WithDescription("Read an ingredient export file (JSON, Parquet or CSV) from the server's export directory and apply the rules to it"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.MinLength(1),
			mcp.Description("Path of the export file, relative to the export directory"),
		),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum number of ingredients to read (default: %d, max: %d)", defaultExportLimit, maxExportLimit)),
			mcp.DefaultNumber(defaultExportLimit),
			mcp.Min(1),
			mcp.Max(maxExportLimit),
		),
		mcp.WithBoolean("merge",
			mcp.Description("Also return the ingredients with the corrections applied"),
			mcp.DefaultBool(false),
		),
		mcp.WithOutputSchema[CorrectExportResponse](),
		mcp.WithReadOnlyHintAnnotation(true),
	)
	s.mcpServer.AddTool(exportTool, s.handleCorrectExport)
}

func (s *Server) handleApplyRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.log.Debug("handleApplyRules: Starting tool call")

	raw, ok := request.GetArguments()["ingredients"]
	if !ok || raw == nil {
		s.log.Warn("handleApplyRules: Missing 'ingredients' parameter")
		return mcp.NewToolResultError("Missing required parameter 'ingredients'"), nil
	}

	ingredients, skipped, err := decodeIngredients(raw)
	if err != nil {
		s.log.Warn("handleApplyRules: Invalid 'ingredients' parameter", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Parameter 'ingredients' must be a list of ingredients: %v", err)), nil
	}
	for idx, decodeErr := range skipped {
		s.log.Warn("handleApplyRules: Skipping undecodable ingredient", "index", idx, "error", decodeErr)
	}

	report := s.engine.Load().Run(ingredients)

	response := ApplyRulesResponse{
		BatchID:     report.BatchID,
		Count:       report.Corrected,
		Skipped:     report.Skipped + len(skipped),
		Corrections: report.Corrections(),
	}

	s.log.Info("apply_deterministic_rules completed",
		"batch_id", response.BatchID,
		"ingredients", len(ingredients),
		"corrections", response.Count,
		"skipped", response.Skipped,
		"duration", report.Duration)

	return structuredResult(s.log, "handleApplyRules", response)
}

func (s *Server) handleServings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.log.Debug("handleServings: Starting tool call", "arguments", request.GetArguments())

	quantity, err := request.RequireFloat("quantity")
	if err != nil {
		s.log.Warn("handleServings: Missing 'quantity' parameter", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'quantity': %v", err)), nil
	}
	unit := request.GetString("unit", "")

	response := ServingsResponse{
		Quantity:       quantity,
		Unit:           unit,
		NormalizedUnit: units.Normalize(unit),
		Servings:       units.ServingsFromQuantityUnit(quantity, unit),
	}

	return structuredResult(s.log, "handleServings", response)
}

func (s *Server) handleMatchRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.log.Debug("handleMatchRules: Starting tool call", "arguments", request.GetArguments())

	name, err := request.RequireString("name")
	if err != nil {
		s.log.Warn("handleMatchRules: Missing 'name' parameter", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'name': %v", err)), nil
	}
	if len(name) < 1 {
		return mcp.NewToolResultError("Parameter 'name' must be at least 1 character long"), nil
	}

	matches := s.engine.Load().Rules().Explain(name)
	if matches == nil {
		matches = []rules.Match{}
	}
	response := MatchRulesResponse{
		Name:    name,
		Found:   len(matches) > 0,
		Matches: matches,
	}

	return structuredResult(s.log, "handleMatchRules", response)
}

func (s *Server) handleCorrectExport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.log.Debug("handleCorrectExport: Starting tool call", "arguments", request.GetArguments())

	path, err := request.RequireString("path")
	if err != nil {
		s.log.Warn("handleCorrectExport: Missing 'path' parameter", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Missing required parameter 'path': %v", err)), nil
	}
	if len(path) < 1 {
		return mcp.NewToolResultError("Parameter 'path' must be at least 1 character long"), nil
	}

	limit := int(request.GetFloat("limit", defaultExportLimit))
	if limit <= 0 {
		limit = defaultExportLimit
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}
	merge := request.GetBool("merge", false)

	resolved, err := resolveExportPath(s.exportDir, path)
	if err != nil {
		s.log.Warn("handleCorrectExport: Rejected export path", "path", path, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Invalid parameter 'path': %v", err)), nil
	}

	ingredients, err := s.store.LoadIngredients(ctx, resolved, limit)
	if err != nil {
		s.log.Error("Ingredient export load failed", "error", err, "path", path)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read export: %v", err)), nil
	}

	report := s.engine.Load().Run(ingredients)

	response := CorrectExportResponse{
		Source:    path,
		BatchID:   report.BatchID,
		Inspected: report.Inspected,
		Corrected: report.Corrected,
		Skipped:   report.Skipped,
		Results:   report.Results,
	}
	if merge {
		response.Ingredients = correct.MergeAll(ingredients, report)
	}

	s.log.Info("correct_ingredient_export completed",
		"batch_id", report.BatchID,
		"path", path,
		"inspected", report.Inspected,
		"corrected", report.Corrected,
		"duration", report.Duration)

	return structuredResult(s.log, "handleCorrectExport", response)
}

// decodeIngredients accepts the tool argument either as a list or as a JSON string
func decodeIngredients(raw interface{}) ([]types.Ingredient, map[int]error, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, nil, err
		}
		data = encoded
	default:
		return nil, nil, fmt.Errorf("unexpected type %T", raw)
	}

	return types.DecodeBatch(data)
}

// structuredResult returns both structured content and a text fallback
func structuredResult(logger *slog.Logger, handler string, response interface{}) (*mcp.CallToolResult, error) {
	responseJSON, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		logger.Error(handler+": Failed to marshal response", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal response: %v", err)), nil
	}

	logger.Debug(handler+": Returning structured result", "response_size", len(responseJSON))
	return mcp.NewToolResultStructured(response, string(responseJSON)), nil
}

// Handler builds the HTTP routes: an open /health and a token-protected /mcp
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := s.checkHealthWithCache(r.Context()); err != nil {
			s.log.Error("Health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"version": version.Short(),
			"rules":   s.engine.Load().Rules().Counts(),
		})
	})

	streamableServer := server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)

	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovery := recover(); recovery != nil {
				s.log.Error("MCP endpoint panic recovered",
					"panic", recovery,
					"method", r.Method,
					"url", r.URL.String(),
					"remote_addr", r.RemoteAddr)
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("Internal Server Error"))
			}
		}()

		s.log.Debug("MCP request received",
			"method", r.Method,
			"content_length", r.ContentLength,
			"remote_addr", r.RemoteAddr)

		recorder := &responseRecorder{ResponseWriter: w}
		streamableServer.ServeHTTP(recorder, r)

		s.log.Debug("MCP response sent",
			"status_code", recorder.statusCode,
			"response_size", recorder.bytesWritten)
	})

	mux.Handle("/mcp", s.logRejected(s.auth.Middleware(mcpHandler)))

	return mux
}

// logRejected logs requests the auth middleware turned away
func (s *Server) logRejected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		if recorder.statusCode == http.StatusUnauthorized {
			s.log.Warn("Unauthorized MCP request", "remote_addr", r.RemoteAddr, "user_agent", r.UserAgent())
		}
	})
}

// ServeHTTP serves the MCP server over HTTP with authentication
func (s *Server) ServeHTTP(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("Starting MCP server", "addr", addr, "version", version.Short())
	return srv.ListenAndServe()
}

// ServeStdio serves the MCP server over stdio (no auth required for local use)
func (s *Server) ServeStdio() error {
	s.log.Info("Starting MCP server in stdio mode", "version", version.Short())
	return server.ServeStdio(s.mcpServer)
}
