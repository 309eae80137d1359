package query

import (
	"context"
	"log/slog"
	"os"

	"github.com/noot-app/nutricorrect/internal/types"
)

// IngredientStore reads ingredient batches from meal log exports
type IngredientStore interface {
	LoadIngredients(ctx context.Context, source string, limit int) ([]types.Ingredient, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewIngredientStore creates a new ingredient store
// Uses mock store if INGREDIENT_STORE_MOCK environment variable is set
func NewIngredientStore(logger *slog.Logger) (IngredientStore, error) {
	if os.Getenv("INGREDIENT_STORE_MOCK") == "true" {
		return NewMockStore(logger), nil
	}
	return NewEngine(logger)
}
