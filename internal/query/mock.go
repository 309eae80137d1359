package query

import (
	"context"
	"log/slog"

	"github.com/noot-app/nutricorrect/internal/types"
)

// MockStore is a mock implementation for testing
type MockStore struct {
	ingredients []types.Ingredient
	err         error
	log         *slog.Logger
}

// NewMockStore creates a new mock store seeded with a small breakfast log
func NewMockStore(logger *slog.Logger) *MockStore {
	return &MockStore{
		log: logger,
		ingredients: []types.Ingredient{
			{
				Name:      "green tea",
				Quantity:  1,
				Unit:      "cup",
				Nutrition: []types.Nutrient{},
			},
			{
				Name:     "sparkling water",
				Quantity: 12,
				Unit:     "fl oz",
				Nutrition: []types.Nutrient{
					{NutrientName: "Energy", UnitName: "KCAL", Value: 40},
				},
			},
			{
				Name:     "oatmeal",
				Quantity: 1,
				Unit:     "cup",
				Nutrition: []types.Nutrient{
					{NutrientName: "Energy", UnitName: "KCAL", Value: 166},
					{NutrientName: "Fiber, total dietary", UnitName: "G", Value: 4},
				},
			},
		},
	}
}

// LoadIngredients returns the seeded ingredients regardless of source
func (m *MockStore) LoadIngredients(ctx context.Context, source string, limit int) ([]types.Ingredient, error) {
	if m.err != nil {
		return nil, m.err
	}

	if limit <= 0 || limit > len(m.ingredients) {
		limit = len(m.ingredients)
	}
	out := make([]types.Ingredient, limit)
	copy(out, m.ingredients[:limit])
	return out, nil
}

// HealthCheck returns the configured error, if any
func (m *MockStore) HealthCheck(ctx context.Context) error {
	return m.err
}

// Close closes the mock store (no-op)
func (m *MockStore) Close() error {
	return nil
}

// SetError sets an error to be returned by the mock
func (m *MockStore) SetError(err error) {
	m.err = err
}

// SetIngredients sets the ingredients to be returned by the mock
func (m *MockStore) SetIngredients(ingredients []types.Ingredient) {
	m.ingredients = ingredients
}
