package correct

import (
	"strings"

	"github.com/noot-app/nutricorrect/internal/types"
)

// Nutrient entries written by Merge, named the way USDA reports them
const (
	CaffeineNutrient   = "Caffeine"
	FiberNutrient      = "Fiber, total dietary"
	AddedSugarNutrient = "Sugars, added"
)

// Merge applies a correction to a copy of the ingredient.
// Zero-calorie corrections zero every energy entry, nutrient estimates are
// upserted and portion fixes replace quantity and unit.
func Merge(ing types.Ingredient, c types.Correction) types.Ingredient {
	out := ing
	out.Nutrition = append([]types.Nutrient(nil), ing.Nutrition...)

	if c.ZeroCalories != nil && *c.ZeroCalories {
		for i, n := range out.Nutrition {
			name := strings.ToLower(n.NutrientName)
			if strings.Contains(name, "energy") || name == "calories" {
				out.Nutrition[i].Value = 0
			}
		}
	}

	if c.Quantity != nil {
		out.Quantity = *c.Quantity
	}
	if c.Unit != nil {
		out.Unit = *c.Unit
	}

	if c.CaffeineMg != nil {
		out.Nutrition = upsert(out.Nutrition, types.Nutrient{NutrientName: CaffeineNutrient, UnitName: "MG", Value: *c.CaffeineMg}, caffeineKeywords)
	}
	if c.FiberG != nil {
		out.Nutrition = upsert(out.Nutrition, types.Nutrient{NutrientName: FiberNutrient, UnitName: "G", Value: *c.FiberG}, fiberKeywords)
	}
	if c.AddedSugarG != nil {
		out.Nutrition = upsert(out.Nutrition, types.Nutrient{NutrientName: AddedSugarNutrient, UnitName: "G", Value: *c.AddedSugarG}, addedSugarKeywords)
	}

	return out
}

// MergeAll applies the corrections of a report to the batch it was computed from
func MergeAll(ingredients []types.Ingredient, report *Report) []types.Ingredient {
	merged := make([]types.Ingredient, len(ingredients))
	copy(merged, ingredients)
	for _, r := range report.Results {
		if r.Index < 0 || r.Index >= len(merged) {
			continue
		}
		merged[r.Index] = Merge(merged[r.Index], r.Correction)
	}
	return merged
}

func upsert(nutrition []types.Nutrient, entry types.Nutrient, keywords []string) []types.Nutrient {
	for i, n := range nutrition {
		if containsAny(strings.ToLower(n.NutrientName), keywords) {
			nutrition[i] = entry
			return nutrition
		}
	}
	return append(nutrition, entry)
}
