// Package correct computes deterministic common sense corrections for parsed
// ingredients from a keyword rule table. It never touches storage: corrections
// are advisory and callers decide whether to merge them.
package correct

import (
	"log/slog"
	"math"
	"strings"

	"github.com/noot-app/nutricorrect/internal/rules"
	"github.com/noot-app/nutricorrect/internal/types"
	"github.com/noot-app/nutricorrect/internal/units"
)

// ZeroCalorieThresholdKcal is the noise floor below which a zero-calorie food is
// left alone; trace calories from preparation residue are not flagged.
const ZeroCalorieThresholdKcal = 5.0

const kJPerKcal = 4.184

// Names containing any of these never receive a caffeine estimate,
// so "herbal tea" does not inherit the "tea" rule.
var caffeineExclusions = []string{"decaf", "decaffeinated", "herbal", "peppermint", "chamomile", "rooibos"}

// Nutrient name fragments that mean the value is already present
var (
	caffeineKeywords   = []string{"caffeine"}
	fiberKeywords      = []string{"fiber", "fibre"}
	addedSugarKeywords = []string{"added sugar", "sugars, added", "sugar, added", "added_sugar"}
)

// Engine applies a rule table to ingredient batches.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	rules *rules.Table
	log   *slog.Logger
}

// NewEngine creates an engine over an already loaded rule table
func NewEngine(table *rules.Table, logger *slog.Logger) *Engine {
	if table == nil {
		table = rules.Empty()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		rules: table,
		log:   logger,
	}
}

// Rules returns the rule table the engine was built with
func (e *Engine) Rules() *rules.Table {
	return e.rules
}

// ApplyDeterministicRules returns one correction per ingredient that needs fixing.
// Ingredients are handled independently; those without an applicable rule
// produce nothing.
func (e *Engine) ApplyDeterministicRules(ingredients []types.Ingredient) []types.Correction {
	return e.Run(ingredients).Corrections()
}

// Correct computes the correction for a single ingredient.
// The bool is false when no rule applies.
func (e *Engine) Correct(ing types.Ingredient) (types.Correction, bool) {
	c := types.Correction{Name: ing.Name}
	name := strings.ToLower(ing.Name)
	servings := units.ServingsFromQuantityUnit(ing.Quantity, ing.Unit)

	if _, ok := e.rules.MatchZeroCalorie(name); ok {
		if kcal, found := EnergyKcal(ing.Nutrition); found && kcal > ZeroCalorieThresholdKcal {
			c.ZeroCalories = types.Bool(true)
		}
	}

	if !HasNutrient(ing.Nutrition, caffeineKeywords...) && !containsAny(name, caffeineExclusions) {
		if _, mg, ok := e.rules.Caffeine(name); ok {
			if total, ok := e.scaled(ing.Name, "caffeine_mg", mg, servings); ok {
				c.CaffeineMg = types.Float(total)
			}
		}
	}

	if _, fix, ok := e.rules.Portion(name); ok && portionSuspicious(name, ing.Unit) && finite(fix.Quantity, fix.ServingSizeGrams) {
		c.Quantity = types.Float(fix.Quantity)
		c.Unit = types.String(fix.Unit)
		c.ServingSizeG = types.Float(fix.ServingSizeGrams)
	}

	if !HasNutrient(ing.Nutrition, fiberKeywords...) {
		if _, grams, ok := e.rules.Fiber(name); ok {
			if total, ok := e.scaled(ing.Name, "fiber_g", grams, servings); ok {
				c.FiberG = types.Float(total)
			}
		}
	}

	if !HasNutrient(ing.Nutrition, addedSugarKeywords...) {
		if _, grams, ok := e.rules.AddedSugar(name); ok {
			if total, ok := e.scaled(ing.Name, "added_sugar_g", grams, servings); ok {
				c.AddedSugarG = types.Float(total)
			}
		}
	}

	if c.IsEmpty() {
		return c, false
	}
	return c, true
}

// scaled multiplies a per-serving amount by the serving count. Totals that are
// not positive or not finite produce no correction.
func (e *Engine) scaled(name, field string, perServing, servings float64) (float64, bool) {
	total := round1(perServing * servings)
	if !finite(total) {
		e.log.Warn("Dropping non-finite correction",
			"name", name,
			"field", field,
			"per_serving", perServing,
			"servings", servings)
		return 0, false
	}
	return total, total > 0
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// portionSuspicious gates portion fixes. Only matcha logged in ounces is
// rewritten; any other portion is assumed to be what the user meant.
func portionSuspicious(name, unit string) bool {
	return strings.Contains(name, "matcha") && units.IsOunce(unit)
}

// EnergyKcal returns the ingredient's current energy in kcal.
// The first nutrient whose name contains "energy" or equals "calories" is used;
// kJ values are converted.
func EnergyKcal(nutrition []types.Nutrient) (float64, bool) {
	for _, n := range nutrition {
		name := strings.ToLower(strings.TrimSpace(n.NutrientName))
		if !strings.Contains(name, "energy") && name != "calories" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(n.UnitName), "kj") {
			return n.Value / kJPerKcal, true
		}
		return n.Value, true
	}
	return 0, false
}

// HasNutrient reports whether any nutrient name contains one of the keywords
func HasNutrient(nutrition []types.Nutrient, keywords ...string) bool {
	for _, n := range nutrition {
		if containsAny(strings.ToLower(n.NutrientName), keywords) {
			return true
		}
	}
	return false
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
