// Package rules holds the keyword rule table used to correct parsed ingredient
// nutrition facts. A Table is built once by the caller and is read-only afterwards,
// so it can be shared between goroutines without locking.
package rules

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Section names, as they appear in the rule file
const (
	SectionZeroCalorie = "zero_calorie"
	SectionCaffeine    = "caffeine_mg_per_serving"
	SectionPortion     = "portion_fixes"
	SectionFiber       = "fiber_g_per_serving"
	SectionAddedSugar  = "added_sugar_g_per_serving"
)

// PortionFix is the portion override applied to a matching ingredient
type PortionFix struct {
	Quantity         float64 `yaml:"quantity" json:"quantity"`
	Unit             string  `yaml:"unit" json:"unit"`
	ServingSizeGrams float64 `yaml:"serving_size_grams" json:"serving_size_grams"`
}

// ZeroCalorie lists the name fragments of foods that carry no calories
type ZeroCalorie struct {
	Patterns []string `yaml:"patterns"`
}

// Definition is the on-disk shape of a rule file
type Definition struct {
	ZeroCalorie           ZeroCalorie           `yaml:"zero_calorie"`
	CaffeineMgPerServing  map[string]float64    `yaml:"caffeine_mg_per_serving"`
	PortionFixes          map[string]PortionFix `yaml:"portion_fixes"`
	FiberGPerServing      map[string]float64    `yaml:"fiber_g_per_serving"`
	AddedSugarGPerServing map[string]float64    `yaml:"added_sugar_g_per_serving"`
}

// Table is an immutable, normalized rule table.
// Keys are lowercased and kept in match precedence order.
type Table struct {
	zeroCalorie []string

	caffeine     map[string]float64
	caffeineKeys []string

	portion     map[string]PortionFix
	portionKeys []string

	fiber     map[string]float64
	fiberKeys []string

	addedSugar     map[string]float64
	addedSugarKeys []string
}

// Match describes which pattern of a section matched an ingredient name
type Match struct {
	Section string      `json:"section"`
	Pattern string      `json:"pattern"`
	Value   interface{} `json:"value,omitempty"`
}

// Empty returns a table without rules; every lookup misses
func Empty() *Table {
	return New(Definition{})
}

// New builds a table from a rule definition
func New(def Definition) *Table {
	t := &Table{}

	seen := make(map[string]bool)
	for _, p := range def.ZeroCalorie.Patterns {
		key := normalizeKey(p)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		t.zeroCalorie = append(t.zeroCalorie, key)
	}
	sortByPrecedence(t.zeroCalorie)

	t.caffeine, t.caffeineKeys = normalizeValues(def.CaffeineMgPerServing)
	t.fiber, t.fiberKeys = normalizeValues(def.FiberGPerServing)
	t.addedSugar, t.addedSugarKeys = normalizeValues(def.AddedSugarGPerServing)

	t.portion = make(map[string]PortionFix, len(def.PortionFixes))
	for _, raw := range sortedKeys(def.PortionFixes) {
		key := normalizeKey(raw)
		if key == "" {
			continue
		}
		if _, exists := t.portion[key]; exists {
			continue
		}
		t.portion[key] = def.PortionFixes[raw]
		t.portionKeys = append(t.portionKeys, key)
	}
	sortByPrecedence(t.portionKeys)

	return t
}

// IsEmpty reports whether the table has no rules at all
func (t *Table) IsEmpty() bool {
	return len(t.zeroCalorie) == 0 &&
		len(t.caffeineKeys) == 0 &&
		len(t.portionKeys) == 0 &&
		len(t.fiberKeys) == 0 &&
		len(t.addedSugarKeys) == 0
}

// Counts returns the number of rules per section
func (t *Table) Counts() map[string]int {
	return map[string]int{
		SectionZeroCalorie: len(t.zeroCalorie),
		SectionCaffeine:    len(t.caffeineKeys),
		SectionPortion:     len(t.portionKeys),
		SectionFiber:       len(t.fiberKeys),
		SectionAddedSugar:  len(t.addedSugarKeys),
	}
}

// MatchZeroCalorie returns the zero-calorie pattern matching name
func (t *Table) MatchZeroCalorie(name string) (string, bool) {
	return BestMatch(name, t.zeroCalorie)
}

// Caffeine returns the caffeine rule matching name in mg per serving
func (t *Table) Caffeine(name string) (string, float64, bool) {
	return lookupValue(name, t.caffeineKeys, t.caffeine)
}

// Fiber returns the fiber rule matching name in grams per serving
func (t *Table) Fiber(name string) (string, float64, bool) {
	return lookupValue(name, t.fiberKeys, t.fiber)
}

// AddedSugar returns the added sugar rule matching name in grams per serving
func (t *Table) AddedSugar(name string) (string, float64, bool) {
	return lookupValue(name, t.addedSugarKeys, t.addedSugar)
}

// Portion returns the portion fix matching name
func (t *Table) Portion(name string) (string, PortionFix, bool) {
	key, ok := BestMatch(name, t.portionKeys)
	if !ok {
		return "", PortionFix{}, false
	}
	return key, t.portion[key], true
}

// Explain lists the winning pattern of every section that matches name
func (t *Table) Explain(name string) []Match {
	var matches []Match

	if p, ok := t.MatchZeroCalorie(name); ok {
		matches = append(matches, Match{Section: SectionZeroCalorie, Pattern: p})
	}
	if p, v, ok := t.Caffeine(name); ok {
		matches = append(matches, Match{Section: SectionCaffeine, Pattern: p, Value: v})
	}
	if p, v, ok := t.Portion(name); ok {
		matches = append(matches, Match{Section: SectionPortion, Pattern: p, Value: v})
	}
	if p, v, ok := t.Fiber(name); ok {
		matches = append(matches, Match{Section: SectionFiber, Pattern: p, Value: v})
	}
	if p, v, ok := t.AddedSugar(name); ok {
		matches = append(matches, Match{Section: SectionAddedSugar, Pattern: p, Value: v})
	}

	return matches
}

// BestMatch returns the pattern contained in name, ignoring case.
// When several patterns match, the longest wins since it is the most specific
// ("black bean" over "bean"); equal lengths resolve to the lexically smallest.
func BestMatch(name string, patterns []string) (string, bool) {
	lowered := strings.ToLower(name)

	best := ""
	bestLen := 0
	found := false
	for _, p := range patterns {
		key := strings.ToLower(p)
		if key == "" || !strings.Contains(lowered, key) {
			continue
		}
		n := utf8.RuneCountInString(key)
		if !found || n > bestLen || (n == bestLen && key < best) {
			best, bestLen, found = key, n, true
		}
	}

	return best, found
}

func lookupValue(name string, keys []string, values map[string]float64) (string, float64, bool) {
	key, ok := BestMatch(name, keys)
	if !ok {
		return "", 0, false
	}
	return key, values[key], true
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func normalizeValues(in map[string]float64) (map[string]float64, []string) {
	out := make(map[string]float64, len(in))
	var keys []string
	for _, raw := range sortedKeys(in) {
		key := normalizeKey(raw)
		if key == "" {
			continue
		}
		if _, exists := out[key]; exists {
			continue
		}
		out[key] = in[raw]
		keys = append(keys, key)
	}
	sortByPrecedence(keys)
	return out, keys
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortByPrecedence orders keys longest first, then lexically
func sortByPrecedence(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(keys[i]), utf8.RuneCountInString(keys[j])
		if li != lj {
			return li > lj
		}
		return keys[i] < keys[j]
	})
}
