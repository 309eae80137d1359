package types

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Nutrient is a single entry of an ingredient's nutrition facts array
type Nutrient struct {
	NutrientName string  `json:"nutrientName"`
	UnitName     string  `json:"unitName,omitempty"`
	Value        float64 `json:"value"`
}

// Ingredient is a single food, drink or supplement entry within a logged meal
type Ingredient struct {
	Name      string     `json:"name"`
	Quantity  float64    `json:"quantity"`
	Unit      string     `json:"unit"`
	Nutrition []Nutrient `json:"nutrition"`
}

// rawIngredient mirrors Ingredient with loosely typed fields so records coming
// out of GPT parsing or old exports can still be decoded
type rawIngredient struct {
	Name      interface{}     `json:"name"`
	Quantity  interface{}     `json:"quantity"`
	Unit      interface{}     `json:"unit"`
	Nutrition json.RawMessage `json:"nutrition"`
}

// UnmarshalJSON decodes an ingredient tolerantly.
// A nutrition value that is not a list of objects decodes as no nutrition data,
// non-object entries are skipped and numeric strings are accepted for numbers.
// A missing quantity defaults to 1.
func (i *Ingredient) UnmarshalJSON(data []byte) error {
	var raw rawIngredient
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	i.Name = asString(raw.Name)
	i.Unit = asString(raw.Unit)

	i.Quantity = 1
	if q, ok := asFloat(raw.Quantity); ok {
		i.Quantity = q
	}

	i.Nutrition = ParseNutrition(raw.Nutrition)
	return nil
}

// ParseNutrition decodes a nutrition facts array, dropping anything that is not
// a nutrient object. Malformed input yields an empty slice, never an error.
func ParseNutrition(data []byte) []Nutrient {
	nutrition := []Nutrient{}
	if len(data) == 0 {
		return nutrition
	}

	var entries []interface{}
	if err := json.Unmarshal(data, &entries); err != nil {
		// Some exports store the array as a JSON encoded string
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nutrition
		}
		if err := json.Unmarshal([]byte(encoded), &entries); err != nil {
			return nutrition
		}
	}

	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}

		n := Nutrient{
			NutrientName: asString(firstPresent(m, "nutrientName", "name")),
			UnitName:     asString(firstPresent(m, "unitName", "unit")),
		}
		if v, ok := asFloat(firstPresent(m, "value", "amount")); ok {
			n.Value = v
		}
		if n.NutrientName == "" {
			continue
		}
		nutrition = append(nutrition, n)
	}

	return nutrition
}

// DecodeBatch decodes a JSON array of ingredient records. Records that cannot be
// decoded are skipped and reported by index so one bad record does not abort the batch.
func DecodeBatch(data []byte) ([]Ingredient, map[int]error, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil, err
	}

	ingredients := make([]Ingredient, 0, len(records))
	skipped := make(map[int]error)
	for idx, record := range records {
		var ing Ingredient
		if err := json.Unmarshal(record, &ing); err != nil {
			skipped[idx] = err
			continue
		}
		ingredients = append(ingredients, ing)
	}

	return ingredients, skipped, nil
}

func firstPresent(m map[string]interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, exists := m[key]; exists && v != nil {
			return v
		}
	}
	return nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

// asFloat accepts numbers and numeric strings. NaN and infinities are rejected
// since they cannot be encoded back to JSON.
func asFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
