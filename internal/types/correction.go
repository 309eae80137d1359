package types

// Correction is a sparse patch for a single ingredient.
// Only the fields that changed are set; callers merge it into stored nutrition data.
type Correction struct {
	Name         string   `json:"name"`
	ZeroCalories *bool    `json:"zero_calories,omitempty"`
	Quantity     *float64 `json:"quantity,omitempty"`
	Unit         *string  `json:"unit,omitempty"`
	ServingSizeG *float64 `json:"serving_size_g,omitempty"`
	CaffeineMg   *float64 `json:"caffeine_mg,omitempty"`
	FiberG       *float64 `json:"fiber_g,omitempty"`
	AddedSugarG  *float64 `json:"added_sugar_g,omitempty"`
}

// IsEmpty reports whether the correction carries nothing beyond the ingredient name
func (c *Correction) IsEmpty() bool {
	return c.ZeroCalories == nil &&
		c.Quantity == nil &&
		c.Unit == nil &&
		c.ServingSizeG == nil &&
		c.CaffeineMg == nil &&
		c.FiberG == nil &&
		c.AddedSugarG == nil
}

// Fields returns the JSON names of the fields set on the correction
func (c *Correction) Fields() []string {
	var fields []string
	if c.ZeroCalories != nil {
		fields = append(fields, "zero_calories")
	}
	if c.Quantity != nil {
		fields = append(fields, "quantity")
	}
	if c.Unit != nil {
		fields = append(fields, "unit")
	}
	if c.ServingSizeG != nil {
		fields = append(fields, "serving_size_g")
	}
	if c.CaffeineMg != nil {
		fields = append(fields, "caffeine_mg")
	}
	if c.FiberG != nil {
		fields = append(fields, "fiber_g")
	}
	if c.AddedSugarG != nil {
		fields = append(fields, "added_sugar_g")
	}
	return fields
}

// Bool returns a pointer to b
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f
func Float(f float64) *float64 { return &f }

// String returns a pointer to s
func String(s string) *string { return &s }
