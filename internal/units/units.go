// Package units holds the single unit taxonomy used to scale per-serving rule
// values to a logged portion.
package units

import "strings"

// Kind groups unit spellings that scale the same way
type Kind int

const (
	KindOther Kind = iota
	KindServing
	KindOunce
	KindShot
	KindGram
	KindMilliliter
)

// A serving is one beverage cup: 8 fl oz, roughly 240 g or 240 ml
const (
	OuncesPerServing      = 8.0
	ShotsServingFraction  = 0.25
	GramsPerServing       = 240.0
	MillilitersPerServing = 240.0
)

var unitTable = map[string]Kind{
	"cup":      KindServing,
	"cups":     KindServing,
	"serving":  KindServing,
	"servings": KindServing,

	"oz":           KindOunce,
	"fl oz":        KindOunce,
	"fluid ounce":  KindOunce,
	"fluid ounces": KindOunce,

	"shot":  KindShot,
	"shots": KindShot,

	"g":     KindGram,
	"gram":  KindGram,
	"grams": KindGram,

	"ml":          KindMilliliter,
	"milliliter":  KindMilliliter,
	"milliliters": KindMilliliter,
}

// Normalize lowercases a unit and collapses internal whitespace
func Normalize(unit string) string {
	return strings.Join(strings.Fields(strings.ToLower(unit)), " ")
}

// Resolve returns the kind of a unit spelling; unknown units are KindOther
func Resolve(unit string) Kind {
	return unitTable[Normalize(unit)]
}

// IsOunce reports whether unit is an ounce based unit (oz, fl oz)
func IsOunce(unit string) bool {
	return Resolve(unit) == KindOunce
}

// ServingsFromQuantityUnit converts a logged portion into a count of standard
// servings. Unknown units fall back to quantity, which is assumed to already be
// expressed in servings. Grams are treated as a beverage weight, which is lossy
// for solid foods.
func ServingsFromQuantityUnit(quantity float64, unit string) float64 {
	switch Resolve(unit) {
	case KindServing:
		return quantity
	case KindOunce:
		return quantity / OuncesPerServing
	case KindShot:
		return quantity * ShotsServingFraction
	case KindGram:
		return quantity / GramsPerServing
	case KindMilliliter:
		return quantity / MillilitersPerServing
	default:
		return quantity
	}
}
