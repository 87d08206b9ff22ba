package flatten

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/spf13/cast"
)

// MinorPerMajor is the number of minor currency units in one major unit.
const MinorPerMajor = 100

// Number converts a scalar field value to float64. Missing, empty or
// non-numeric values yield 0 and false.
func Number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		s := normalizeSeparators(strings.TrimSpace(t))
		if s == "" {
			return 0, false
		}
		v = s
	case bool:
		return 0, false
	}

	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// normalizeSeparators rewrites a number written with comma separators to
// the dot-decimal form. Comma groups of exactly three digits ("1,234",
// "12,345,678") are thousands; a single other comma ("1,5") is the decimal
// mark. With both marks present the last one is the decimal mark.
func normalizeSeparators(s string) string {
	comma := strings.LastIndex(s, ",")
	if comma < 0 {
		return s
	}
	if dot := strings.LastIndex(s, "."); dot >= 0 {
		if comma > dot {
			return strings.Replace(strings.ReplaceAll(s, ".", ""), ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	}
	if thousandsGrouped(s) {
		return strings.ReplaceAll(s, ",", "")
	}
	if strings.Count(s, ",") == 1 {
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}

func thousandsGrouped(s string) bool {
	groups := strings.Split(strings.TrimLeft(s, "+-"), ",")
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return false
	}
	for i, g := range groups {
		if i > 0 && len(g) != 3 {
			return false
		}
		for _, r := range g {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// Money converts an integer minor-unit amount (12550) to major units (125.50).
func Money(v interface{}) float64 {
	f, _ := Number(v)
	return round2(f / MinorPerMajor)
}

// Quantity converts a quantity field; failures yield 0.
func Quantity(v interface{}) float64 {
	f, _ := Number(v)
	return f
}

// UnitPrice divides total by quantity, returning 0 when quantity is not positive.
func UnitPrice(total, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}
	return round2(total / quantity)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
