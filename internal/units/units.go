// Package units provides shared constants and validation for length units
package units

import "strings"

// Unit constants
const (
	MM = "mm"
	CM = "cm"
	M  = "m"
	IN = "in"
	FT = "ft"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MM, CM, M, IN, FT}

// metresPer maps each unit to its length in metres
var metresPer = map[string]float64{
	MM: 0.001,
	CM: 0.01,
	M:  1,
	IN: 0.0254,
	FT: 0.3048,
}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	_, ok := metresPer[unit]
	return ok
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertLength converts a length between units. Unknown units leave the
// value unchanged.
func ConvertLength(v float64, fromUnit, toUnit string) float64 {
	if fromUnit == toUnit {
		return v
	}
	from, ok := metresPer[fromUnit]
	if !ok {
		return v
	}
	to, ok := metresPer[toUnit]
	if !ok {
		return v
	}
	return v * from / to
}
