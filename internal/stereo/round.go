package stereo

import "gonum.org/v1/gonum/floats/scalar"

// Default presentation precision, in decimal places.
const (
	DefaultLengthPrecision    = 4
	DefaultDisparityPrecision = 2
)

// Precision controls how results are rounded for display. Computation always
// uses full precision.
type Precision struct {
	Length    int `json:"length"`
	Disparity int `json:"disparity"`
}

// DefaultPrecision returns 4 places for lengths and 2 for disparity.
func DefaultPrecision() Precision {
	return Precision{Length: DefaultLengthPrecision, Disparity: DefaultDisparityPrecision}
}

// RoundedDepth is a DepthResult prepared for display.
type RoundedDepth struct {
	Depth     float64 `json:"depth"`
	Disparity float64 `json:"disparity"`
}

// RoundedSize is a SizeResult prepared for display.
type RoundedSize struct {
	Size float64 `json:"size"`
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
}

// RoundDepth rounds the depth and disparity of r.
func (p Precision) RoundDepth(r DepthResult) RoundedDepth {
	return RoundedDepth{
		Depth:     scalar.Round(r.Depth, p.Length),
		Disparity: scalar.Round(r.Disparity, p.Disparity),
	}
}

// RoundSize rounds the size and per-axis displacements of r.
func (p Precision) RoundSize(r SizeResult) RoundedSize {
	return RoundedSize{
		Size: scalar.Round(r.Size, p.Length),
		DX:   scalar.Round(r.DX, p.Length),
		DY:   scalar.Round(r.DY, p.Length),
	}
}

// RoundLength rounds a length value.
func (p Precision) RoundLength(v float64) float64 {
	return scalar.Round(v, p.Length)
}
