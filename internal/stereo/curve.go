package stereo

import "fmt"

// CurvePoint is one sample of the depth-versus-disparity curve.
type CurvePoint struct {
	Disparity float64 `json:"disparity"`
	Depth     float64 `json:"depth"`
}

// DepthCurve samples depth over disparities from the minimum disparity up to
// maxDisparity for an image of the given size. samples must be at least 2.
func (e *Engine) DepthCurve(width, height int, maxDisparity float64, samples int) ([]CurvePoint, error) {
	if samples < 2 {
		return nil, fmt.Errorf("depth curve needs at least 2 samples, got %d", samples)
	}
	minD := e.cfg.MinDisparity
	if !(maxDisparity > minD) {
		return nil, fmt.Errorf("max disparity %v must exceed min disparity %v", maxDisparity, minD)
	}
	in, err := e.Intrinsics(width, height)
	if err != nil {
		return nil, err
	}

	step := (maxDisparity - minD) / float64(samples-1)
	out := make([]CurvePoint, 0, samples)
	for i := 0; i < samples; i++ {
		d := minD + float64(i)*step
		depth, _, err := RecoverDepth(PixelPoint{X: d}, PixelPoint{}, in, e.cfg.Baseline, minD)
		if err != nil {
			return nil, err
		}
		out = append(out, CurvePoint{Disparity: d, Depth: depth})
	}
	return out, nil
}
