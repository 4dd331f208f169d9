package stereo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/depth.report/internal/monitoring"
)

// DefaultMinDisparity is the smallest horizontal offset, in pixels, between
// two clicks that is accepted for depth recovery.
const DefaultMinDisparity = 1.0

// PixelPoint is an image coordinate in pixels. Coordinates may be fractional.
type PixelPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StereoQuery is a pair of corresponding clicks in the left and right images.
type StereoQuery struct {
	Left        PixelPoint
	Right       PixelPoint
	ImageWidth  int
	ImageHeight int
}

// SizeQuery is a pair of clicks in one image, measured at a known depth.
// Both points are assumed to lie on the same fronto-parallel plane.
type SizeQuery struct {
	P1          PixelPoint
	P2          PixelPoint
	Depth       float64
	ImageWidth  int
	ImageHeight int
}

// DepthResult is the outcome of a depth recovery. Depth is in baseline units.
type DepthResult struct {
	Disparity  float64          `json:"disparity"`
	Depth      float64          `json:"depth"`
	Intrinsics CameraIntrinsics `json:"intrinsics"`
}

// SizeResult is the planar distance between two back-projected points.
// DX and DY are absolute per-axis displacements.
type SizeResult struct {
	Size float64   `json:"size"`
	DX   float64   `json:"dx"`
	DY   float64   `json:"dy"`
	P1   r3.Vector `json:"p1"`
	P2   r3.Vector `json:"p2"`
	// Intrinsics are the scaled intrinsics the points were back-projected with.
	Intrinsics CameraIntrinsics `json:"intrinsics"`
}

// Config is the fixed calibration an Engine computes against.
type Config struct {
	Reference ReferenceCalibration
	// Baseline is the distance the camera moved between the two images.
	// Depths and sizes come out in the same unit.
	Baseline float64
	// MinDisparity defaults to DefaultMinDisparity when zero.
	MinDisparity float64
}

// Validate checks the calibration and baseline.
func (c Config) Validate() error {
	if err := c.Reference.CheckValid(); err != nil {
		return err
	}
	if !(c.Baseline > 0) || math.IsInf(c.Baseline, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidBaseline, c.Baseline)
	}
	if c.MinDisparity < 0 || math.IsNaN(c.MinDisparity) || math.IsInf(c.MinDisparity, 0) {
		return fmt.Errorf("min disparity must be non-negative, got %v", c.MinDisparity)
	}
	return nil
}

// Engine performs depth and size recovery against a fixed Config. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an Engine for it.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stereo config: %w", err)
	}
	if cfg.MinDisparity == 0 {
		cfg.MinDisparity = DefaultMinDisparity
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// Intrinsics returns the reference intrinsics scaled to width x height.
func (e *Engine) Intrinsics(width, height int) (CameraIntrinsics, error) {
	return ScaleIntrinsics(e.cfg.Reference, width, height)
}

// RecoverDepth computes the depth of the point clicked in both images.
func (e *Engine) RecoverDepth(q StereoQuery) (DepthResult, error) {
	in, err := e.Intrinsics(q.ImageWidth, q.ImageHeight)
	if err != nil {
		return DepthResult{}, err
	}
	depth, disparity, err := RecoverDepth(q.Left, q.Right, in, e.cfg.Baseline, e.cfg.MinDisparity)
	if err != nil {
		return DepthResult{Disparity: disparity, Intrinsics: in}, err
	}
	monitoring.Debugf("stereo: disparity=%.2f px | depth=%.2f", disparity, depth)
	return DepthResult{Disparity: disparity, Depth: depth, Intrinsics: in}, nil
}

// RecoverSize computes the planar distance between two clicks at q.Depth.
func (e *Engine) RecoverSize(q SizeQuery) (SizeResult, error) {
	in, err := e.Intrinsics(q.ImageWidth, q.ImageHeight)
	if err != nil {
		return SizeResult{}, err
	}
	res, err := RecoverSize(q.P1, q.P2, q.Depth, in)
	if err != nil {
		return SizeResult{}, err
	}
	res.Intrinsics = in
	monitoring.Debugf("stereo: size=%.4f (dX=%.4f dY=%.4f) at depth %.4f", res.Size, res.DX, res.DY, q.Depth)
	return res, nil
}

// Measure recovers the depth from q and then the distance between p1 and p2
// in the left image at that depth.
func (e *Engine) Measure(q StereoQuery, p1, p2 PixelPoint) (DepthResult, SizeResult, error) {
	d, err := e.RecoverDepth(q)
	if err != nil {
		return d, SizeResult{}, err
	}
	s, err := e.RecoverSize(SizeQuery{
		P1:          p1,
		P2:          p2,
		Depth:       d.Depth,
		ImageWidth:  q.ImageWidth,
		ImageHeight: q.ImageHeight,
	})
	return d, s, err
}

// RecoverDepth computes depth = fx * baseline / |left.X - right.X|. Vertical
// offset between the clicks is ignored. The returned disparity is set even
// when the disparity is rejected.
func RecoverDepth(left, right PixelPoint, in CameraIntrinsics, baseline, minDisparity float64) (depth, disparity float64, err error) {
	if err := in.CheckValid(); err != nil {
		return 0, 0, err
	}
	if !(baseline > 0) || math.IsInf(baseline, 0) {
		return 0, 0, fmt.Errorf("%w: got %v", ErrInvalidBaseline, baseline)
	}
	if minDisparity <= 0 {
		minDisparity = DefaultMinDisparity
	}
	if err := checkPoints(left, right); err != nil {
		return 0, 0, err
	}

	disparity = math.Abs(left.X - right.X)
	if math.IsInf(disparity, 0) {
		return 0, 0, fmt.Errorf("%w: disparity overflows (left x=%v, right x=%v)", ErrInvalidPoint, left.X, right.X)
	}
	if !(disparity >= minDisparity) {
		return 0, disparity, &DisparityError{Disparity: disparity, Min: minDisparity}
	}
	return in.Fx * baseline / disparity, disparity, nil
}

// RecoverSize back-projects p1 and p2 to depth and returns the Euclidean
// distance between them in the X-Y plane.
func RecoverSize(p1, p2 PixelPoint, depth float64, in CameraIntrinsics) (SizeResult, error) {
	if !(depth > 0) || math.IsInf(depth, 0) {
		return SizeResult{}, fmt.Errorf("%w: got %v", ErrInvalidDepth, depth)
	}
	if err := in.CheckValid(); err != nil {
		return SizeResult{}, err
	}
	if err := checkPoints(p1, p2); err != nil {
		return SizeResult{}, err
	}

	a := in.PixelToPoint(p1.X, p1.Y, depth)
	b := in.PixelToPoint(p2.X, p2.Y, depth)
	dx := b.X - a.X
	dy := b.Y - a.Y
	size := math.Hypot(dx, dy)
	if math.IsInf(size, 0) || math.IsNaN(size) {
		return SizeResult{}, fmt.Errorf("%w: size overflows at depth %v", ErrInvalidPoint, depth)
	}

	return SizeResult{
		Size: size,
		DX:   math.Abs(dx),
		DY:   math.Abs(dy),
		P1:   a,
		P2:   b,
	}, nil
}

func checkPoints(pts ...PixelPoint) error {
	for _, p := range pts {
		if !isFinite(p.X) || !isFinite(p.Y) {
			return fmt.Errorf("%w: got (%v, %v)", ErrInvalidPoint, p.X, p.Y)
		}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
