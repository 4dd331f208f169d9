package stereo

import (
	"errors"
	"fmt"
)

var (
	// ErrDisparityTooSmall is returned when the two clicks are closer together
	// horizontally than the configured minimum disparity.
	ErrDisparityTooSmall = errors.New("disparity too small")
	// ErrInvalidDimensions is returned for a non-positive image width or height.
	ErrInvalidDimensions = errors.New("image dimensions must be positive")
	// ErrInvalidDepth is returned for a non-positive or non-finite depth.
	ErrInvalidDepth = errors.New("depth must be positive and finite")
	// ErrInvalidIntrinsics is returned for non-positive focal lengths or
	// calibration resolution.
	ErrInvalidIntrinsics = errors.New("invalid camera intrinsics")
	// ErrInvalidBaseline is returned for a non-positive or non-finite baseline.
	ErrInvalidBaseline = errors.New("baseline must be positive and finite")
	// ErrInvalidPoint is returned for a pixel coordinate, or a difference of
	// two, that is not finite.
	ErrInvalidPoint = errors.New("pixel coordinates must be finite")
)

// DisparityError describes a rejected disparity. It unwraps to
// ErrDisparityTooSmall.
type DisparityError struct {
	Disparity float64
	Min       float64
}

func (e *DisparityError) Error() string {
	return fmt.Sprintf("Disparity is too small (d < %.1f). You clicked the same pixel or close to it! (d = %.3f px)",
		e.Min, e.Disparity)
}

func (e *DisparityError) Unwrap() error { return ErrDisparityTooSmall }

// IsPrecondition reports whether err is a caller input error rather than a
// recoverable measurement condition.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrInvalidDimensions) ||
		errors.Is(err, ErrInvalidDepth) ||
		errors.Is(err, ErrInvalidIntrinsics) ||
		errors.Is(err, ErrInvalidBaseline) ||
		errors.Is(err, ErrInvalidPoint)
}
