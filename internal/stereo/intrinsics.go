// Package stereo recovers the depth of a point from a pair of stereo clicks and
// measures planar distances at that depth using a pinhole camera model.
package stereo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/depth.report/internal/monitoring"
)

// aspectTolerance is the relative difference between the reference and the
// requested aspect ratio above which ScaleIntrinsics logs a warning.
const aspectTolerance = 1e-3

// CameraIntrinsics holds the focal lengths and principal point of a pinhole
// camera, all in pixel units.
type CameraIntrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// CheckValid reports whether the focal lengths are usable for projection.
func (in CameraIntrinsics) CheckValid() error {
	if !(in.Fx > 0) || math.IsInf(in.Fx, 0) {
		return fmt.Errorf("%w: fx = %v", ErrInvalidIntrinsics, in.Fx)
	}
	if !(in.Fy > 0) || math.IsInf(in.Fy, 0) {
		return fmt.Errorf("%w: fy = %v", ErrInvalidIntrinsics, in.Fy)
	}
	return nil
}

// CameraMatrix returns the 3x3 intrinsic matrix
//
//	[[fx 0  cx],
//	 [0  fy cy],
//	 [0  0  1 ]]
func (in CameraIntrinsics) CameraMatrix() *mat.Dense {
	k := mat.NewDense(3, 3, nil)
	k.Set(0, 0, in.Fx)
	k.Set(1, 1, in.Fy)
	k.Set(0, 2, in.Cx)
	k.Set(1, 2, in.Cy)
	k.Set(2, 2, 1)
	return k
}

// PixelToPoint back-projects pixel (u, v) to the 3D point at depth z.
func (in CameraIntrinsics) PixelToPoint(u, v, z float64) r3.Vector {
	return r3.Vector{
		X: (u - in.Cx) * z / in.Fx,
		Y: (v - in.Cy) * z / in.Fy,
		Z: z,
	}
}

// PointToPixel projects a 3D point onto the image plane. Points with z == 0
// have no projection and return (-1, -1).
func (in CameraIntrinsics) PointToPixel(p r3.Vector) (float64, float64) {
	if p.Z == 0 {
		return -1, -1
	}
	return (p.X/p.Z)*in.Fx + in.Cx, (p.Y/p.Z)*in.Fy + in.Cy
}

// ReferenceCalibration is a measured set of intrinsics together with the
// resolution the calibration was performed at.
type ReferenceCalibration struct {
	Intrinsics CameraIntrinsics `json:"intrinsics"`
	Width      int              `json:"width_px"`
	Height     int              `json:"height_px"`
}

// CheckValid checks the reference resolution and focal lengths.
func (ref ReferenceCalibration) CheckValid() error {
	if ref.Width <= 0 || ref.Height <= 0 {
		return fmt.Errorf("%w: reference size %dx%d", ErrInvalidIntrinsics, ref.Width, ref.Height)
	}
	return ref.Intrinsics.CheckValid()
}

// AspectRatio returns width / height of the reference resolution.
func (ref ReferenceCalibration) AspectRatio() float64 {
	return float64(ref.Width) / float64(ref.Height)
}

// ScaleIntrinsics rescales the reference intrinsics to an image of the given
// size. The x and y axes are scaled independently; an image whose aspect
// ratio differs from the reference (letterboxed or cropped) is still scaled,
// and a warning is logged.
func ScaleIntrinsics(ref ReferenceCalibration, width, height int) (CameraIntrinsics, error) {
	if width <= 0 || height <= 0 {
		return CameraIntrinsics{}, fmt.Errorf("%w: got %dx%d", ErrInvalidDimensions, width, height)
	}
	if err := ref.CheckValid(); err != nil {
		return CameraIntrinsics{}, err
	}

	scaleX := float64(width) / float64(ref.Width)
	scaleY := float64(height) / float64(ref.Height)

	aspect := float64(width) / float64(height)
	if math.Abs(aspect-ref.AspectRatio())/ref.AspectRatio() > aspectTolerance {
		monitoring.Logf("stereo: image %dx%d does not match calibration aspect %dx%d; intrinsics scaled per axis",
			width, height, ref.Width, ref.Height)
	}

	in := ref.Intrinsics
	return CameraIntrinsics{
		Fx: in.Fx * scaleX,
		Fy: in.Fy * scaleY,
		Cx: in.Cx * scaleX,
		Cy: in.Cy * scaleY,
	}, nil
}
