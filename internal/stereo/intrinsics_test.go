package stereo

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depth.report/internal/monitoring"
)

// labCalibration is the 1280x720 calibration the defaults file ships with.
var labCalibration = ReferenceCalibration{
	Intrinsics: CameraIntrinsics{Fx: 991.396, Fy: 991.628, Cx: 671.244, Cy: 371.286},
	Width:      1280,
	Height:     720,
}

func TestScaleIntrinsics_Identity(t *testing.T) {
	in, err := ScaleIntrinsics(labCalibration, 1280, 720)
	require.NoError(t, err)
	assert.Equal(t, labCalibration.Intrinsics, in)
}

func TestScaleIntrinsics_PerAxisLinear(t *testing.T) {
	ref := labCalibration.Intrinsics

	tests := []struct {
		name          string
		width, height int
		sx, sy        float64
	}{
		{"double width", 2560, 720, 2, 1},
		{"double height", 1280, 1440, 1, 2},
		{"half both", 640, 360, 0.5, 0.5},
		{"full hd", 1920, 1080, 1.5, 1.5},
		{"odd size", 1000, 500, 1000.0 / 1280.0, 500.0 / 720.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := ScaleIntrinsics(labCalibration, tt.width, tt.height)
			require.NoError(t, err)
			assert.InDelta(t, ref.Fx*tt.sx, in.Fx, 1e-9)
			assert.InDelta(t, ref.Cx*tt.sx, in.Cx, 1e-9)
			assert.InDelta(t, ref.Fy*tt.sy, in.Fy, 1e-9)
			assert.InDelta(t, ref.Cy*tt.sy, in.Cy, 1e-9)
		})
	}
}

func TestScaleIntrinsics_InvalidDimensions(t *testing.T) {
	for _, size := range [][2]int{{0, 720}, {1280, 0}, {-1, 720}, {1280, -720}, {0, 0}} {
		t.Run(fmt.Sprintf("%dx%d", size[0], size[1]), func(t *testing.T) {
			in, err := ScaleIntrinsics(labCalibration, size[0], size[1])
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDimensions))
			assert.True(t, IsPrecondition(err))
			assert.False(t, math.IsInf(in.Fx, 0))
			assert.Equal(t, CameraIntrinsics{}, in)
		})
	}
}

func TestScaleIntrinsics_InvalidReference(t *testing.T) {
	tests := []struct {
		name string
		ref  ReferenceCalibration
	}{
		{"zero reference width", ReferenceCalibration{Intrinsics: labCalibration.Intrinsics, Width: 0, Height: 720}},
		{"zero fx", ReferenceCalibration{Intrinsics: CameraIntrinsics{Fy: 1}, Width: 1280, Height: 720}},
		{"negative fy", ReferenceCalibration{Intrinsics: CameraIntrinsics{Fx: 1, Fy: -1}, Width: 1280, Height: 720}},
		{"nan fx", ReferenceCalibration{Intrinsics: CameraIntrinsics{Fx: math.NaN(), Fy: 1}, Width: 1280, Height: 720}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ScaleIntrinsics(tt.ref, 1280, 720)
			assert.ErrorIs(t, err, ErrInvalidIntrinsics)
		})
	}
}

func TestScaleIntrinsics_AspectMismatchLogged(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()

	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})

	_, err := ScaleIntrinsics(labCalibration, 1920, 1080)
	require.NoError(t, err)
	assert.Empty(t, logged, "same aspect ratio should not warn")

	_, err = ScaleIntrinsics(labCalibration, 1280, 1024)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Contains(t, logged[0], "1280x1024")
}

func TestCameraMatrix(t *testing.T) {
	k := labCalibration.Intrinsics.CameraMatrix()
	r, c := k.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 3, c)

	want := [][]float64{
		{991.396, 0, 671.244},
		{0, 991.628, 371.286},
		{0, 0, 1},
	}
	for i := range want {
		for j := range want[i] {
			assert.Equal(t, want[i][j], k.At(i, j), "K[%d][%d]", i, j)
		}
	}
}

func TestPixelToPointRoundTrip(t *testing.T) {
	in := labCalibration.Intrinsics
	for _, px := range []PixelPoint{{400, 300}, {0, 0}, {671.244, 371.286}, {1279.5, 719.25}} {
		p := in.PixelToPoint(px.X, px.Y, 250)
		assert.Equal(t, 250.0, p.Z)
		u, v := in.PointToPixel(p)
		assert.InDelta(t, px.X, u, 1e-9)
		assert.InDelta(t, px.Y, v, 1e-9)
	}

	u, v := in.PointToPixel(r3.Vector{X: 1, Y: 1, Z: 0})
	assert.Equal(t, -1.0, u)
	assert.Equal(t, -1.0, v)
}
