package api

import (
	"net/http"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/depth.report/internal/httputil"
	"github.com/banshee-data/depth.report/internal/stereo"
	"github.com/banshee-data/depth.report/internal/version"
)

type calibrationResponse struct {
	Intrinsics   stereo.CameraIntrinsics `json:"intrinsics"`
	Width        int                     `json:"width_px"`
	Height       int                     `json:"height_px"`
	CameraMatrix [][]float64             `json:"camera_matrix"`
	Baseline     float64                 `json:"baseline"`
	MinDisparity float64                 `json:"min_disparity"`
	Units        string                  `json:"units"`
}

type scaledCalibrationResponse struct {
	Intrinsics   stereo.CameraIntrinsics `json:"intrinsics"`
	Width        int                     `json:"width_px"`
	Height       int                     `json:"height_px"`
	CameraMatrix [][]float64             `json:"camera_matrix"`
	ScaleX       float64                 `json:"scale_x"`
	ScaleY       float64                 `json:"scale_y"`
}

// matrixRows flattens a dense matrix into rows for JSON.
func matrixRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}

func (s *Server) showCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	cfg := s.engine.Config()
	httputil.WriteJSONOK(w, calibrationResponse{
		Intrinsics:   cfg.Reference.Intrinsics,
		Width:        cfg.Reference.Width,
		Height:       cfg.Reference.Height,
		CameraMatrix: matrixRows(cfg.Reference.Intrinsics.CameraMatrix()),
		Baseline:     s.precision.RoundLength(s.toOutput(cfg.Baseline)),
		MinDisparity: cfg.MinDisparity,
		Units:        s.units,
	})
}

func (s *Server) showScaledCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	ref := s.engine.Config().Reference
	width, height, err := imageSize(r, ref)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	in, err := s.engine.Intrinsics(width, height)
	if err != nil {
		writeStereoError(w, err)
		return
	}

	httputil.WriteJSONOK(w, scaledCalibrationResponse{
		Intrinsics:   in,
		Width:        width,
		Height:       height,
		CameraMatrix: matrixRows(in.CameraMatrix()),
		ScaleX:       float64(width) / float64(ref.Width),
		ScaleY:       float64(height) / float64(ref.Height),
	})
}

// imageSize reads img_w and img_h, defaulting to the calibration resolution.
func imageSize(r *http.Request, ref stereo.ReferenceCalibration) (int, int, error) {
	width, err := httputil.QueryInt(r, "img_w", ref.Width)
	if err != nil {
		return 0, 0, err
	}
	height, err := httputil.QueryInt(r, "img_h", ref.Height)
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}
