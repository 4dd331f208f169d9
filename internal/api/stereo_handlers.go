package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/banshee-data/depth.report/internal/db"
	"github.com/banshee-data/depth.report/internal/httputil"
	"github.com/banshee-data/depth.report/internal/monitoring"
	"github.com/banshee-data/depth.report/internal/stereo"
	"github.com/banshee-data/depth.report/internal/units"
)

// stereoRequest is the body of POST /calculate_stereo.
type stereoRequest struct {
	Left        *stereo.PixelPoint `json:"p_left"`
	Right       *stereo.PixelPoint `json:"p_right"`
	ImageWidth  int                `json:"img_w"`
	ImageHeight int                `json:"img_h"`
}

// stereoResponse is the body returned by POST /calculate_stereo.
type stereoResponse struct {
	Z             float64 `json:"Z"`
	Disparity     float64 `json:"disparity"`
	Units         string  `json:"units"`
	MeasurementID string  `json:"measurement_id,omitempty"`
}

// sizeRequest is the body of POST /calculate_size. Z is in response units,
// as returned by /calculate_stereo.
type sizeRequest struct {
	P1          *stereo.PixelPoint `json:"p1"`
	P2          *stereo.PixelPoint `json:"p2"`
	Z           float64            `json:"Z"`
	ImageWidth  int                `json:"img_w"`
	ImageHeight int                `json:"img_h"`
}

// sizeResponse is the body returned by POST /calculate_size.
type sizeResponse struct {
	SizeCM        float64 `json:"size_cm"`
	Size          float64 `json:"size"`
	DX            float64 `json:"dX"`
	DY            float64 `json:"dY"`
	Units         string  `json:"units"`
	MeasurementID string  `json:"measurement_id,omitempty"`
}

func (s *Server) calculateStereo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req stereoRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Left == nil || req.Right == nil {
		httputil.BadRequest(w, "p_left and p_right are required")
		return
	}

	res, err := s.engine.RecoverDepth(stereo.StereoQuery{
		Left:        *req.Left,
		Right:       *req.Right,
		ImageWidth:  req.ImageWidth,
		ImageHeight: req.ImageHeight,
	})
	if err != nil && !errors.Is(err, stereo.ErrDisparityTooSmall) {
		writeStereoError(w, err)
		return
	}

	m := s.newMeasurement(db.KindDepth, req, req.ImageWidth, req.ImageHeight, res.Intrinsics)
	if err != nil {
		d := s.precision.RoundDepth(stereo.DepthResult{Disparity: res.Disparity}).Disparity
		m.Disparity = &d
		m.Error = err.Error()
		s.record(r, m)
		writeStereoError(w, err)
		return
	}

	rounded := s.precision.RoundDepth(stereo.DepthResult{
		Disparity: res.Disparity,
		Depth:     s.toOutput(res.Depth),
	})
	m.Disparity = &rounded.Disparity
	m.Depth = &rounded.Depth
	s.record(r, m)

	httputil.WriteJSONOK(w, stereoResponse{
		Z:             rounded.Depth,
		Disparity:     rounded.Disparity,
		Units:         s.units,
		MeasurementID: m.ID,
	})
}

func (s *Server) calculateSize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req sizeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.P1 == nil || req.P2 == nil {
		httputil.BadRequest(w, "p1 and p2 are required")
		return
	}

	res, err := s.engine.RecoverSize(stereo.SizeQuery{
		P1:          *req.P1,
		P2:          *req.P2,
		Depth:       s.fromOutput(req.Z),
		ImageWidth:  req.ImageWidth,
		ImageHeight: req.ImageHeight,
	})
	if err != nil {
		writeStereoError(w, err)
		return
	}

	rounded := s.precision.RoundSize(stereo.SizeResult{
		Size: s.toOutput(res.Size),
		DX:   s.toOutput(res.DX),
		DY:   s.toOutput(res.DY),
	})
	depth := req.Z
	m := s.newMeasurement(db.KindSize, req, req.ImageWidth, req.ImageHeight, res.Intrinsics)
	m.Depth = &depth
	m.Size = &rounded.Size
	m.DX = &rounded.DX
	m.DY = &rounded.DY
	s.record(r, m)

	httputil.WriteJSONOK(w, sizeResponse{
		SizeCM:        s.precision.RoundLength(units.ConvertLength(res.Size, s.baselineUnit, units.CM)),
		Size:          rounded.Size,
		DX:            rounded.DX,
		DY:            rounded.DY,
		Units:         s.units,
		MeasurementID: m.ID,
	})
}

// writeStereoError maps engine errors onto HTTP status codes.
func writeStereoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stereo.ErrDisparityTooSmall):
		httputil.UnprocessableEntity(w, err.Error())
	case stereo.IsPrecondition(err):
		httputil.BadRequest(w, err.Error())
	default:
		monitoring.Logf("stereo computation failed: %v", err)
		httputil.InternalServerError(w, "internal error")
	}
}

func (s *Server) newMeasurement(kind string, inputs interface{}, width, height int, in stereo.CameraIntrinsics) *db.Measurement {
	raw, err := json.Marshal(inputs)
	if err != nil {
		raw = []byte(`{}`)
	}
	return &db.Measurement{
		Kind:        kind,
		ImageWidth:  width,
		ImageHeight: height,
		Fx:          in.Fx,
		Fy:          in.Fy,
		Cx:          in.Cx,
		Cy:          in.Cy,
		Baseline:    s.toOutput(s.engine.Config().Baseline),
		Inputs:      raw,
		Units:       s.units,
	}
}

// record persists m when a store is configured. A failed write is logged and
// leaves m.ID empty so the response omits it.
func (s *Server) record(r *http.Request, m *db.Measurement) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordMeasurement(r.Context(), m); err != nil {
		monitoring.Logf("failed to record %s measurement: %v", m.Kind, err)
		m.ID = ""
	}
}
