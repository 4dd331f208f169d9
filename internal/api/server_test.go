package api

import (
	"bytes"
	"encoding/csv"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/depth.report/internal/config"
	"github.com/banshee-data/depth.report/internal/db"
	"github.com/banshee-data/depth.report/internal/stereo"
	"github.com/banshee-data/depth.report/internal/testutil"
	"github.com/banshee-data/depth.report/internal/timeutil"
	"github.com/banshee-data/depth.report/internal/units"
	"github.com/banshee-data/depth.report/internal/version"
)

// setupTestServer builds a server on the lab calibration with a fresh store.
func setupTestServer(t *testing.T, outputUnits string) (*Server, *db.DB) {
	t.Helper()

	engine, err := stereo.NewEngine(config.DefaultStereoConfig().EngineConfig())
	require.NoError(t, err)

	store, err := db.NewDB(cloneAPITestDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	store.SetClock(timeutil.NewMockClock(time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)))

	server := NewServer(engine, store, Options{
		Precision:    stereo.DefaultPrecision(),
		Units:        outputUnits,
		BaselineUnit: units.CM,
	})
	return server, store
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func labStereoRequest() map[string]interface{} {
	return map[string]interface{}{
		"p_left":  map[string]float64{"x": 400, "y": 300},
		"p_right": map[string]float64{"x": 380, "y": 300},
		"img_w":   1280,
		"img_h":   720,
	}
}

func TestCalculateStereo(t *testing.T) {
	server, store := setupTestServer(t, units.CM)

	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", labStereoRequest()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got stereoResponse
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, 495.698, got.Z)
	assert.Equal(t, 20.0, got.Disparity)
	assert.Equal(t, "cm", got.Units)
	require.NotEmpty(t, got.MeasurementID)

	m, err := store.GetMeasurement(t.Context(), got.MeasurementID)
	require.NoError(t, err)
	assert.Equal(t, db.KindDepth, m.Kind)
	assert.False(t, m.Failed())
	require.NotNil(t, m.Depth)
	assert.Equal(t, 495.698, *m.Depth)
	assert.Equal(t, 991.396, m.Fx)
	assert.Equal(t, 10.0, m.Baseline)
	assert.JSONEq(t, `{"p_left":{"x":400,"y":300},"p_right":{"x":380,"y":300},"img_w":1280,"img_h":720}`, string(m.Inputs))
}

func TestCalculateStereo_Symmetric(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	body := labStereoRequest()
	body["p_left"], body["p_right"] = body["p_right"], body["p_left"]
	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", body))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got stereoResponse
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, 495.698, got.Z)
}

func TestCalculateStereo_DisparityTooSmall(t *testing.T) {
	server, store := setupTestServer(t, units.CM)

	body := map[string]interface{}{
		"p_left":  map[string]float64{"x": 400, "y": 300},
		"p_right": map[string]float64{"x": 400.5, "y": 310},
		"img_w":   1280,
		"img_h":   720,
	}
	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", body))
	testutil.AssertStatusCode(t, rec.Code, http.StatusUnprocessableEntity)

	var got map[string]string
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, "Disparity is too small (d < 1.0). You clicked the same pixel or close to it! (d = 0.500 px)", got["error"])

	// The rejected attempt is still logged.
	list, err := store.ListMeasurements(t.Context(), db.KindDepth, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Failed())
	assert.Nil(t, list[0].Depth)
	require.NotNil(t, list[0].Disparity)
	assert.Equal(t, 0.5, *list[0].Disparity)
}

func TestCalculateStereo_BadRequests(t *testing.T) {
	server, store := setupTestServer(t, units.CM)

	tests := []struct {
		name   string
		method string
		body   interface{}
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, `{"p_left":`, http.StatusBadRequest},
		{"empty body", http.MethodPost, ``, http.StatusBadRequest},
		{"missing right point", http.MethodPost, `{"p_left":{"x":1,"y":1},"img_w":1280,"img_h":720}`, http.StatusBadRequest},
		{"zero width", http.MethodPost, `{"p_left":{"x":400,"y":300},"p_right":{"x":380,"y":300},"img_w":0,"img_h":720}`, http.StatusBadRequest},
		{"negative height", http.MethodPost, `{"p_left":{"x":400,"y":300},"p_right":{"x":380,"y":300},"img_w":1280,"img_h":-1}`, http.StatusBadRequest},
		{"string coordinate", http.MethodPost, `{"p_left":{"x":"400","y":300},"p_right":{"x":380,"y":300},"img_w":1280,"img_h":720}`, http.StatusBadRequest},
		{"disparity overflow", http.MethodPost, `{"p_left":{"x":1e308,"y":300},"p_right":{"x":-1e308,"y":300},"img_w":1280,"img_h":720}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(server, testutil.NewJSONRequest(t, tt.method, "/calculate_stereo", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.want)

			var got map[string]string
			testutil.DecodeJSON(t, rec, &got)
			assert.NotEmpty(t, got["error"])
		})
	}

	// Precondition failures are not logged as measurements.
	n, err := store.CountMeasurements(t.Context(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCalculateSize(t *testing.T) {
	server, store := setupTestServer(t, units.CM)

	body := map[string]interface{}{
		"p1":    map[string]float64{"x": 400, "y": 300},
		"p2":    map[string]float64{"x": 450, "y": 300},
		"Z":     495.698,
		"img_w": 1280,
		"img_h": 720,
	}
	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_size", body))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got sizeResponse
	testutil.DecodeJSON(t, rec, &got)
	want := sizeResponse{
		SizeCM:        25,
		Size:          25,
		DX:            25,
		DY:            0,
		Units:         "cm",
		MeasurementID: got.MeasurementID,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calculate_size mismatch (-want +got):\n%s", diff)
	}

	m, err := store.GetMeasurement(t.Context(), got.MeasurementID)
	require.NoError(t, err)
	assert.Equal(t, db.KindSize, m.Kind)
	require.NotNil(t, m.Size)
	assert.Equal(t, 25.0, *m.Size)
	require.NotNil(t, m.Depth)
	assert.Equal(t, 495.698, *m.Depth)
}

func TestCalculateSize_SamePoint(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	body := `{"p1":{"x":640,"y":360},"p2":{"x":640,"y":360},"Z":100,"img_w":1280,"img_h":720}`
	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_size", body))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got sizeResponse
	testutil.DecodeJSON(t, rec, &got)
	assert.Zero(t, got.Size)
	assert.Zero(t, got.DX)
	assert.Zero(t, got.DY)
}

func TestCalculateSize_BadRequests(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodPut, `{}`, http.StatusMethodNotAllowed},
		{"malformed json", http.MethodPost, `not json`, http.StatusBadRequest},
		{"missing p2", http.MethodPost, `{"p1":{"x":1,"y":1},"Z":100,"img_w":1280,"img_h":720}`, http.StatusBadRequest},
		{"zero depth", http.MethodPost, `{"p1":{"x":1,"y":1},"p2":{"x":2,"y":2},"Z":0,"img_w":1280,"img_h":720}`, http.StatusBadRequest},
		{"negative depth", http.MethodPost, `{"p1":{"x":1,"y":1},"p2":{"x":2,"y":2},"Z":-5,"img_w":1280,"img_h":720}`, http.StatusBadRequest},
		{"zero width", http.MethodPost, `{"p1":{"x":1,"y":1},"p2":{"x":2,"y":2},"Z":100,"img_w":0,"img_h":720}`, http.StatusBadRequest},
		{"size overflow", http.MethodPost, `{"p1":{"x":1e308,"y":1},"p2":{"x":-1e308,"y":1},"Z":1e6,"img_w":1280,"img_h":720}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(server, testutil.NewJSONRequest(t, tt.method, "/calculate_size", tt.body))
			testutil.AssertStatusCode(t, rec.Code, tt.want)
		})
	}
}

func TestOutputUnitsMetres(t *testing.T) {
	server, _ := setupTestServer(t, units.M)

	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", labStereoRequest()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var depth stereoResponse
	testutil.DecodeJSON(t, rec, &depth)
	assert.Equal(t, "m", depth.Units)
	assert.Equal(t, 4.957, depth.Z)

	// Z is accepted back in response units.
	body := map[string]interface{}{
		"p1":    map[string]float64{"x": 400, "y": 300},
		"p2":    map[string]float64{"x": 450, "y": 300},
		"Z":     4.95698,
		"img_w": 1280,
		"img_h": 720,
	}
	rec = serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_size", body))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var size sizeResponse
	testutil.DecodeJSON(t, rec, &size)
	assert.Equal(t, 0.25, size.Size)
	assert.Equal(t, 25.0, size.SizeCM)
	assert.Equal(t, "m", size.Units)
}

func TestResolutionIndependentDepth(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	// The same physical clicks on a 2x image give the same depth.
	body := map[string]interface{}{
		"p_left":  map[string]float64{"x": 800, "y": 600},
		"p_right": map[string]float64{"x": 760, "y": 600},
		"img_w":   2560,
		"img_h":   1440,
	}
	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", body))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got stereoResponse
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, 495.698, got.Z)
	assert.Equal(t, 40.0, got.Disparity)
}

func TestShowCalibration(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/calibration"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got calibrationResponse
	testutil.DecodeJSON(t, rec, &got)
	want := calibrationResponse{
		Intrinsics: stereo.CameraIntrinsics{Fx: 991.396, Fy: 991.628, Cx: 671.244, Cy: 371.286},
		Width:      1280,
		Height:     720,
		CameraMatrix: [][]float64{
			{991.396, 0, 671.244},
			{0, 991.628, 371.286},
			{0, 0, 1},
		},
		Baseline:     10,
		MinDisparity: 1,
		Units:        "cm",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calibration mismatch (-want +got):\n%s", diff)
	}

	rec = serve(server, testutil.NewTestRequest(http.MethodPost, "/api/calibration"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestShowScaledCalibration(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/calibration/scaled?img_w=2560&img_h=1440"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got scaledCalibrationResponse
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, 2.0, got.ScaleX)
	assert.Equal(t, 2.0, got.ScaleY)
	testutil.AssertFloatNear(t, "fx", got.Intrinsics.Fx, 1982.792, 1e-9)
	testutil.AssertFloatNear(t, "cy", got.Intrinsics.Cy, 742.572, 1e-9)
	testutil.AssertFloatNear(t, "K[0][2]", got.CameraMatrix[0][2], 1342.488, 1e-9)

	// Defaults to the calibration resolution.
	rec = serve(server, testutil.NewTestRequest(http.MethodGet, "/api/calibration/scaled"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, 1.0, got.ScaleX)
	assert.Equal(t, 991.396, got.Intrinsics.Fx)

	for _, path := range []string{
		"/api/calibration/scaled?img_w=0&img_h=720",
		"/api/calibration/scaled?img_w=abc&img_h=720",
		"/api/calibration/scaled?img_w=1280&img_h=-720",
	} {
		rec = serve(server, testutil.NewTestRequest(http.MethodGet, path))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	}
}

func TestMeasurementRoutes(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	// One depth and one size measurement.
	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", labStereoRequest()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var depth stereoResponse
	testutil.DecodeJSON(t, rec, &depth)

	sizeBody := `{"p1":{"x":400,"y":300},"p2":{"x":450,"y":300},"Z":495.698,"img_w":1280,"img_h":720}`
	rec = serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_size", sizeBody))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	t.Run("list all", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var got []db.Measurement
		testutil.DecodeJSON(t, rec, &got)
		assert.Len(t, got, 2)
	})

	t.Run("list by kind", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements?kind=depth&limit=5"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var got []db.Measurement
		testutil.DecodeJSON(t, rec, &got)
		require.Len(t, got, 1)
		assert.Equal(t, depth.MeasurementID, got[0].ID)
	})

	t.Run("list rejects bad params", func(t *testing.T) {
		for _, path := range []string{
			"/api/measurements?kind=volume",
			"/api/measurements?limit=abc",
			"/api/measurements?limit=-1",
		} {
			rec := serve(server, testutil.NewTestRequest(http.MethodGet, path))
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("get one", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements/"+depth.MeasurementID))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var got db.Measurement
		testutil.DecodeJSON(t, rec, &got)
		assert.Equal(t, depth.MeasurementID, got.ID)
		require.NotNil(t, got.Depth)
		assert.Equal(t, 495.698, *got.Depth)
	})

	t.Run("get unknown", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements/nope"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	})

	t.Run("csv", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements.csv"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/csv"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "measurements.csv")

		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("csv by kind", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements.csv?kind=size"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "size-measurements.csv")
		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("csv in timezone", func(t *testing.T) {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements.csv?kind=depth&tz=Europe/London"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		records, err := csv.NewReader(rec.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "2025-06-01T10:30:00+01:00", records[1][1])

		rec = serve(server, testutil.NewTestRequest(http.MethodGet, "/api/measurements.csv?tz=Nowhere/Special"))
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	})
}

func TestNewServer_DefaultOptions(t *testing.T) {
	engine, err := stereo.NewEngine(config.DefaultStereoConfig().EngineConfig())
	require.NoError(t, err)
	server := NewServer(engine, nil, Options{})

	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", labStereoRequest()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got stereoResponse
	testutil.DecodeJSON(t, rec, &got)
	want := stereoResponse{Z: 495.698, Disparity: 20, Units: "cm"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("calculate_stereo mismatch (-want +got):\n%s", diff)
	}
}

func TestNoStore(t *testing.T) {
	engine, err := stereo.NewEngine(config.DefaultStereoConfig().EngineConfig())
	require.NoError(t, err)
	server := NewServer(engine, nil, Options{Precision: stereo.DefaultPrecision()})

	rec := serve(server, testutil.NewJSONRequest(t, http.MethodPost, "/calculate_stereo", labStereoRequest()))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.NotContains(t, rec.Body.String(), "measurement_id")

	for _, path := range []string{"/api/measurements", "/api/measurements/x", "/api/measurements.csv"} {
		rec := serve(server, testutil.NewTestRequest(http.MethodGet, path))
		testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	}
}

func TestDepthCurveChart(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/charts/depth-curve?img_w=1280&img_h=720&samples=20"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "echarts")
	assert.Contains(t, rec.Body.String(), "Depth vs Disparity")

	rec = serve(server, testutil.NewTestRequest(http.MethodGet, "/api/charts/depth-curve?samples=1"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestDepthCurvePlot(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/plots/depth-curve.png?max_disparity=100&samples=50"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")), "body should be a PNG")

	rec = serve(server, testutil.NewTestRequest(http.MethodGet, "/api/plots/depth-curve.png?max_disparity=150.5&samples=10"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = serve(server, testutil.NewTestRequest(http.MethodGet, "/api/plots/depth-curve.png?max_disparity=0"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = serve(server, testutil.NewTestRequest(http.MethodGet, "/api/plots/depth-curve.png?max_disparity=wide"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestWriteDepthCurvePNG_Empty(t *testing.T) {
	var buf bytes.Buffer
	testutil.AssertError(t, WriteDepthCurvePNG(&buf, nil, "empty", "cm"))
}

func TestShowVersion(t *testing.T) {
	server, _ := setupTestServer(t, units.CM)

	rec := serve(server, testutil.NewTestRequest(http.MethodGet, "/api/version"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got version.Info
	testutil.DecodeJSON(t, rec, &got)
	if diff := cmp.Diff(version.Get(), got); diff != "" {
		t.Errorf("version mismatch (-want +got):\n%s", diff)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version?x=1", nil))

	testutil.AssertStatusCode(t, rec.Code, http.StatusTeapot)
	out := buf.String()
	assert.Contains(t, out, "418")
	assert.Contains(t, out, "GET")
	assert.Contains(t, out, "/api/version?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{302, colorYellow + "302" + colorReset},
		{422, colorBoldRed + "422" + colorReset},
		{500, colorBoldRed + "500" + colorReset},
		{101, "101"},
	}
	for _, tt := range tests {
		if got := statusCodeColor(tt.code); got != tt.want {
			t.Errorf("statusCodeColor(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
