package api

import (
	"context"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/depth.report/internal/db"
	"github.com/banshee-data/depth.report/internal/stereo"
	"github.com/banshee-data/depth.report/internal/units"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// MeasurementStore persists measurements. *db.DB implements it.
type MeasurementStore interface {
	RecordMeasurement(ctx context.Context, m *db.Measurement) error
	ListMeasurements(ctx context.Context, kind string, limit int) ([]db.Measurement, error)
	GetMeasurement(ctx context.Context, id string) (*db.Measurement, error)
	ExportCSV(ctx context.Context, w io.Writer, kind, timezone string) error
}

// Options configures presentation for a Server.
type Options struct {
	// Precision controls rounding of every value in responses.
	Precision stereo.Precision
	// Units is the length unit of responses.
	Units string
	// BaselineUnit is the unit the engine baseline is expressed in.
	BaselineUnit string
}

// Server exposes the stereo engine over HTTP.
type Server struct {
	engine       *stereo.Engine
	store        MeasurementStore
	precision    stereo.Precision
	units        string
	baselineUnit string
}

// NewServer returns a Server for engine. store may be nil, in which case
// nothing is persisted and the measurement routes report 404.
func NewServer(engine *stereo.Engine, store MeasurementStore, opts Options) *Server {
	if opts.Precision == (stereo.Precision{}) {
		opts.Precision = stereo.DefaultPrecision()
	}
	if opts.Units == "" {
		opts.Units = units.CM
	}
	if opts.BaselineUnit == "" {
		opts.BaselineUnit = opts.Units
	}
	return &Server{
		engine:       engine,
		store:        store,
		precision:    opts.Precision,
		units:        opts.Units,
		baselineUnit: opts.BaselineUnit,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the routes served by s.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/calculate_stereo", s.calculateStereo)
	mux.HandleFunc("/calculate_size", s.calculateSize)
	mux.HandleFunc("/api/calibration", s.showCalibration)
	mux.HandleFunc("/api/calibration/scaled", s.showScaledCalibration)
	mux.HandleFunc("/api/measurements", s.listMeasurements)
	mux.HandleFunc("/api/measurements/", s.getMeasurement)
	mux.HandleFunc("/api/measurements.csv", s.exportMeasurements)
	mux.HandleFunc("/api/charts/depth-curve", s.depthCurveChart)
	mux.HandleFunc("/api/plots/depth-curve.png", s.depthCurvePlot)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

// toOutput converts a length from baseline units to response units.
func (s *Server) toOutput(v float64) float64 {
	return units.ConvertLength(v, s.baselineUnit, s.units)
}

// fromOutput converts a length from response units to baseline units.
func (s *Server) fromOutput(v float64) float64 {
	return units.ConvertLength(v, s.units, s.baselineUnit)
}
