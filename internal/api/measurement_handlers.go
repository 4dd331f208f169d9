package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/depth.report/internal/db"
	"github.com/banshee-data/depth.report/internal/httputil"
	"github.com/banshee-data/depth.report/internal/monitoring"
	"github.com/banshee-data/depth.report/internal/security"
	"github.com/banshee-data/depth.report/internal/units"
)

func validKind(kind string) bool {
	return kind == "" || kind == db.KindDepth || kind == db.KindSize
}

func (s *Server) listMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "measurement log is disabled")
		return
	}

	kind := r.URL.Query().Get("kind")
	if !validKind(kind) {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'kind' parameter %q", kind))
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}

	measurements, err := s.store.ListMeasurements(r.Context(), kind, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve measurements: %v", err))
		return
	}
	httputil.WriteJSONOK(w, measurements)
}

func (s *Server) getMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "measurement log is disabled")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/measurements/")
	if id == "" || strings.Contains(id, "/") {
		httputil.NotFound(w, "measurement not found")
		return
	}

	m, err := s.store.GetMeasurement(r.Context(), id)
	if errors.Is(err, db.ErrMeasurementNotFound) {
		httputil.NotFound(w, "measurement not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve measurement: %v", err))
		return
	}
	httputil.WriteJSONOK(w, m)
}

func (s *Server) exportMeasurements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "measurement log is disabled")
		return
	}

	kind := r.URL.Query().Get("kind")
	if !validKind(kind) {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'kind' parameter %q", kind))
		return
	}
	tz := r.URL.Query().Get("tz")
	if tz != "" && !units.IsTimezoneValid(tz) {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'tz' parameter %q", tz))
		return
	}

	// Buffer so a failed export can still report an error status.
	var buf bytes.Buffer
	if err := s.store.ExportCSV(r.Context(), &buf, kind, tz); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to export measurements: %v", err))
		return
	}

	filename := "measurements.csv"
	if kind != "" {
		filename = security.SanitizeFilename(kind + "-measurements.csv")
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if _, err := w.Write(buf.Bytes()); err != nil {
		monitoring.Logf("failed to write measurement export: %v", err)
	}
}
