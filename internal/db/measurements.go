package db

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/depth.report/internal/units"
)

// Measurement kinds.
const (
	KindDepth = "depth"
	KindSize  = "size"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ErrMeasurementNotFound is returned by GetMeasurement for an unknown ID.
var ErrMeasurementNotFound = errors.New("measurement not found")

// ErrInvalidTimezone is returned by ExportCSV for an unknown IANA zone.
var ErrInvalidTimezone = errors.New("invalid timezone")

// Measurement is one persisted depth or size computation, successful or not.
// Result fields are nil when the computation failed.
type Measurement struct {
	ID          string          `json:"measurement_id"`
	Kind        string          `json:"kind"`
	ImageWidth  int             `json:"img_w"`
	ImageHeight int             `json:"img_h"`
	Fx          float64         `json:"fx"`
	Fy          float64         `json:"fy"`
	Cx          float64         `json:"cx"`
	Cy          float64         `json:"cy"`
	Baseline    float64         `json:"baseline"`
	Inputs      json.RawMessage `json:"inputs"`
	Disparity   *float64        `json:"disparity,omitempty"`
	Depth       *float64        `json:"Z,omitempty"`
	Size        *float64        `json:"size,omitempty"`
	DX          *float64        `json:"dX,omitempty"`
	DY          *float64        `json:"dY,omitempty"`
	Units       string          `json:"units"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Failed reports whether the computation was rejected.
func (m *Measurement) Failed() bool {
	return m.Error != ""
}

const measurementColumns = `measurement_id, kind, image_width, image_height,
	fx, fy, cx, cy, baseline, inputs_json,
	disparity, depth, size, dx, dy, units, error, created_unix_nanos`

// RecordMeasurement persists m. An empty ID is replaced with a new UUID and a
// zero CreatedAt with the store clock; both are written back into m.
func (db *DB) RecordMeasurement(ctx context.Context, m *Measurement) error {
	if m.Kind != KindDepth && m.Kind != KindSize {
		return fmt.Errorf("invalid measurement kind %q", m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = db.clock.Now()
	}
	inputs := m.Inputs
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO measurements (`+measurementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, m.ImageWidth, m.ImageHeight,
		m.Fx, m.Fy, m.Cx, m.Cy, m.Baseline, string(inputs),
		nullable(m.Disparity), nullable(m.Depth), nullable(m.Size), nullable(m.DX), nullable(m.DY),
		m.Units, m.Error, m.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record measurement: %w", err)
	}
	return nil
}

// ListMeasurements returns the newest measurements first. An empty kind lists
// both kinds. limit <= 0 uses the default of 100; it is capped at 1000.
func (db *DB) ListMeasurements(ctx context.Context, kind string, limit int) ([]Measurement, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + measurementColumns + ` FROM measurements`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_unix_nanos DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	measurements := []Measurement{}
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, err
		}
		measurements = append(measurements, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate measurements: %w", err)
	}
	return measurements, nil
}

// GetMeasurement returns the measurement with the given ID.
func (db *DB) GetMeasurement(ctx context.Context, id string) (*Measurement, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+measurementColumns+` FROM measurements WHERE measurement_id = ?`, id)
	m, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMeasurementNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CountMeasurements returns the number of stored measurements of kind, or of
// all kinds when kind is empty.
func (db *DB) CountMeasurements(ctx context.Context, kind string) (int, error) {
	var n int
	var err error
	if kind == "" {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements`).Scan(&n)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM measurements WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count measurements: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMeasurement(s scanner) (*Measurement, error) {
	var (
		m            Measurement
		inputs       string
		disparity    sql.NullFloat64
		depth        sql.NullFloat64
		size         sql.NullFloat64
		dx           sql.NullFloat64
		dy           sql.NullFloat64
		createdNanos int64
	)
	err := s.Scan(
		&m.ID, &m.Kind, &m.ImageWidth, &m.ImageHeight,
		&m.Fx, &m.Fy, &m.Cx, &m.Cy, &m.Baseline, &inputs,
		&disparity, &depth, &size, &dx, &dy,
		&m.Units, &m.Error, &createdNanos,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan measurement: %w", err)
	}

	m.Inputs = json.RawMessage(inputs)
	m.Disparity = nullFloat(disparity)
	m.Depth = nullFloat(depth)
	m.Size = nullFloat(size)
	m.DX = nullFloat(dx)
	m.DY = nullFloat(dy)
	m.CreatedAt = time.Unix(0, createdNanos).UTC()
	return &m, nil
}

func nullable(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// csvHeader is the column order written by ExportCSV.
var csvHeader = []string{
	"measurement_id", "created_at", "kind", "img_w", "img_h",
	"fx", "fy", "cx", "cy", "baseline",
	"disparity", "Z", "size", "dX", "dY", "units", "error", "inputs",
}

// ExportCSV writes measurements of kind (all kinds when empty), oldest first,
// as CSV with a header row. created_at is rendered in timezone, or UTC when
// timezone is empty.
func (db *DB) ExportCSV(ctx context.Context, w io.Writer, kind, timezone string) error {
	if timezone != "" && !units.IsTimezoneValid(timezone) {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}

	query := `SELECT ` + measurementColumns + ` FROM measurements`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_unix_nanos ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return err
		}
		if m.CreatedAt, err = units.ConvertTime(m.CreatedAt, timezone); err != nil {
			return err
		}
		if err := cw.Write(m.csvRecord()); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate measurements: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

func (m *Measurement) csvRecord() []string {
	return []string{
		m.ID,
		m.CreatedAt.Format(time.RFC3339Nano),
		m.Kind,
		strconv.Itoa(m.ImageWidth),
		strconv.Itoa(m.ImageHeight),
		formatFloat(m.Fx),
		formatFloat(m.Fy),
		formatFloat(m.Cx),
		formatFloat(m.Cy),
		formatFloat(m.Baseline),
		formatOptional(m.Disparity),
		formatOptional(m.Depth),
		formatOptional(m.Size),
		formatOptional(m.DX),
		formatOptional(m.DY),
		m.Units,
		m.Error,
		string(m.Inputs),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
