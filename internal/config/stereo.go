package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/depth.report/internal/stereo"
	"github.com/banshee-data/depth.report/internal/units"
)

// DefaultConfigPath is the path to the canonical calibration defaults file.
const DefaultConfigPath = "config/stereo.defaults.json"

// Built-in defaults used when a field is omitted from the JSON file. They
// match the 1280x720 lab calibration and a 10 cm sideways move.
const (
	defaultFx                 = 991.396
	defaultFy                 = 991.628
	defaultCx                 = 671.244
	defaultCy                 = 371.286
	defaultCalibrationWidth   = 1280
	defaultCalibrationHeight  = 720
	defaultBaseline           = 10.0
	defaultBaselineUnit       = units.CM
	defaultLengthPrecision    = stereo.DefaultLengthPrecision
	defaultDisparityPrecision = stereo.DefaultDisparityPrecision
	maxPrecision              = 12
)

// StereoConfig is the root configuration for the stereo measurement service.
// Fields omitted from the JSON keep their built-in defaults.
type StereoConfig struct {
	// Reference calibration
	Fx                *float64 `json:"fx,omitempty"`
	Fy                *float64 `json:"fy,omitempty"`
	Cx                *float64 `json:"cx,omitempty"`
	Cy                *float64 `json:"cy,omitempty"`
	CalibrationWidth  *int     `json:"calibration_width,omitempty"`
	CalibrationHeight *int     `json:"calibration_height,omitempty"`

	// Rig
	Baseline     *float64 `json:"baseline,omitempty"`
	BaselineUnit *string  `json:"baseline_unit,omitempty"` // one of units.ValidUnits
	MinDisparity *float64 `json:"min_disparity,omitempty"` // pixels

	// Presentation
	LengthPrecision    *int `json:"length_precision,omitempty"`
	DisparityPrecision *int `json:"disparity_precision,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyStereoConfig returns a StereoConfig with all fields set to nil.
func EmptyStereoConfig() *StereoConfig {
	return &StereoConfig{}
}

// DefaultStereoConfig returns a StereoConfig with every field populated from
// the built-in defaults.
func DefaultStereoConfig() *StereoConfig {
	return &StereoConfig{
		Fx:                 ptrFloat64(defaultFx),
		Fy:                 ptrFloat64(defaultFy),
		Cx:                 ptrFloat64(defaultCx),
		Cy:                 ptrFloat64(defaultCy),
		CalibrationWidth:   ptrInt(defaultCalibrationWidth),
		CalibrationHeight:  ptrInt(defaultCalibrationHeight),
		Baseline:           ptrFloat64(defaultBaseline),
		BaselineUnit:       ptrString(defaultBaselineUnit),
		MinDisparity:       ptrFloat64(stereo.DefaultMinDisparity),
		LengthPrecision:    ptrInt(defaultLengthPrecision),
		DisparityPrecision: ptrInt(defaultDisparityPrecision),
	}
}

// LoadStereoConfig loads a StereoConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadStereoConfig(path string) (*StereoConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyStereoConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *StereoConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,       // from cmd/depth-report/
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadStereoConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}

// Validate checks that the configuration values are valid.
func (c *StereoConfig) Validate() error {
	for name, v := range map[string]*float64{"fx": c.Fx, "fy": c.Fy, "baseline": c.Baseline} {
		if v != nil && !positiveFinite(*v) {
			return fmt.Errorf("%s must be positive, got %v", name, *v)
		}
	}
	for name, v := range map[string]*float64{"cx": c.Cx, "cy": c.Cy} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be finite, got %v", name, *v)
		}
	}

	if c.CalibrationWidth != nil && *c.CalibrationWidth <= 0 {
		return fmt.Errorf("calibration_width must be positive, got %d", *c.CalibrationWidth)
	}
	if c.CalibrationHeight != nil && *c.CalibrationHeight <= 0 {
		return fmt.Errorf("calibration_height must be positive, got %d", *c.CalibrationHeight)
	}

	if c.BaselineUnit != nil && !units.IsValid(*c.BaselineUnit) {
		return fmt.Errorf("baseline_unit must be one of %s, got %q", units.GetValidUnitsString(), *c.BaselineUnit)
	}

	if c.MinDisparity != nil && !positiveFinite(*c.MinDisparity) {
		return fmt.Errorf("min_disparity must be positive, got %v", *c.MinDisparity)
	}

	if c.LengthPrecision != nil && (*c.LengthPrecision < 0 || *c.LengthPrecision > maxPrecision) {
		return fmt.Errorf("length_precision must be between 0 and %d, got %d", maxPrecision, *c.LengthPrecision)
	}
	if c.DisparityPrecision != nil && (*c.DisparityPrecision < 0 || *c.DisparityPrecision > maxPrecision) {
		return fmt.Errorf("disparity_precision must be between 0 and %d, got %d", maxPrecision, *c.DisparityPrecision)
	}

	return nil
}

// GetFx returns the fx value or the default.
func (c *StereoConfig) GetFx() float64 {
	if c.Fx == nil {
		return defaultFx
	}
	return *c.Fx
}

// GetFy returns the fy value or the default.
func (c *StereoConfig) GetFy() float64 {
	if c.Fy == nil {
		return defaultFy
	}
	return *c.Fy
}

// GetCx returns the cx value or the default.
func (c *StereoConfig) GetCx() float64 {
	if c.Cx == nil {
		return defaultCx
	}
	return *c.Cx
}

// GetCy returns the cy value or the default.
func (c *StereoConfig) GetCy() float64 {
	if c.Cy == nil {
		return defaultCy
	}
	return *c.Cy
}

// GetCalibrationWidth returns the calibration_width value or the default.
func (c *StereoConfig) GetCalibrationWidth() int {
	if c.CalibrationWidth == nil {
		return defaultCalibrationWidth
	}
	return *c.CalibrationWidth
}

// GetCalibrationHeight returns the calibration_height value or the default.
func (c *StereoConfig) GetCalibrationHeight() int {
	if c.CalibrationHeight == nil {
		return defaultCalibrationHeight
	}
	return *c.CalibrationHeight
}

// GetBaseline returns the baseline value or the default.
func (c *StereoConfig) GetBaseline() float64 {
	if c.Baseline == nil {
		return defaultBaseline
	}
	return *c.Baseline
}

// GetBaselineUnit returns the baseline_unit value or the default.
func (c *StereoConfig) GetBaselineUnit() string {
	if c.BaselineUnit == nil || *c.BaselineUnit == "" {
		return defaultBaselineUnit
	}
	return *c.BaselineUnit
}

// GetMinDisparity returns the min_disparity value or the default.
func (c *StereoConfig) GetMinDisparity() float64 {
	if c.MinDisparity == nil {
		return stereo.DefaultMinDisparity
	}
	return *c.MinDisparity
}

// GetPrecision returns the presentation precision.
func (c *StereoConfig) GetPrecision() stereo.Precision {
	p := stereo.DefaultPrecision()
	if c.LengthPrecision != nil {
		p.Length = *c.LengthPrecision
	}
	if c.DisparityPrecision != nil {
		p.Disparity = *c.DisparityPrecision
	}
	return p
}

// ReferenceCalibration returns the calibration the intrinsics were measured at.
func (c *StereoConfig) ReferenceCalibration() stereo.ReferenceCalibration {
	return stereo.ReferenceCalibration{
		Intrinsics: stereo.CameraIntrinsics{
			Fx: c.GetFx(),
			Fy: c.GetFy(),
			Cx: c.GetCx(),
			Cy: c.GetCy(),
		},
		Width:  c.GetCalibrationWidth(),
		Height: c.GetCalibrationHeight(),
	}
}

// EngineConfig converts the file config into the immutable engine config.
func (c *StereoConfig) EngineConfig() stereo.Config {
	return stereo.Config{
		Reference:    c.ReferenceCalibration(),
		Baseline:     c.GetBaseline(),
		MinDisparity: c.GetMinDisparity(),
	}
}
