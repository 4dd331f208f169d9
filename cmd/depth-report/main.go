package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/depth.report/internal/api"
	"github.com/banshee-data/depth.report/internal/config"
	"github.com/banshee-data/depth.report/internal/db"
	"github.com/banshee-data/depth.report/internal/fsutil"
	"github.com/banshee-data/depth.report/internal/monitoring"
	"github.com/banshee-data/depth.report/internal/security"
	"github.com/banshee-data/depth.report/internal/stereo"
	"github.com/banshee-data/depth.report/internal/units"
	"github.com/banshee-data/depth.report/internal/version"
)

// Constants
const DB_FILE = "depth.db"

var errUnknownCommand = errors.New("unknown command")

// outputFS receives files written by export and plot.
var outputFS fsutil.FileSystem = fsutil.OSFileSystem{}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches a subcommand. With no arguments it serves.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		return runServe(ctx, args, stderr)
	case "depth":
		return runDepth(args, stdout, stderr)
	case "size":
		return runSize(args, stdout, stderr)
	case "migrate":
		return runMigrate(args, stdout, stderr)
	case "export":
		return runExport(args, stdout, stderr)
	case "plot":
		return runPlot(args, stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Get().String())
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprint(out, `depth-report - stereo depth and size calculator

Usage: depth-report <command> [options]

Commands:
  serve      Run the HTTP server (default)
  depth      Compute depth from a pair of clicks
  size       Compute the distance between two clicks at a known depth
  migrate    Manage the measurement database schema
  export     Write logged measurements as CSV
  plot       Write the depth-vs-disparity curve as a PNG
  version    Show version information
  help       Show this help message

Run 'depth-report <command> -h' for command options.
`)
}

// commonFlags are shared by every command that needs the engine.
type commonFlags struct {
	configPath string
	units      string
	debug      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to stereo calibration JSON (defaults to built-in lab calibration)")
	fs.StringVar(&c.units, "units", units.CM, "Output length units: "+units.GetValidUnitsString())
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logging")
}

// setup validates the flags and builds the engine and presentation options.
func (c *commonFlags) setup() (*stereo.Engine, api.Options, error) {
	monitoring.SetDebug(c.debug)

	if !units.IsValid(c.units) {
		return nil, api.Options{}, fmt.Errorf("invalid units %q, must be one of %s", c.units, units.GetValidUnitsString())
	}

	cfg := config.DefaultStereoConfig()
	if c.configPath != "" {
		loaded, err := config.LoadStereoConfig(c.configPath)
		if err != nil {
			return nil, api.Options{}, err
		}
		cfg = loaded
	}

	engine, err := stereo.NewEngine(cfg.EngineConfig())
	if err != nil {
		return nil, api.Options{}, fmt.Errorf("invalid calibration: %w", err)
	}
	return engine, api.Options{
		Precision:    cfg.GetPrecision(),
		Units:        c.units,
		BaselineUnit: cfg.GetBaselineUnit(),
	}, nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags treats -h as success so callers can return quietly.
func parseFlags(fs *flag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// parsePoint parses "x,y" pixel coordinates.
func parsePoint(s string) (stereo.PixelPoint, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return stereo.PixelPoint{}, fmt.Errorf("invalid point %q, expected x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return stereo.PixelPoint{}, fmt.Errorf("invalid x in %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return stereo.PixelPoint{}, fmt.Errorf("invalid y in %q: %w", s, err)
	}
	return stereo.PixelPoint{X: x, Y: y}, nil
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", ":8080", "Listen address")
	dbPath := fs.String("db-path", DB_FILE, "Path to the measurement database (empty disables the log)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *listen == "" {
		return errors.New("listen address is required")
	}

	engine, opts, err := common.setup()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	var store api.MeasurementStore
	if *dbPath != "" {
		database, err := db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		// mount the admin debugging routes (accessible only over loopback or Tailscale)
		if err := database.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("failed to attach admin routes: %w", err)
		}
		store = database
	}

	mux.Handle("/", api.NewServer(engine, store, opts).ServeMux())

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("%s listening on %s", version.Get().String(), *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	wg.Wait()
	log.Printf("graceful shutdown complete")
	return nil
}

func runDepth(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("depth", stderr)
	var common commonFlags
	common.register(fs)
	left := fs.String("left", "", "Click in the left image as x,y (required)")
	right := fs.String("right", "", "Click in the right image as x,y (required)")
	width := fs.Int("img-w", 1280, "Image width in pixels")
	height := fs.Int("img-h", 720, "Image height in pixels")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *left == "" || *right == "" {
		return errors.New("--left and --right are required")
	}

	engine, opts, err := common.setup()
	if err != nil {
		return err
	}
	l, err := parsePoint(*left)
	if err != nil {
		return err
	}
	r, err := parsePoint(*right)
	if err != nil {
		return err
	}

	res, err := engine.RecoverDepth(stereo.StereoQuery{Left: l, Right: r, ImageWidth: *width, ImageHeight: *height})
	if err != nil {
		return err
	}
	rounded := opts.Precision.RoundDepth(stereo.DepthResult{
		Disparity: res.Disparity,
		Depth:     units.ConvertLength(res.Depth, opts.BaselineUnit, opts.Units),
	})
	fmt.Fprintf(stdout, "Z = %g %s (disparity %g px)\n", rounded.Depth, opts.Units, rounded.Disparity)
	return nil
}

func runSize(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("size", stderr)
	var common commonFlags
	common.register(fs)
	p1 := fs.String("p1", "", "First click as x,y (required)")
	p2 := fs.String("p2", "", "Second click as x,y (required)")
	z := fs.Float64("z", 0, "Depth in output units (required)")
	width := fs.Int("img-w", 1280, "Image width in pixels")
	height := fs.Int("img-h", 720, "Image height in pixels")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *p1 == "" || *p2 == "" {
		return errors.New("--p1 and --p2 are required")
	}

	engine, opts, err := common.setup()
	if err != nil {
		return err
	}
	a, err := parsePoint(*p1)
	if err != nil {
		return err
	}
	b, err := parsePoint(*p2)
	if err != nil {
		return err
	}

	res, err := engine.RecoverSize(stereo.SizeQuery{
		P1:          a,
		P2:          b,
		Depth:       units.ConvertLength(*z, opts.Units, opts.BaselineUnit),
		ImageWidth:  *width,
		ImageHeight: *height,
	})
	if err != nil {
		return err
	}
	toOutput := func(v float64) float64 { return units.ConvertLength(v, opts.BaselineUnit, opts.Units) }
	rounded := opts.Precision.RoundSize(stereo.SizeResult{Size: toOutput(res.Size), DX: toOutput(res.DX), DY: toOutput(res.DY)})
	fmt.Fprintf(stdout, "size = %g %s (dX %g, dY %g)\n", rounded.Size, opts.Units, rounded.DX, rounded.DY)
	return nil
}

func runMigrate(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("migrate", stderr)
	dbPath := fs.String("db-path", DB_FILE, "Path to the measurement database")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	monitoring.SetDebug(*debug)

	if fs.NArg() == 0 {
		db.PrintMigrateHelp(stdout)
		return nil
	}

	// OpenDB does not migrate, so status and down see the schema as it is.
	database, err := db.OpenDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	return db.RunMigrateCommand(stdout, database, fs.Args())
}

func runPlot(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("plot", stderr)
	var common commonFlags
	common.register(fs)
	out := fs.String("o", "depth-curve.png", "Output PNG path")
	width := fs.Int("img-w", 1280, "Image width in pixels")
	height := fs.Int("img-h", 720, "Image height in pixels")
	maxDisparity := fs.Float64("max-disparity", 200, "Largest disparity to plot, in pixels")
	samples := fs.Int("samples", 100, "Number of curve samples")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	engine, opts, err := common.setup()
	if err != nil {
		return err
	}
	points, err := engine.DepthCurve(*width, *height, *maxDisparity, *samples)
	if err != nil {
		return err
	}
	for i := range points {
		points[i].Depth = units.ConvertLength(points[i].Depth, opts.BaselineUnit, opts.Units)
	}

	f, err := createOutput(*out)
	if err != nil {
		return err
	}
	title := fmt.Sprintf("Depth vs Disparity (%dx%d)", *width, *height)
	if err := api.WriteDepthCurvePNG(f, points, title, opts.Units); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %d points to %s\n", len(points), *out)
	return nil
}

func runExport(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", stderr)
	dbPath := fs.String("db-path", DB_FILE, "Path to the measurement database")
	kind := fs.String("kind", "", "Only export this kind (depth or size)")
	out := fs.String("o", "", "Output CSV path (defaults to <kind>-measurements.csv)")
	tz := fs.String("tz", "", "IANA timezone for created_at (default UTC)")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *kind != "" && *kind != db.KindDepth && *kind != db.KindSize {
		return fmt.Errorf("invalid kind %q, must be %s or %s", *kind, db.KindDepth, db.KindSize)
	}
	if *tz != "" && !units.IsTimezoneValid(*tz) {
		return fmt.Errorf("invalid timezone %q", *tz)
	}
	if *out == "" {
		name := "measurements.csv"
		if *kind != "" {
			name = *kind + "-" + name
		}
		*out = security.SanitizeFilename(name)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	f, err := createOutput(*out)
	if err != nil {
		return err
	}
	if err := database.ExportCSV(context.Background(), f, *kind, *tz); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}

// createOutput validates path and creates it, with its parent directory, on
// outputFS.
func createOutput(path string) (io.WriteCloser, error) {
	if err := security.ValidateOutputPath(path); err != nil {
		return nil, err
	}
	if err := outputFS.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := outputFS.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	return f, nil
}
