package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/depth.report/internal/httputil"
	"github.com/banshee-data/depth.report/internal/stereo"
)

const (
	defaultCurveMaxDisparity = 200.0
	defaultCurveSamples      = 100
	maxCurveSamples          = 2000
)

// curveParams reads img_w, img_h, max_disparity and samples.
func (s *Server) curveParams(r *http.Request) (width, height int, maxDisparity float64, samples int, err error) {
	width, height, err = imageSize(r, s.engine.Config().Reference)
	if err != nil {
		return
	}
	maxDisparity, err = httputil.QueryFloat(r, "max_disparity", defaultCurveMaxDisparity)
	if err != nil {
		return
	}
	samples, err = httputil.QueryInt(r, "samples", defaultCurveSamples)
	if err != nil {
		return
	}
	if samples > maxCurveSamples {
		samples = maxCurveSamples
	}
	return width, height, maxDisparity, samples, nil
}

// depthCurve converts a sampled curve to response units.
func (s *Server) depthCurve(r *http.Request) ([]stereo.CurvePoint, int, int, error) {
	width, height, maxD, samples, err := s.curveParams(r)
	if err != nil {
		return nil, 0, 0, err
	}
	points, err := s.engine.DepthCurve(width, height, maxD, samples)
	if err != nil {
		return nil, 0, 0, err
	}
	for i := range points {
		points[i].Depth = s.toOutput(points[i].Depth)
	}
	return points, width, height, nil
}

func (s *Server) depthCurveChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	points, width, height, err := s.depthCurve(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	data := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		data = append(data, opts.LineData{Value: []interface{}{p.Disparity, p.Depth}})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Depth vs Disparity", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Depth vs Disparity",
			Subtitle: fmt.Sprintf("image=%dx%d baseline=%g %s", width, height, s.toOutput(s.engine.Config().Baseline), s.units),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Disparity (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "log", Name: fmt.Sprintf("Depth (%s)", s.units), NameLocation: "middle", NameGap: 50}),
	)
	line.AddSeries("depth", data, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) depthCurvePlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	points, width, height, err := s.depthCurve(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("Depth vs Disparity (%dx%d)", width, height)
	if err := WriteDepthCurvePNG(&buf, points, title, s.units); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

// PlotDepthCurve builds a depth-versus-disparity line plot.
func PlotDepthCurve(points []stereo.CurvePoint, title, lengthUnit string) (*plot.Plot, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no curve points to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Disparity (px)"
	p.Y.Label.Text = fmt.Sprintf("Depth (%s)", lengthUnit)
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(points))
	for i, cp := range points {
		pts[i] = plotter.XY{X: cp.Disparity, Y: cp.Depth}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("depth", line)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p, nil
}

// WriteDepthCurvePNG renders the curve as a 10x6 inch PNG to w.
func WriteDepthCurvePNG(w io.Writer, points []stereo.CurvePoint, title, lengthUnit string) error {
	p, err := PlotDepthCurve(points, title, lengthUnit)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}
