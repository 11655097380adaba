// Package plots renders charge spectra, fit overlays and waveforms.  The
// output format follows the file extension (.pdf, .png, .svg, ...).
package plots

import (
	"errors"
	"fmt"
	"image/color"
	"sort"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/mppcqc/benchlab/fit"
)

// Size of every figure
var (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

func newPlot(title, xlabel, ylabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	p.Legend.Top = true
	return p
}

// FormatParams renders fitted parameters as name = value pairs
func FormatParams(names []string, params []float64) string {
	parts := make([]string, len(params))
	for i, v := range params {
		name := fmt.Sprintf("p%d", i)
		if i < len(names) {
			name = names[i]
		}
		parts[i] = fmt.Sprintf("%s = %.3f", name, v)
	}
	return strings.Join(parts, ", ")
}

// HistogramWithFit draws the normalised spectrum of data in nbins bins with
// the fitted curve of s over it
func HistogramWithFit(path string, data []float64, nbins int, s *fit.Spectrum, title, xlabel string) error {
	if len(data) == 0 {
		return errors.New("plots: no data")
	}
	p := newPlot(title, xlabel, "Normalised frequency")
	h, err := plotter.NewHist(plotter.Values(data), nbins)
	if err != nil {
		return err
	}
	h.Normalize(1)
	h.FillColor = nil
	p.Add(h)
	p.Legend.Add(fmt.Sprintf("spectrum, %d bins", nbins), h)
	if s != nil && s.Params != nil {
		x, y := s.Curve()
		xys := make(plotter.XYs, len(x))
		for i := range x {
			xys[i].X, xys[i].Y = x[i], y[i]
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = color.RGBA{R: 200, A: 255}
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add("fit", line)
		p.Legend.Add(FormatParams(s.Names, s.Params))
		p.Legend.Add(fmt.Sprintf("chi2/ndf = %.3g/%d", s.Chi2, s.NDF))
	}
	return p.Save(Width, Height, path)
}

// Waveforms overlays the first n waveforms sampled every dtNs
func Waveforms(path string, wfs [][]float64, n int, dtNs float64, title string) error {
	if n <= 0 || n > len(wfs) {
		n = len(wfs)
	}
	if n == 0 {
		return errors.New("plots: no waveforms")
	}
	p := newPlot(title, "time [ns]", "amplitude [mV]")
	for i := 0; i < n; i++ {
		xys := make(plotter.XYs, len(wfs[i]))
		for j, v := range wfs[i] {
			xys[j].X, xys[j].Y = float64(j)*dtNs, v
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
	}
	return p.Save(Width, Height, path)
}

// Minima draws one quick look histogram of waveform minima per series, one
// bin per count
func Minima(path string, series map[string][]int, title string) error {
	names := make([]string, 0, len(series))
	for k, v := range series {
		if len(v) > 0 {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return errors.New("plots: no minima")
	}
	sort.Strings(names)
	p := newPlot(title, "minimum [ADC/256]", "frequency")
	for i, name := range names {
		vals := make(plotter.Values, len(series[name]))
		lo, hi := series[name][0], series[name][0]
		for j, v := range series[name] {
			vals[j] = float64(v)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		h, err := plotter.NewHist(vals, hi-lo+1)
		if err != nil {
			return err
		}
		h.FillColor = nil
		h.LineStyle.Color = plotutil.Color(i)
		p.Add(h)
		p.Legend.Add(name, h)
	}
	return p.Save(Width, Height, path)
}
