package fit

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Hist is a histogram with equal width bins
type Hist struct {
	Edges   []float64
	Centres []float64
	Counts  []float64
}

// Histogram bins data into nbins equal bins over [lo, hi].  The last bin
// includes hi and values outside are dropped.  lo == hi == 0 uses the data
// range; any other lo == hi is widened by 0.5 either side.
func Histogram(data []float64, nbins int, lo, hi float64) Hist {
	if nbins < 1 {
		nbins = 1
	}
	if lo == 0 && hi == 0 && len(data) > 0 {
		lo, hi = floats.Min(data), floats.Max(data)
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	h := Hist{
		Edges:   floats.Span(make([]float64, nbins+1), lo, hi),
		Centres: make([]float64, nbins),
		Counts:  make([]float64, nbins),
	}
	for i := range h.Centres {
		h.Centres[i] = (h.Edges[i] + h.Edges[i+1]) / 2
	}
	width := hi - lo
	for _, v := range data {
		if v < lo || v > hi {
			continue
		}
		i := int((v - lo) / width * float64(nbins))
		if i >= nbins {
			i = nbins - 1
		}
		h.Counts[i]++
	}
	return h
}

// Normalize is the area under y sampled at x, sum y[i]*(x[i+1]-x[i])
func Normalize(x, y []float64) float64 {
	s := 0.
	for i := 0; i+1 < len(x); i++ {
		s += y[i] * (x[i+1] - x[i])
	}
	return s
}

// Density returns the counts scaled to unit area
func (h Hist) Density() []float64 {
	out := append([]float64(nil), h.Counts...)
	if n := Normalize(h.Centres, h.Counts); n != 0 {
		floats.Scale(1/n, out)
	}
	return out
}

// Options configure a spectrum fit
type Options struct {
	// NBins is the number of histogram bins
	NBins int

	// Lo and Hi bound the histogram; both zero uses the data range
	Lo, Hi float64

	// I1 and I2 select the bins [I1, I2) that are fitted
	I1, I2 int

	P0, Lower, Upper []float64

	// KMax bounds the photo-electron sum of the charge model
	KMax int
}

// ChargeOptions fit the Poisson-Gaussian to minimum amplitudes in mV
func ChargeOptions(nbins int) Options {
	return Options{
		NBins: nbins,
		I1:    0,
		I2:    nbins - 1,
		P0:    []float64{5, 0, 0.1, -2.7, 0.1},
		Lower: []float64{0, -4, 0, -10, 0},
		Upper: []float64{15, 0.5, 2, 0, 2},
		KMax:  30,
	}
}

// IntegratedOptions fit the Poisson-Gaussian to integrated charge in mV.ns
func IntegratedOptions(nbins int) Options {
	return Options{
		NBins: nbins,
		I1:    nbins / 2,
		I2:    nbins - 1 - nbins/8,
		P0:    []float64{4, 20, 20, -80, 5},
		Lower: []float64{0, -50, 0.01, -100, 0.001},
		Upper: []float64{30, 50, 50, -50, 5},
		KMax:  10,
	}
}

// GaussOptions fit a single Gaussian to high light integrated charge
func GaussOptions(nbins int) Options {
	return Options{
		NBins: nbins,
		I1:    nbins / 2,
		I2:    nbins - 1 - nbins/8,
		P0:    []float64{-1000, 100},
		Lower: []float64{-10000, 0.01},
		Upper: []float64{0, 5000},
	}
}

// Spectrum is a fitted histogram
type Spectrum struct {
	Hist
	Normed []float64
	I1, I2 int
	Model  Model
	Names  []string
	Result
}

// Curve evaluates the fitted model at the fitted bin centres
func (s *Spectrum) Curve() (x, y []float64) {
	x = s.Centres[s.I1:s.I2]
	y = make([]float64, len(x))
	for i, v := range x {
		y[i] = s.Model(v, s.Params)
	}
	return x, y
}

func fitSpectrum(data []float64, opts Options, model Model, names []string) (*Spectrum, error) {
	if len(data) == 0 {
		return nil, errors.New("fit: no data")
	}
	h := Histogram(data, opts.NBins, opts.Lo, opts.Hi)
	i1, i2 := opts.I1, opts.I2
	if i1 < 0 {
		i1 = 0
	}
	if i2 > len(h.Centres) {
		i2 = len(h.Centres)
	}
	if i2-i1 < len(opts.P0) {
		return nil, fmt.Errorf("fit: %d bins selected for %d parameters", i2-i1, len(opts.P0))
	}
	s := &Spectrum{Hist: h, Normed: h.Density(), I1: i1, I2: i2, Model: model, Names: names}
	res, err := CurveFit(model, h.Centres[i1:i2], s.Normed[i1:i2], opts.P0, opts.Lower, opts.Upper)
	s.Result = res
	return s, err
}

// ChargeParamNames label the Poisson-Gaussian parameters
var ChargeParamNames = []string{"lambda", "Q0", "sigma0", "mu", "sigma"}

// FitCharge fits the Poisson-Gaussian charge model
func FitCharge(data []float64, opts Options) (*Spectrum, error) {
	kmax := opts.KMax
	if kmax <= 0 {
		kmax = 30
	}
	return fitSpectrum(data, opts, ChargeModel(kmax), ChargeParamNames)
}

// FitIntegrated fits the Poisson-Gaussian to integrated charge with the
// integrated charge defaults
func FitIntegrated(data []float64, nbins int) (*Spectrum, error) {
	return FitCharge(data, IntegratedOptions(nbins))
}

// FitGauss fits a single Gaussian with the high light defaults
func FitGauss(data []float64, nbins int) (*Spectrum, error) {
	return fitSpectrum(data, GaussOptions(nbins), GaussModel, []string{"mu", "sigma"})
}
