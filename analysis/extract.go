package analysis

import (
	"github.com/mppcqc/benchlab/daqfile"
)

// ExtractOptions control feature extraction
type ExtractOptions struct {
	// WindowLow and WindowHigh bound the integration window around the
	// minimum, in samples
	WindowLow, WindowHigh int

	// NumSigma sets the integration cut LowerBaseline(NumSigma) over the
	// first BaselineSamples samples.  Negative values place the cut above
	// the baseline.
	NumSigma        float64
	BaselineSamples int

	// MovingAverage is the half width of the moving average whose minima
	// are recorded.  Zero disables it.
	MovingAverage int
}

// DefaultExtractOptions integrate from 10 samples before to 50 after the
// minimum with the cut 10 sigma above the baseline
var DefaultExtractOptions = ExtractOptions{
	WindowLow:       10,
	WindowHigh:      50,
	NumSigma:        -10,
	BaselineSamples: DefaultBaselineSamples,
}

// ChannelFeatures are the per-waveform features of one channel
type ChannelFeatures struct {
	Channel int

	// Minima is the minimum of each waveform in mV
	Minima []float64

	// MinIndex is the first sample index of each minimum
	MinIndex []float64

	// Integrated is the charge in the window around the minimum, mV.ns
	Integrated []float64

	// FullIntegrated is the charge over the whole waveform, mV.ns
	FullIntegrated []float64

	// MovingAverageMinima is the minimum of each smoothed waveform; nil
	// unless enabled
	MovingAverageMinima []float64
}

// Len is the number of waveforms
func (f *ChannelFeatures) Len() int {
	return len(f.Minima)
}

// Extract computes the features of every active channel of c
func Extract(c *daqfile.Capture, opts ExtractOptions) []ChannelFeatures {
	dt := c.SampleInterval()
	var out []ChannelFeatures
	for _, ch := range c.ActiveChannels() {
		wfs := c.MilliVolts(ch)
		f := ChannelFeatures{
			Channel:        ch,
			Minima:         make([]float64, len(wfs)),
			MinIndex:       make([]float64, len(wfs)),
			Integrated:     make([]float64, len(wfs)),
			FullIntegrated: make([]float64, len(wfs)),
		}
		if opts.MovingAverage > 0 {
			f.MovingAverageMinima = make([]float64, len(wfs))
		}
		for i, wf := range wfs {
			m, idx := Minimum(wf)
			at := 0
			if len(idx) > 0 {
				at = idx[0]
			}
			f.Minima[i] = m
			f.MinIndex[i] = float64(at)
			cut := LowerBaseline(wf, opts.NumSigma, 0, opts.BaselineSamples)
			f.Integrated[i] = ChargeIntegration(wf, at-opts.WindowLow, at+opts.WindowHigh, cut, dt)
			f.FullIntegrated[i] = ChargeIntegration(wf, 0, len(wf)-1, cut, dt)
			if opts.MovingAverage > 0 {
				ma := MovingAverage(wf, opts.MovingAverage, at-opts.WindowLow, at+opts.WindowHigh)
				mm, _ := Minimum(ma)
				f.MovingAverageMinima[i] = mm
			}
		}
		out = append(out, f)
	}
	return out
}
