package analysis

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/mppcqc/benchlab/daqfile"
)

// SanityResult summarises the integrated signal of one channel
type SanityResult struct {
	Channel int     `json:"channel"`
	Mean    float64 `json:"mean"`
	Std     float64 `json:"std"`
}

func (r SanityResult) String() string {
	return fmt.Sprintf("Ch %s: %g ± %g", daqfile.ChannelName(r.Channel), r.Mean, r.Std)
}

// SanityThresholds are the smallest |mean| accepted per channel
type SanityThresholds [daqfile.NumChannels]float64

// DefaultSanityThresholds expect a clear MPPC signal on A..C and a PMT
// signal on D
var DefaultSanityThresholds = SanityThresholds{2000, 2000, 2000, 50}

// Sanity integrates every waveform of each active channel around its
// minimum, after subtracting the baseline of its first 100 samples
func Sanity(c *daqfile.Capture) []SanityResult {
	var out []SanityResult
	for _, ch := range c.ActiveChannels() {
		wfs := c.MilliVolts(ch)
		charge := make([]float64, len(wfs))
		for i, wf := range wfs {
			charge[i] = Integrate(wf, Baseline(wf, DefaultBaselineSamples), -10, 40)
		}
		r := SanityResult{Channel: ch, Mean: math.NaN(), Std: math.NaN()}
		if len(charge) > 0 {
			r.Mean = stat.Mean(charge, nil)
			r.Std = math.Sqrt(stat.PopVariance(charge, nil))
		}
		out = append(out, r)
	}
	return out
}

// SanityOK is true when every channel reaches its threshold
func SanityOK(results []SanityResult, th SanityThresholds) bool {
	for _, r := range results {
		if !(math.Abs(r.Mean) >= th[r.Channel]) {
			return false
		}
	}
	return len(results) > 0
}

// FormatSanity renders results one channel per line
func FormatSanity(results []SanityResult) string {
	lines := make([]string, len(results))
	for i, r := range results {
		lines[i] = r.String()
	}
	return strings.Join(lines, "\n")
}

// MinimumHistogram returns the minimum of up to n waveforms of channel ch,
// starting at waveform skip, for a quick look.  16 bit minima are divided
// down to 8 bit resolution.  n <= 0 takes every remaining waveform.
func MinimumHistogram(c *daqfile.Capture, ch, n, skip int) []int {
	wfs := c.Channel(ch)
	if skip > len(wfs) {
		skip = len(wfs)
	}
	wfs = wfs[skip:]
	if n > 0 && n < len(wfs) {
		wfs = wfs[:n]
	}
	out := make([]int, len(wfs))
	for i, wf := range wfs {
		m := math.MaxInt16
		for _, v := range wf {
			if int(v) < m {
				m = int(v)
			}
		}
		if !c.EightBit {
			m = floorDiv(m, 256)
		}
		out[i] = m
	}
	return out
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
