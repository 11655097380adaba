/*Package analysis extracts per-waveform features from captures: minima,
integrated charge and baselines, and the quick sanity summary checked
before a sweep.

Waveforms are in millivolts.  Charges from ChargeIntegration are in mV.ns;
Integrate sums samples and is in mV.samples.
*/
package analysis

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBaselineSamples is the number of leading samples averaged for the
// baseline
const DefaultBaselineSamples = 100

func clampRange(n, i1, i2 int) (int, int) {
	if n < 0 {
		n = 0
	}
	if i1 < 0 {
		i1 = 0
	}
	if i1 > n {
		i1 = n
	}
	if i2 > n {
		i2 = n
	}
	if i2 < i1 {
		i2 = i1
	}
	return i1, i2
}

// Baseline is the mean of the first n samples of wf
func Baseline(wf []float64, n int) float64 {
	_, n = clampRange(len(wf), 0, n)
	if n == 0 {
		return 0
	}
	return stat.Mean(wf[:n], nil)
}

// Minimum returns the smallest value in wf and every index where it occurs
func Minimum(wf []float64) (float64, []int) {
	if len(wf) == 0 {
		return math.NaN(), nil
	}
	m := floats.Min(wf)
	var idx []int
	for i, v := range wf {
		if v == m {
			idx = append(idx, i)
		}
	}
	return m, idx
}

// Integrate sums wf-baseline over the samples strictly between
// argmin+lo and argmin+hi
func Integrate(wf []float64, baseline float64, lo, hi int) float64 {
	if len(wf) == 0 {
		return 0
	}
	at := floats.MinIdx(wf)
	i1, i2 := clampRange(len(wf), at+lo+1, at+hi)
	sum := 0.
	for _, v := range wf[i1:i2] {
		sum += v - baseline
	}
	return sum
}

// LowerBaseline is mean-numSigma*std over wf[i1:i2]
func LowerBaseline(wf []float64, numSigma float64, i1, i2 int) float64 {
	i1, i2 = clampRange(len(wf), i1, i2)
	if i1 == i2 {
		return math.NaN()
	}
	seg := wf[i1:i2]
	mu := stat.Mean(seg, nil)
	sigma := math.Sqrt(stat.PopVariance(seg, nil))
	return mu - numSigma*sigma
}

// ChargeIntegration sums wf[k]*dtNs for k in [i1, min(len-1, i2)) where
// wf[k] is below upperLimit
func ChargeIntegration(wf []float64, i1, i2 int, upperLimit, dtNs float64) float64 {
	i1, i2 = clampRange(len(wf)-1, i1, i2)
	sum := 0.
	for _, v := range wf[i1:i2] {
		if v < upperLimit {
			sum += v * dtNs
		}
	}
	return sum
}

// MovingAverage returns the mean of wf[i-n:i+n] for i from max(i1,0)+n up
// to but excluding min(i2,len)-n-1
func MovingAverage(wf []float64, n, i1, i2 int) []float64 {
	i1, i2 = clampRange(len(wf), i1, i2)
	var out []float64
	for i := i1 + n; i < i2-n-1; i++ {
		lo, hi := clampRange(len(wf), i-n, i+n)
		if lo == hi {
			continue
		}
		out = append(out, stat.Mean(wf[lo:hi], nil))
	}
	return out
}
