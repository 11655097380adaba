/*Package fit fits charge spectra: the multi photo-electron
Poisson-Gaussian model, and a single Gaussian for high light levels.

Spectra are histogrammed, normalised to unit area and fitted by bounded
least squares over a contiguous range of bins.
*/
package fit

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrBadBounds is returned when p0 lies outside the bounds or the bounds
	// are inverted
	ErrBadBounds = errors.New("fit: initial parameters outside bounds")

	// ErrNoConvergence wraps optimiser failures
	ErrNoConvergence = errors.New("fit: no convergence")
)

// Model evaluates a curve at x for parameters p
type Model func(x float64, p []float64) float64

// Normal is the Gaussian probability density
func Normal(x, mu, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return distuv.Normal{Mu: mu, Sigma: sigma}.Prob(x)
}

func poissonProb(k int, lambda float64) float64 {
	if lambda <= 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	return distuv.Poisson{Lambda: lambda}.Prob(float64(k))
}

// ChargeDistribution is the charge spectrum of a Poisson number of
// photo-electrons with mean lambda, each with Gaussian gain mu and spread
// sigma, on a pedestal q0 with noise sigma0.  params is
// [lambda, q0, sigma0, mu, sigma] and the sum runs over k < kmax.
func ChargeDistribution(q float64, params []float64, kmax int) float64 {
	lambda, q0, sigma0, mu, sigma := params[0], params[1], params[2], params[3], params[4]
	p := 0.
	for k := 0; k < kmax; k++ {
		fk := float64(k)
		p += poissonProb(k, lambda) * Normal(q, fk*mu+q0, math.Sqrt(fk*sigma*fk*sigma+sigma0*sigma0))
	}
	return p
}

// ChargeModel binds kmax into a Model
func ChargeModel(kmax int) Model {
	return func(x float64, p []float64) float64 {
		return ChargeDistribution(x, p, kmax)
	}
}

// GaussModel is Normal with params [mu, sigma]
func GaussModel(x float64, p []float64) float64 {
	return Normal(x, p[0], p[1])
}

// Result is the outcome of a fit
type Result struct {
	Params []float64
	Chi2   float64
	NDF    int
	Status string
}

// box maps unconstrained coordinates onto [lo, hi] and back
type box struct {
	lo, hi []float64
}

func (b box) toBounded(u, dst []float64) []float64 {
	for i, v := range u {
		if b.lo[i] == b.hi[i] {
			dst[i] = b.lo[i]
			continue
		}
		dst[i] = b.lo[i] + (b.hi[i]-b.lo[i])*(math.Sin(v)+1)/2
	}
	return dst
}

func (b box) toFree(p []float64) []float64 {
	u := make([]float64, len(p))
	for i, v := range p {
		if b.lo[i] == b.hi[i] {
			continue
		}
		s := 2*(v-b.lo[i])/(b.hi[i]-b.lo[i]) - 1
		u[i] = math.Asin(math.Max(-1, math.Min(1, s)))
	}
	return u
}

// CurveFit minimises the sum of squared residuals of model over (x, y)
// starting at p0 with each parameter held inside [lower, upper]
func CurveFit(model Model, x, y, p0, lower, upper []float64) (Result, error) {
	if len(x) != len(y) {
		return Result{}, errors.New("fit: x and y differ in length")
	}
	if len(lower) != len(p0) || len(upper) != len(p0) {
		return Result{}, fmt.Errorf("%w: %d parameters, %d/%d bounds", ErrBadBounds, len(p0), len(lower), len(upper))
	}
	for i := range p0 {
		if lower[i] > upper[i] || p0[i] < lower[i] || p0[i] > upper[i] {
			return Result{}, fmt.Errorf("%w: parameter %d = %v not in [%v, %v]", ErrBadBounds, i, p0[i], lower[i], upper[i])
		}
	}
	b := box{lo: lower, hi: upper}
	p := make([]float64, len(p0))
	chi2 := func(u []float64) float64 {
		b.toBounded(u, p)
		s := 0.
		for i, xi := range x {
			r := model(xi, p) - y[i]
			s += r * r
		}
		return s
	}
	problem := optimize.Problem{Func: chi2}
	settings := &optimize.Settings{
		MajorIterations: 20000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-14,
			Relative:   1e-12,
			Iterations: 200,
		},
	}
	u := b.toFree(p0)
	var (
		res *optimize.Result
		err error
	)
	// restart once from the first optimum, the simplex collapses early on
	// flat directions
	for pass := 0; pass < 2; pass++ {
		res, err = optimize.Minimize(problem, u, settings, &optimize.NelderMead{})
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrNoConvergence, err)
		}
		u = res.X
	}
	out := Result{
		Params: b.toBounded(res.X, make([]float64, len(p0))),
		Chi2:   res.F,
		NDF:    len(x) - len(p0),
		Status: res.Status.String(),
	}
	if math.IsNaN(out.Chi2) || floats.HasNaN(out.Params) {
		return out, fmt.Errorf("%w: NaN in the result", ErrNoConvergence)
	}
	return out, nil
}
