package digitizer

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mppcqc/benchlab/daqfile"
)

// Mock is a synthetic digitizer with an MPPC on each of A..C and a PMT on D.
// Each waveform carries a Poisson number of photo-electrons, each with a
// Gaussian gain, shaped as one negative pulse with an exponential tail, on a
// baseline with Gaussian noise.
type Mock struct {
	sync.Mutex

	// Lambda is the mean number of photo-electrons per waveform
	Lambda [daqfile.NumChannels]float64

	// GainMV is the mean single photo-electron amplitude
	GainMV [daqfile.NumChannels]float64

	// GainSpread is the single photo-electron amplitude spread, as a
	// fraction of GainMV
	GainSpread float64

	// NoiseMV is the baseline noise
	NoiseMV float64

	// TauNs is the pulse decay time
	TauNs float64

	// PulseDelay is the pulse position in samples after the pre-trigger
	PulseDelay int

	// Light scales Lambda per capture, e.g. from the LED amplitude.  Nil
	// means 1.
	Light func() float64

	// WaveformLimit caps the waveforms per capture when non-zero
	WaveformLimit uint32

	// Now stamps the captures; nil means time.Now
	Now func() time.Time

	serial   string
	settings *Settings
	rng      *rand.Rand
	closed   bool
	nCapture int
}

// NewMock returns a mock unit with a fixed seed
func NewMock(serial string, seed uint64) *Mock {
	return &Mock{
		Lambda:     [4]float64{4, 4, 4, 8},
		GainMV:     [4]float64{40, 40, 40, 10},
		GainSpread: 0.1,
		NoiseMV:    0.5,
		TauNs:      20,
		PulseDelay: 150,
		serial:     serial,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Serial implements Digitizer
func (m *Mock) Serial() string { return m.serial }

// Model implements Digitizer
func (m *Mock) Model() string { return "MOCK" }

// Configure implements Digitizer
func (m *Mock) Configure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.settings = &s
	return nil
}

// Captures returns the number of captures collected so far
func (m *Mock) Captures() int {
	m.Lock()
	defer m.Unlock()
	return m.nCapture
}

// Close implements Digitizer
func (m *Mock) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}

// poisson draws from a Poisson distribution by inversion, which is fine for
// the means of a few tens used here
func poisson(r *rand.Rand, lambda float64) int {
	if lambda <= 0 {
		return 0
	}
	u := r.Float64()
	p := math.Exp(-lambda)
	cdf := p
	k := 0
	for u > cdf && k < 1000 {
		k++
		p *= lambda / float64(k)
		cdf += p
	}
	return k
}

// Collect implements Digitizer
func (m *Mock) Collect(ctx context.Context) (*daqfile.Capture, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, errors.New("digitizer: mock closed")
	}
	if m.settings == nil {
		return nil, ErrNotConfigured
	}
	s := *m.settings
	if m.WaveformLimit != 0 && s.NumWaveforms > m.WaveformLimit {
		s.NumWaveforms = m.WaveformLimit
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	scale := 1.
	if m.Light != nil {
		scale = m.Light()
	}
	c := &daqfile.Capture{Header: s.Header(m.Model(), m.serial, now())}
	dt := c.SampleInterval()
	full, limit := float64(daqfile.FullScale16), float64(daqfile.FullScale16)
	if s.EightBit {
		full, limit = daqfile.FullScale8, 127
	}
	for _, ch := range c.ActiveChannels() {
		n := int(c.Samples[ch])
		adcPerMV := full / daqfile.RangesMV[c.Ranges[ch]]
		t0 := int(s.PreTrigger) + m.PulseDelay
		if t0 >= n {
			t0 = n / 2
		}
		data := make([]int16, 0, n*int(s.NumWaveforms))
		wf := make([]float64, n)
		for w := uint32(0); w < s.NumWaveforms; w++ {
			if w%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			amp := 0.
			for k := poisson(m.rng, m.Lambda[ch]*scale); k > 0; k-- {
				amp += m.GainMV[ch] * (1 + m.GainSpread*m.rng.NormFloat64())
			}
			for i := range wf {
				v := m.NoiseMV * m.rng.NormFloat64()
				if i >= t0 {
					v -= amp * math.Exp(-float64(i-t0)*dt/m.TauNs)
				}
				adc := math.Round(v * adcPerMV)
				wf[i] = math.Max(math.Min(adc, limit), -limit)
			}
			for _, v := range wf {
				data = append(data, int16(v))
			}
		}
		c.Data[ch] = data
	}
	m.nCapture++
	return c, nil
}
