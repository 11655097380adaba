package analysis_test

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mppcqc/benchlab/analysis"
	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/digitizer"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func ExampleIntegrate() {
	wf := []float64{0, 0, 0, -5, -10, -5, 0, 0}
	fmt.Println(analysis.Integrate(wf, 0, -2, 2))
	// Output: -20
}

func TestMinimumReportsEveryIndex(t *testing.T) {
	m, idx := analysis.Minimum([]float64{1, -2, 3, -2})
	if m != -2 {
		t.Errorf("expected -2, got %v", m)
	}
	if diff := cmp.Diff([]int{1, 3}, idx); diff != "" {
		t.Errorf("indices (-want +got):\n%s", diff)
	}
	if m, _ := analysis.Minimum(nil); !math.IsNaN(m) {
		t.Errorf("expected NaN for an empty waveform, got %v", m)
	}
}

func TestBaselines(t *testing.T) {
	if got := analysis.Baseline([]float64{1, 2, 3, 100}, 3); got != 2 {
		t.Errorf("baseline %v", got)
	}
	if got := analysis.Baseline([]float64{4}, 100); got != 4 {
		t.Errorf("short waveform baseline %v", got)
	}
	if got := analysis.LowerBaseline([]float64{1, 3, 99}, 1, 0, 2); got != 1 {
		t.Errorf("lower baseline %v", got)
	}
	if got := analysis.LowerBaseline([]float64{1, 3}, -10, -5, 100); got != 12 {
		t.Errorf("lower baseline with a negative sigma %v", got)
	}
}

func TestChargeIntegration(t *testing.T) {
	wf := []float64{-1, -2, -3, 10}
	got := analysis.ChargeIntegration(wf, -4, 10, 0, 0.8)
	if !cmp.Equal(-4.8, got, approx) {
		t.Errorf("expected -4.8, got %v", got)
	}
	got = analysis.ChargeIntegration(wf, 0, 3, -1.5, 1)
	if got != -5 {
		t.Errorf("expected the cut to drop the first sample, got %v", got)
	}
	if got := analysis.ChargeIntegration(wf, 8, 20, 0, 1); got != 0 {
		t.Errorf("expected zero outside the waveform, got %v", got)
	}
}

func TestMovingAverage(t *testing.T) {
	wf := make([]float64, 10)
	for i := range wf {
		wf[i] = float64(i)
	}
	got := analysis.MovingAverage(wf, 1, 0, 10)
	want := []float64{0.5, 1.5, 2.5, 3.5, 4.5, 5.5, 6.5}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("moving average (-want +got):\n%s", diff)
	}
}

func mockCapture(t *testing.T, set digitizer.Settings, tweak func(*digitizer.Mock)) *daqfile.Capture {
	t.Helper()
	m := digitizer.NewMock("IW098/0028", 3)
	m.WaveformLimit = 200
	if tweak != nil {
		tweak(m)
	}
	if err := m.Configure(set); err != nil {
		t.Fatal(err)
	}
	c, err := m.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSanityOnMockSignal(t *testing.T) {
	c := mockCapture(t, digitizer.QuickCheck(), nil)
	res := analysis.Sanity(c)
	if len(res) != 4 {
		t.Fatalf("expected four channels, got %d", len(res))
	}
	if !analysis.SanityOK(res, analysis.DefaultSanityThresholds) {
		t.Errorf("expected the mock signal to pass:\n%s", analysis.FormatSanity(res))
	}
	for _, r := range res {
		if r.Mean >= 0 {
			t.Errorf("channel %d: negative pulses should integrate negative, got %v", r.Channel, r.Mean)
		}
	}

	dark := mockCapture(t, digitizer.QuickCheck(), func(m *digitizer.Mock) {
		m.Lambda = [4]float64{}
	})
	if analysis.SanityOK(analysis.Sanity(dark), analysis.DefaultSanityThresholds) {
		t.Error("expected a capture without light to fail")
	}
	if analysis.SanityOK(nil, analysis.DefaultSanityThresholds) {
		t.Error("no channels cannot pass")
	}
}

func TestExtractOnCleanPulses(t *testing.T) {
	c := mockCapture(t, digitizer.QuickCheck(), func(m *digitizer.Mock) {
		m.NoiseMV = 0
		m.GainSpread = 0
		m.Lambda = [4]float64{3, 3, 3, 3}
		m.WaveformLimit = 20
	})
	opts := analysis.DefaultExtractOptions
	opts.MovingAverage = 10
	feats := analysis.Extract(c, opts)
	if len(feats) != 4 {
		t.Fatalf("expected four channels, got %d", len(feats))
	}
	for _, f := range feats {
		if f.Len() != 20 || len(f.MovingAverageMinima) != 20 {
			t.Fatalf("channel %d: unexpected lengths", f.Channel)
		}
		for i := 0; i < f.Len(); i++ {
			if f.Minima[i] == 0 {
				// no photo-electrons in this waveform
				continue
			}
			if f.MinIndex[i] != 150 {
				t.Errorf("channel %d waveform %d: minimum at %v", f.Channel, i, f.MinIndex[i])
			}
			if f.Integrated[i] >= 0 || f.FullIntegrated[i] > f.Integrated[i] {
				t.Errorf("channel %d waveform %d: integrated %v full %v",
					f.Channel, i, f.Integrated[i], f.FullIntegrated[i])
			}
			if f.MovingAverageMinima[i] < f.Minima[i] {
				t.Errorf("smoothing cannot deepen the minimum")
			}
		}
	}
}

func TestMinimumHistogram(t *testing.T) {
	c := &daqfile.Capture{Header: daqfile.Header{
		Active:       [4]bool{true},
		Ranges:       [4]uint8{2},
		Samples:      [4]uint16{2},
		NumWaveforms: 3,
	}}
	c.Data[0] = []int16{-300, 5, 0, 10, -256, 0}
	if diff := cmp.Diff([]int{-2, 0, -1}, analysis.MinimumHistogram(c, 0, 0, 0)); diff != "" {
		t.Errorf("16 bit (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0}, analysis.MinimumHistogram(c, 0, 1, 1)); diff != "" {
		t.Errorf("skip and count (-want +got):\n%s", diff)
	}
	c.EightBit = true
	if diff := cmp.Diff([]int{-300, 0, -256}, analysis.MinimumHistogram(c, 0, 0, 0)); diff != "" {
		t.Errorf("8 bit (-want +got):\n%s", diff)
	}
}

func TestFITSRoundTrip(t *testing.T) {
	f := analysis.ChannelFeatures{
		Channel:        3,
		Minima:         []float64{-1.5, -2},
		MinIndex:       []float64{150, 151},
		Integrated:     []float64{-80, -120.25},
		FullIntegrated: []float64{-90, -130},
	}
	path := filepath.Join(t.TempDir(), "feat.fits")
	meta := analysis.Meta{Source: "run_IW098-0028.dat", Timebase: 2}
	if err := analysis.WriteFITS(path, f, meta); err != nil {
		t.Fatal(err)
	}
	got, gotMeta, err := analysis.ReadFITS(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("features (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(meta, gotMeta); diff != "" {
		t.Errorf("meta (-want +got):\n%s", diff)
	}

	f.MovingAverageMinima = []float64{-1, -1.75}
	if err := analysis.WriteFITS(path, f, meta); err != nil {
		t.Fatal(err)
	}
	got, _, err = analysis.ReadFITS(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f.MovingAverageMinima, got.MovingAverageMinima); diff != "" {
		t.Errorf("moving average row (-want +got):\n%s", diff)
	}
	if err := analysis.WriteFITS(path, analysis.ChannelFeatures{}, meta); err == nil {
		t.Error("expected an error for empty features")
	}
}
