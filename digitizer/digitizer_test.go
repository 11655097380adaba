package digitizer_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/digitizer"
)

func ExampleFileName() {
	fmt.Println(digitizer.FileName("run/2024-11-05_83V_%s", "IW098/0028"))
	// Output: run/2024-11-05_83V_%s_IW098-0028.dat
}

func TestParseSettings(t *testing.T) {
	s, err := digitizer.ParseSettings("0, 2, 1000, 0,99,0, 0,2,1000, 0,99,0, 100, 1, 10000, 0")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := digitizer.Preset(2)
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	bad := []string{
		"0,2,1000",
		"0,99,0,0,99,0,0,99,0,0,99,0,100,2,1000,0",
		"0,12,400,0,99,0,0,99,0,0,99,0,100,2,1000,0",
		"0,2,400,0,99,0,0,99,0,0,99,0,100,6,1000,0",
		"0,2,400,0,99,0,0,99,0,0,99,0,100,2,0,0",
		"0,2.5,400,0,99,0,0,99,0,0,99,0,100,2,10,0",
	}
	for _, b := range bad {
		if _, err := digitizer.ParseSettings(b); err == nil {
			t.Errorf("%q: expected an error", b)
		}
	}
	if _, err := digitizer.ParseSettings(bad[1]); !errors.Is(err, digitizer.ErrNoActiveChannels) {
		t.Errorf("expected ErrNoActiveChannels, got %v", err)
	}
}

func TestParseSettingsBounds(t *testing.T) {
	cases := map[string]string{
		"post samples above uint16": "0,2,70000,0,99,0,0,99,0,0,99,0,100,2,10,0",
		"trigger above int16":       "40000,2,400,0,99,0,0,99,0,0,99,0,100,2,10,0",
		"negative post samples":     "0,2,-1,0,99,0,0,99,0,0,99,0,100,2,10,0",
		"aux trigger below int16":   "0,2,400,0,99,0,0,99,0,0,99,0,-40000,2,10,0",
		"timebase above uint8":      "0,2,400,0,99,0,0,99,0,0,99,0,100,260,10,0",
		"samples per waveform wrap": "0,2,65000,0,99,0,0,99,0,0,99,0,100,2,10,1000",
	}
	for name, in := range cases {
		if _, err := digitizer.ParseSettings(in); !errors.Is(err, digitizer.ErrFieldRange) {
			t.Errorf("%s: expected ErrFieldRange, got %v", name, err)
		}
	}

	s, err := digitizer.ParseSettings("-32768,2,65000,0,99,0,0,99,0,0,99,0,32767,2,10,535")
	if err != nil {
		t.Fatal(err)
	}
	h := s.Header("6424E", "IW098/0028", time.Unix(0, 0))
	if h.Samples[0] != 65535 {
		t.Errorf("header holds %d samples for channel A, want 65535", h.Samples[0])
	}
}

func TestValidateSampleSum(t *testing.T) {
	s, _ := digitizer.Preset(2)
	s.Channels[0].PostSamples = 65000
	s.PreTrigger = 1000
	if err := s.Validate(); !errors.Is(err, digitizer.ErrFieldRange) {
		t.Errorf("expected ErrFieldRange, got %v", err)
	}
}

func TestPresetsAreValid(t *testing.T) {
	for n := 1; n <= 5; n++ {
		s, err := digitizer.Preset(n)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Validate(); err != nil {
			t.Errorf("preset %d: %v", n, err)
		}
		back, err := digitizer.ParseSettings(s.String())
		if err != nil {
			t.Fatalf("preset %d: %v", n, err)
		}
		if diff := cmp.Diff(s, back); diff != "" {
			t.Errorf("preset %d through String (-want +got):\n%s", n, diff)
		}
	}
	if _, err := digitizer.Preset(6); err == nil {
		t.Error("expected no preset 6")
	}
	for name, s := range map[string]digitizer.Settings{
		"dark":    digitizer.Dark(),
		"led":     digitizer.LEDScan(4, 2),
		"check":   digitizer.QuickCheck(),
		"monitor": digitizer.PMTMonitor(),
	} {
		if err := s.Validate(); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestHeaderFromSettings(t *testing.T) {
	s := digitizer.LEDScan(4, 2)
	s.Channels[0].TriggerMV = -50
	s.PreTrigger = 20
	ts := time.Unix(1700000000, 0)
	h := s.Header("6424E", "IW114/0004", ts)
	want := daqfile.Header{
		Timebase:     2,
		Active:       [4]bool{true, true, true, true},
		Triggers:     [4]bool{true, false, false, false},
		AuxTrigger:   true,
		AuxThreshold: daqfile.MVToADC(100, daqfile.AuxRangeCode),
		Thresholds:   [4]int16{daqfile.MVToADC(-50, 4), 0, 0, 0},
		Ranges:       [4]uint8{4, 4, 4, 2},
		Samples:      [4]uint16{420, 420, 420, 420},
		PreTrigger:   20,
		NumWaveforms: 20000,
		Timestamp:    1700000000,
		Model:        "6424E",
		Serial:       "IW114/0004",
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	mon := digitizer.PMTMonitor().Header("6424E", "x", ts)
	if diff := cmp.Diff([]int{3}, mon.ActiveChannels()); diff != "" {
		t.Errorf("active channels (-want +got):\n%s", diff)
	}
	if mon.Triggers[3] {
		t.Error("zero threshold must not enable the channel trigger")
	}
}

func TestSessionRequiresSettings(t *testing.T) {
	s := digitizer.Init(digitizer.NewMock("IW098/0028", 1))
	if err := s.CollectTo(context.Background(), filepath.Join(t.TempDir(), "x.dat")); !errors.Is(err, digitizer.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if err := s.SetSettings(digitizer.Settings{}); err == nil {
		t.Error("expected invalid settings to be rejected")
	}
	if _, ok := s.Settings(); ok {
		t.Error("rejected settings must not be kept")
	}
}

func TestMockIsDeterministic(t *testing.T) {
	collect := func() *daqfile.Capture {
		m := digitizer.NewMock("IW098/0028", 42)
		m.Now = func() time.Time { return time.Unix(1700000000, 0) }
		m.WaveformLimit = 20
		if err := m.Configure(digitizer.QuickCheck()); err != nil {
			t.Fatal(err)
		}
		c, err := m.Collect(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	a, b := collect(), collect()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("same seed gave different captures (-a +b):\n%s", diff)
	}
	if a.NumWaveforms != 20 {
		t.Errorf("expected the waveform limit to apply, got %d", a.NumWaveforms)
	}
	if len(a.Data[0]) != 20*400 {
		t.Errorf("expected 8000 samples on A, got %d", len(a.Data[0]))
	}
}

func TestMockPulsesAreNegative(t *testing.T) {
	m := digitizer.NewMock("u", 7)
	m.NoiseMV = 0
	m.GainSpread = 0
	m.Lambda = [4]float64{50, 50, 50, 50}
	m.WaveformLimit = 10
	if err := m.Configure(digitizer.QuickCheck()); err != nil {
		t.Fatal(err)
	}
	c, err := m.Collect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, wf := range c.Channel(0) {
		if wf[0] != 0 {
			t.Fatalf("baseline should be flat without noise, got %d", wf[0])
		}
		if wf[150] >= 0 {
			t.Fatalf("expected a negative pulse at sample 150, got %d", wf[150])
		}
		if wf[150] > wf[200] {
			t.Fatalf("pulse should decay: %d then %d", wf[150], wf[200])
		}
	}
}

func TestMockCancel(t *testing.T) {
	m := digitizer.NewMock("u", 1)
	if err := m.Configure(digitizer.Dark()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGroupCollectAll(t *testing.T) {
	a := digitizer.NewMock("IW098/0028", 1)
	b := digitizer.NewMock("IW114/0004", 2)
	a.WaveformLimit, b.WaveformLimit = 5, 5
	g := digitizer.NewGroup(a, b)
	if diff := cmp.Diff([]string{"IW098/0028", "IW114/0004"}, g.Serials()); diff != "" {
		t.Errorf("serials (-want +got):\n%s", diff)
	}
	if err := g.SetSettings(digitizer.Dark()); err != nil {
		t.Fatal(err)
	}
	pattern := filepath.Join(t.TempDir(), "dark")
	files, err := g.CollectAll(context.Background(), pattern)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{pattern + "_IW098-0028.dat", pattern + "_IW114-0004.dat"}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
	h, err := daqfile.ReadFileHeader(files[1])
	if err != nil {
		t.Fatal(err)
	}
	if h.Serial != "IW114/0004" || h.NumWaveforms != 5 {
		t.Errorf("unexpected header %+v", h)
	}
	if err := g.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Collect(context.Background()); err == nil {
		t.Error("expected a closed unit to refuse captures")
	}
}
