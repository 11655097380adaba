package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/internal/rig"
	"github.com/mppcqc/benchlab/keithley"
)

func TestParseArgs(t *testing.T) {
	o, err := parseArgs(strings.Fields("80 2 76 0.5 -i scan 25 0.5 -j 70 --no-reset"))
	if err != nil {
		t.Fatal(err)
	}
	jump := 70.
	want := Options{
		Target: 80, NormIncrement: 2, Threshold: 76, ThreshIncrement: 0.5,
		NoReset: true,
		IV:      &IVOptions{Base: "scan", N: 25, TrigDelay: 500 * time.Millisecond},
		Jump:    &jump,
	}
	if diff := cmp.Diff(want, o); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}
}

func TestParseArgsRejects(t *testing.T) {
	bad := []string{
		"80 2 76",
		"80 2 76 0.5 9",
		"80 two 76 0.5",
		"80 2 76 0.5 -i scan",
		"80 2 76 0.5 -i scan 0 1",
		"80 2 76 0.5 -i scan 5 -1",
		"80 2 76 0.5 -j",
		"80 2 76 0.5 -j 90",
	}
	for _, b := range bad {
		if _, err := parseArgs(strings.Fields(b)); err == nil {
			t.Errorf("%q should be rejected", b)
		}
	}
}

func testConfig(t *testing.T) Config {
	c := defaultConfig()
	c.Profile.Settle, c.Profile.ZeroSettle, c.Profile.JumpSettle = 0, 0, 0
	c.DataDir = t.TempDir()
	c.IVDir = filepath.Join(c.DataDir, "IV_Curves")
	return c
}

func baseOptions() Options {
	return Options{Target: 10, NormIncrement: 2, Threshold: 8, ThreshIncrement: 0.5}
}

func newTestSession(t *testing.T, o Options, s rig.BiasSupply, units *digitizer.Group, input string) (*session, *strings.Builder) {
	t.Helper()
	out := new(strings.Builder)
	sess, err := newSession(o, testConfig(t), s, units, strings.NewReader(input), out, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return sess, out
}

func TestConsoleSession(t *testing.T) {
	m := keithley.NewMock()
	dm := digitizer.NewMock("IW098/0028", 1)
	dm.WaveformLimit = 10
	units := digitizer.NewGroup(dm)
	input := "L\n12\nNI\n1\nabc\n600\nStartDAQ\nearly\nSetDAQ\ny\n3\nStartDAQ\nday1/run1\n0\n"
	s, out := newTestSession(t, baseOptions(), m, units, input)
	if err := s.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	up := []float64{2, 4, 6, 8, 8.5, 9, 9.5, 10, 10.5, 11, 11.5, 12}
	if diff := cmp.Diff(up, m.History[:len(up)]); diff != "" {
		t.Errorf("ramp up (-want +got):\n%s", diff)
	}
	if last := m.History[len(m.History)-1]; last != 0 {
		t.Errorf("left at %v V", last)
	}
	if p := s.ramp.Profile(); p.NormIncrement != 1 {
		t.Errorf("NI not applied: %+v", p)
	}
	if _, err := os.Stat(filepath.Join(s.cfg.DataDir, "day1", "run1_IW098-0028.dat")); err != nil {
		t.Error(err)
	}
	for _, frag := range []string{"Commands:", "outside [0, 500)", "neither a voltage", "Run SetDAQ first", "Configured IW098/0028", "Output at 0 V"} {
		if !strings.Contains(out.String(), frag) {
			t.Errorf("output lacks %q:\n%s", frag, out)
		}
	}
}

func TestConsoleRejectsRangeLimit(t *testing.T) {
	m := keithley.NewMock()
	s, out := newTestSession(t, baseOptions(), m, nil, "500\n499.999\n0\n")
	if err := s.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Voltage 500 outside [0, 500)") {
		t.Errorf("500 V not refused at the prompt:\n%s", out)
	}
	if !strings.Contains(out.String(), "between 0 and 500 V") {
		t.Errorf("499.999 V not refused:\n%s", out)
	}
	for _, v := range m.History {
		if v >= ConsoleMax {
			t.Fatalf("commanded %v V", v)
		}
	}
}

func TestJumpSession(t *testing.T) {
	m := keithley.NewMock()
	o := baseOptions()
	jump := 6.
	o.Jump = &jump
	s, _ := newTestSession(t, o, m, nil, "SetDAQ\n0\n")
	if err := s.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []float64{6, 8, 8.5, 9, 9.5, 10, 9.5, 9, 8.5, 8, 6, 0}
	if diff := cmp.Diff(want, m.History); diff != "" {
		t.Errorf("commanded voltages (-want +got):\n%s", diff)
	}
}

func TestIVSession(t *testing.T) {
	m := keithley.NewMock()
	o := baseOptions()
	o.Target = 4
	o.IV = &IVOptions{Base: "mppc7", N: 3}
	s, out := newTestSession(t, o, m, nil, "")
	if err := s.run(context.Background()); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(s.cfg.IVDir, "mppc7.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 1+3*3 {
		t.Fatalf("expected a header and 9 rows, got %d lines", len(lines))
	}
	if lines[len(lines)-1] != "4,2,4e-09,0.02,4" {
		t.Errorf("last row %q", lines[len(lines)-1])
	}
	if strings.Count(out.String(), "Mean current") != 3 {
		t.Errorf("expected 3 measurements reported:\n%s", out)
	}
}

func TestComplianceRampsDown(t *testing.T) {
	m := keithley.NewMock()
	m.TripAt = 6
	s, out := newTestSession(t, baseOptions(), m, nil, "")
	err := s.run(context.Background())
	if !errors.Is(err, hvramp.ErrCompliance) {
		t.Fatalf("expected compliance, got %v", err)
	}
	if v, _ := m.ReadVoltage(); v != 0 {
		t.Errorf("supply reads %v after the ramp down", v)
	}
	if !strings.Contains(out.String(), "Ramping down!") {
		t.Errorf("operator not told:\n%s", out)
	}
}

// deadSupply stops taking commands after a number of them
type deadSupply struct {
	*keithley.Mock
	after int
}

func (d *deadSupply) SetVoltage(v float64) error {
	if len(d.History) >= d.after {
		return errors.New("port gone")
	}
	return d.Mock.SetVoltage(v)
}

func TestManualInstructionsPrinted(t *testing.T) {
	d := &deadSupply{Mock: keithley.NewMock(), after: 3}
	s, out := newTestSession(t, baseOptions(), d, nil, "")
	err := s.run(context.Background())
	var mi *hvramp.ManualInterventionError
	if !errors.As(err, &mi) {
		t.Fatalf("expected manual intervention, got %v", err)
	}
	if !strings.Contains(out.String(), `press the "OPER" button`) {
		t.Errorf("instructions not printed:\n%s", out)
	}
}
