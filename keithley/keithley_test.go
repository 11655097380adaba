package keithley_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/internal/linedev"
	"github.com/mppcqc/benchlab/keithley"
)

func fake6487(t *testing.T, read string) (*linedev.Device, *keithley.Picoammeter) {
	t.Helper()
	dev := linedev.New(func(line string) []string {
		switch line {
		case "READ?":
			return []string{read}
		case "*IDN?":
			return []string{"KEITHLEY INSTRUMENTS INC.,MODEL 6487,4096393,A04"}
		case "*OPC?":
			return []string{"1"}
		case "TRAC:DATA?":
			return []string{"+1.0E-09A,+0.0E+00,+7.6E+01,+1.2E-09A,+1.0E-02,+7.6E+01"}
		}
		return nil
	})
	p := keithley.NewPicoammeterOnPool(dev.Pool())
	p.MeasureInterval = 0
	return dev, p
}

func TestRangeFor(t *testing.T) {
	cases := []struct {
		v    float64
		want float64
		err  bool
	}{
		{0, 10, false},
		{9.99, 10, false},
		{10, 50, false},
		{49.5, 50, false},
		{83, 500, false},
		{500, 0, true},
		{-1, 0, true},
	}
	for _, c := range cases {
		got, err := keithley.RangeFor(c.v)
		if (err != nil) != c.err || got != c.want {
			t.Errorf("RangeFor(%v) = %v, %v; want %v, err=%v", c.v, got, err, c.want, c.err)
		}
	}
}

func TestReadVoltageParsesSourceElement(t *testing.T) {
	dev, p := fake6487(t, "+7.650001E+01V")
	v, err := p.ReadVoltage()
	if err != nil {
		t.Fatal(err)
	}
	if v != 76.5 {
		t.Errorf("expected 76.5, got %v", v)
	}
	want := []string{"INIT", "FORM:ELEM VSO", "READ?"}
	if diff := cmp.Diff(want, dev.Lines()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestReadVoltageCompliance(t *testing.T) {
	_, p := fake6487(t, "-9.990000E+02")
	v, err := p.ReadVoltage()
	if err != nil {
		t.Fatal(err)
	}
	if v != keithley.ComplianceReading {
		t.Errorf("expected compliance reading, got %v", v)
	}
}

func TestReadVoltageMalformed(t *testing.T) {
	_, p := fake6487(t, "garbage")
	if _, err := p.ReadVoltage(); !errors.Is(err, keithley.ErrBadReading) {
		t.Errorf("expected ErrBadReading, got %v", err)
	}
}

func TestSetVoltageAndRange(t *testing.T) {
	dev, p := fake6487(t, "")
	r, err := p.SetRange(76.5)
	if err != nil {
		t.Fatal(err)
	}
	if r != 500 || p.Range() != 500 {
		t.Errorf("expected the 500 V range, got %v", r)
	}
	if err := p.SetVoltage(76.499999); err != nil {
		t.Fatal(err)
	}
	if _, err := p.IDN(); err != nil {
		t.Fatal(err)
	}
	want := []string{"SOUR:VOLT:RANG 500", "SOUR:VOLT 76.5", "*IDN?"}
	if diff := cmp.Diff(want, dev.Lines()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if p.Range() != 0 {
		t.Errorf("reset should forget the range")
	}
}

func TestMeasureReadsTrace(t *testing.T) {
	dev, p := fake6487(t, "+1.0E-09A,+0.0E+00,+7.6E+01V")
	if _, err := p.Measure(); err == nil {
		t.Error("Measure before ConfigureIV should fail")
	}
	if err := p.ConfigureIV(2, 2e-3, 0); err != nil {
		t.Fatal(err)
	}
	buf, err := p.Measure()
	if err != nil {
		t.Fatal(err)
	}
	want := keithley.IVBuffer{
		Current: []float64{1e-9, 1.2e-9},
		Time:    []float64{0, 0.01},
		Voltage: []float64{76, 76},
	}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Errorf("trace (-want +got):\n%s", diff)
	}
	// voltage reads now use the three column format
	dev.Reset()
	v, err := p.ReadVoltage()
	if err != nil {
		t.Fatal(err)
	}
	if v != 76 {
		t.Errorf("expected 76, got %v", v)
	}
	if got := dev.Lines()[1]; got != "FORM:ELEM READ,TIME,VSO" {
		t.Errorf("unexpected format command %q", got)
	}
}

func TestParseTraceRejectsPartialReading(t *testing.T) {
	if _, err := keithley.ParseTrace("1,2"); !errors.Is(err, keithley.ErrBadReading) {
		t.Errorf("expected ErrBadReading, got %v", err)
	}
	if _, err := keithley.ParseTrace("1,x,3"); !errors.Is(err, keithley.ErrBadReading) {
		t.Errorf("expected ErrBadReading, got %v", err)
	}
}

func TestMockUnderRamper(t *testing.T) {
	m := keithley.NewMock()
	p := hvramp.DefaultProfile()
	p.Settle, p.ZeroSettle, p.JumpSettle = 0, 0, 0
	r, err := hvramp.New(m, p)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RampTo(context.Background(), 12); err != nil {
		t.Fatal(err)
	}
	if m.Range() != 50 {
		t.Errorf("expected the 50 V range, got %v", m.Range())
	}
	m.TripAt = 20
	if err := r.RampTo(context.Background(), 30); !errors.Is(err, hvramp.ErrCompliance) {
		t.Fatalf("expected compliance, got %v", err)
	}
	if err := r.Zero(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.ReadVoltage(); v != 0 {
		t.Errorf("expected 0 V after zero, got %v", v)
	}
}

func TestMockMeasure(t *testing.T) {
	m := keithley.NewMock()
	m.SetRange(80)
	m.SetVoltage(80)
	if err := m.ConfigureIV(3, 2e-3, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	buf, err := m.Measure()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf.Current) != 3 || math.Abs(buf.Current[0]-80e-9) > 1e-15 {
		t.Errorf("unexpected buffer %+v", buf)
	}
}

func ExampleMock() {
	m := keithley.NewMock()
	m.TripAt = 20
	idn, _ := m.IDN()
	fmt.Println(idn)
	m.SetRange(30)
	m.SetVoltage(10)
	v, _ := m.ReadVoltage()
	fmt.Println(v)
	m.SetVoltage(20)
	v, _ = m.ReadVoltage()
	fmt.Println(v == keithley.ComplianceReading)
	// Output:
	// KEITHLEY INSTRUMENTS INC.,MODEL 6487,MOCK,0
	// 10
	// true
}
