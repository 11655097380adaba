package iseg_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/internal/linedev"
	"github.com/mppcqc/benchlab/iseg"
)

func ExampleParseCurrent() {
	a, _ := iseg.ParseCurrent("1234-5")
	fmt.Printf("%.5f\n", a)
	// Output: 0.01234
}

func TestParseSystemInfo(t *testing.T) {
	info, err := iseg.ParseSystemInfo("484216;3.09;4000V;3mA")
	if err != nil {
		t.Fatal(err)
	}
	want := iseg.SystemInfo{Serial: "484216", Firmware: "3.09", MaxVoltage: 4000, MaxCurrent: 3e-3}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if _, err := iseg.ParseSystemInfo("484216;3.09"); !errors.Is(err, iseg.ErrPortMisconfigured) {
		t.Errorf("expected ErrPortMisconfigured, got %v", err)
	}
}

func TestStatusPredicates(t *testing.T) {
	cases := []struct {
		line        string
		ramping, ok bool
	}{
		{"S1=ON ", false, true},
		{"S1=L2H", true, true},
		{"S1=H2L", true, true},
		{"S1=OFF", false, false},
		{"S1=TRP", false, false},
	}
	for _, c := range cases {
		st := iseg.ParseStatus(c.line)
		if st.Ramping() != c.ramping || st.OK() != c.ok {
			t.Errorf("%q: ramping=%v ok=%v", c.line, st.Ramping(), st.OK())
		}
	}
}

func TestCommandsAreEchoedAndPadded(t *testing.T) {
	m := iseg.NewMock()
	n := m.NHQ()
	ctx := context.Background()
	if err := n.SetSetVoltage(ctx, 140); err != nil {
		t.Fatal(err)
	}
	if err := n.SetRampSpeed(ctx, 50); err != nil {
		t.Fatal(err)
	}
	v, err := n.SetVoltage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s, err := n.RampSpeed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 140 || s != 50 {
		t.Errorf("expected 140 V at 50 V/s, got %d at %d", v, s)
	}
	want := []string{"D1=0140", "V1=050", "D1", "V1"}
	if diff := cmp.Diff(want, m.Lines()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestLimitsScaleBySystemInfo(t *testing.T) {
	n := iseg.NewMock().NHQ()
	vl, err := n.VoltageLimit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	il, err := n.CurrentLimit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if vl != 4000 || math.Abs(il-3e-3) > 1e-12 {
		t.Errorf("expected 4000 V and 3 mA, got %v and %v", vl, il)
	}
}

func TestSetVoltageBounds(t *testing.T) {
	n := iseg.NewMock().NHQ()
	if err := n.SetSetVoltage(context.Background(), 10000); err == nil {
		t.Error("expected an error above 9999 V")
	}
	if err := n.SetRampSpeed(context.Background(), 1); err == nil {
		t.Error("expected an error below 2 V/s")
	}
}

func TestRampToAndWait(t *testing.T) {
	m := iseg.NewMock()
	m.RampPolls = 2
	n := m.NHQ()
	ctx := context.Background()
	st, err := n.RampTo(ctx, 1400, 50)
	if err != nil {
		t.Fatal(err)
	}
	if st != iseg.StatusRampUp {
		t.Errorf("expected L2H after G1, got %s", st)
	}
	st, err = n.WaitRamped(ctx, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if st != iseg.StatusOn {
		t.Errorf("expected ON after the ramp, got %s", st)
	}
	v, err := n.ActualVoltage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1400 {
		t.Errorf("expected 1400 V, got %d", v)
	}
	a, err := n.ActualCurrent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(a-1.4e-6) > 1e-12 {
		t.Errorf("expected 1.4 uA, got %v", a)
	}
	if _, err := n.Off(ctx); err != nil {
		t.Fatal(err)
	}
	if st, _ := n.WaitRamped(ctx, time.Millisecond); st != iseg.StatusOff {
		t.Errorf("expected OFF, got %s", st)
	}
}

func TestRampToInhibited(t *testing.T) {
	m := iseg.NewMock()
	m.Inhibit = true
	_, err := m.NHQ().RampTo(context.Background(), 0, 50)
	var se *iseg.StatusError
	if !errors.As(err, &se) || se.Status != iseg.StatusInhibit {
		t.Errorf("expected an INH status error, got %v", err)
	}
}

func TestRejectedCommand(t *testing.T) {
	dev := linedev.New(func(line string) []string { return []string{"????"} })
	dev.Echo = true
	dev.TxTerm = "\r\n"
	n := iseg.NewNHQOnPool(dev.Pool())
	n.CharDelay = 0
	_, err := n.Status(context.Background())
	var ce *iseg.CommandError
	if !errors.As(err, &ce) || ce.Kind != iseg.Rejected {
		t.Errorf("expected a rejected command, got %v", err)
	}
}

func TestEchoMismatch(t *testing.T) {
	dev := linedev.New(func(line string) []string { return []string{"S1", "S1=ON"} })
	dev.TxTerm = "\r\n"
	n := iseg.NewNHQOnPool(dev.Pool())
	n.CharDelay = 0
	_, err := n.ActualVoltage(context.Background())
	var ce *iseg.CommandError
	if !errors.As(err, &ce) || ce.Kind != iseg.EchoMismatch {
		t.Errorf("expected an echo mismatch, got %v", err)
	}
}

func TestUnexpectedResponse(t *testing.T) {
	dev := linedev.New(func(line string) []string { return []string{"0140"} })
	dev.Echo = true
	dev.TxTerm = "\r\n"
	n := iseg.NewNHQOnPool(dev.Pool())
	n.CharDelay = 0
	err := n.SetSetVoltage(context.Background(), 140)
	var ce *iseg.CommandError
	if !errors.As(err, &ce) || ce.Kind != iseg.UnexpectedResponse {
		t.Errorf("expected an unexpected response error, got %v", err)
	}
}

func TestPacedWritesTakeTime(t *testing.T) {
	m := iseg.NewMock()
	n := m.NHQ()
	n.CharDelay = 5 * time.Millisecond
	start := time.Now()
	if _, err := n.Status(context.Background()); err != nil {
		t.Fatal(err)
	}
	// "S1\r\n" is four characters, the first goes out immediately
	if el := time.Since(start); el < 14*time.Millisecond {
		t.Errorf("characters were not paced, took %v", el)
	}
}
