package oscilloscope_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/oscilloscope"
)

func TestPhysicalAndCounts(t *testing.T) {
	c := oscilloscope.Channel{Data: []int16{0, 100, -500}, Scale: 1e-4, Reference: 0, Offset: 0}
	phys := c.Physical()
	if diff := cmp.Diff([]float64{0, 0.01, -0.05}, phys, cmp.Comparer(func(a, b float64) bool {
		d := a - b
		return d < 1e-12 && d > -1e-12
	})); diff != "" {
		t.Errorf("physical (-want +got):\n%s", diff)
	}
	// range code 2 is 50 mV full scale
	if diff := cmp.Diff([]int16{0, 6502, -32512}, c.Counts(2)); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
}

func TestEncodeCSVSortsChannels(t *testing.T) {
	w := oscilloscope.Waveform{DT: 1e-9, Channels: map[string]oscilloscope.Channel{
		"CHANnel2": {Data: []int16{1, 2}, Scale: 1},
		"CHANnel1": {Data: []int16{3, 4}, Scale: 1},
	}}
	var buf bytes.Buffer
	if err := w.EncodeCSV(&buf); err != nil {
		t.Fatal(err)
	}
	want := "time,CHANnel1,CHANnel2\n0,3,1\n1E-09,4,2\n"
	if got := buf.String(); got != want {
		t.Errorf("got\n%s\nwant\n%s", got, want)
	}
	if err := (&oscilloscope.Waveform{}).EncodeCSV(&buf); err == nil {
		t.Error("expected an error for an empty waveform")
	}
}
