package rig

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/digitizer"
)

func TestAsker(t *testing.T) {
	out := new(strings.Builder)
	ask := Asker(strings.NewReader("y\nNo\n YES \n"), out)
	var got []bool
	for i := 0; i < 4; i++ {
		got = append(got, ask("go on?"))
	}
	if diff := cmp.Diff([]bool{true, false, true, false}, got); diff != "" {
		t.Errorf("answers (-want +got):\n%s", diff)
	}
	if strings.Count(out.String(), "go on? (y/n)") != 4 {
		t.Errorf("prompt not shown every time:\n%s", out)
	}
}

func TestMockDigitizers(t *testing.T) {
	h := Hardware{Mock: true, Units: []string{"IW098/0028", "IW114/0004"}, WaveformLimit: 10}
	g, err := h.Digitizers(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	if diff := cmp.Diff(h.Units, g.Serials()); diff != "" {
		t.Errorf("serials (-want +got):\n%s", diff)
	}
	set, _ := digitizer.Preset(3)
	if err := g.SetSettings(set); err != nil {
		t.Fatal(err)
	}
	files, err := g.CollectAll(context.Background(), t.TempDir()+"/run")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || !strings.HasSuffix(files[1], "run_IW114-0004.dat") {
		t.Errorf("unexpected files %v", files)
	}
}

func TestDigitizersNeedUnitsAndBackend(t *testing.T) {
	if _, err := (Hardware{Mock: true}).Digitizers(zerolog.Nop()); err == nil {
		t.Error("no units should be an error")
	}
	h := Hardware{Units: []string{"x"}, Backend: "picoscope"}
	if _, err := h.Digitizers(zerolog.Nop()); err == nil {
		t.Error("unknown backend should be an error")
	}
	h = Hardware{Mock: true, Units: []string{"IW098/0028", "IW098/0028"}}
	if _, err := h.Digitizers(zerolog.Nop()); err == nil {
		t.Error("a unit listed twice should be an error")
	}
}

func TestMockSupplies(t *testing.T) {
	h := Hardware{Mock: true}
	s := h.BiasSupply()
	if _, err := s.SetRange(20); err != nil {
		t.Fatal(err)
	}
	if err := s.SetVoltage(12); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.ReadVoltage(); v != 12 {
		t.Errorf("mock bias reads %v", v)
	}
	info, err := h.PMTSupply(zerolog.Nop()).SystemInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Serial != "484216" {
		t.Errorf("mock PMT serial %q", info.Serial)
	}
	if err := h.LEDPulser().EnableOutput(); err != nil {
		t.Error(err)
	}
}
