package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/bench"
)

func TestApplyArgs(t *testing.T) {
	p := bench.DefaultPMTConfig()
	if err := applyArgs(&p, []string{"12"}); err != nil {
		t.Fatal(err)
	}
	if p.Iterations != 12 {
		t.Errorf("iterations %d", p.Iterations)
	}
	for _, bad := range [][]string{nil, {"0"}, {"two"}, {"1", "2"}} {
		if err := applyArgs(&p, bad); err == nil {
			t.Errorf("%v should be rejected", bad)
		}
	}
}

func TestRunMonitorOnMockBench(t *testing.T) {
	c := defaultConfig()
	c.Hardware.Mock = true
	c.Hardware.Units = []string{"IW098/0028", "IW114/0004"}
	c.Hardware.WaveformLimit = 100
	c.PMT.Dir = t.TempDir()
	c.PMT.Iterations = 2
	c.PMT.Interval = 0
	c.PMT.Poll = time.Millisecond
	c.PMT.QuickPlots = false
	rep, err := runMonitor(context.Background(), c, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Files) != 4 {
		t.Fatalf("expected 4 files, got %v", rep.Files)
	}
	for _, f := range rep.Files {
		if _, err := os.Stat(f); err != nil {
			t.Error(err)
		}
	}
	if !strings.HasSuffix(rep.Files[3], "_630mV_1.4kV_1_IW114-0004.dat") {
		t.Errorf("unexpected name %s", filepath.Base(rep.Files[3]))
	}
}
