package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/bench"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/internal/rig"
)

// Config is the content of mppcqc.yml
type Config struct {
	Hardware rig.Hardware   `koanf:"hardware" yaml:"Hardware"`
	Profile  hvramp.Profile `koanf:"profile" yaml:"Profile"`
	QC       bench.QCConfig `koanf:"qc" yaml:"QC"`
	LogLevel string         `koanf:"loglevel" yaml:"LogLevel"`
	LogJSON  bool           `koanf:"logjson" yaml:"LogJSON"`
}

func defaultConfig() Config {
	return Config{
		Hardware: rig.DefaultHardware(),
		Profile:  hvramp.DefaultProfile(),
		QC:       bench.DefaultQCConfig(),
		LogLevel: "info",
	}
}

const usage = "usage: mppcqc <mppc1> <mppc2> <mppc3> [label] [--crashed]"

// applyArgs sets the MPPC serials, label and crash recovery from the
// command line
func applyArgs(qc *bench.QCConfig, args []string) error {
	var pos []string
	for _, a := range args {
		if a == "--crashed" {
			qc.Crashed = true
			continue
		}
		pos = append(pos, a)
	}
	if len(pos) < 3 || len(pos) > 4 {
		return fmt.Errorf("expected 3 MPPC numbers and an optional label, got %d arguments", len(pos))
	}
	for _, n := range pos[:3] {
		if _, err := strconv.Atoi(n); err != nil {
			return fmt.Errorf("MPPC number %q is not an integer", n)
		}
	}
	qc.MPPCs = pos[:3]
	if len(pos) == 4 {
		qc.Label = pos[3]
	}
	return nil
}

// runSweep connects the bench described by c and runs the sweep
func runSweep(ctx context.Context, c Config, confirm func(string) bool, log zerolog.Logger) (*bench.Report, error) {
	supply := c.Hardware.BiasSupply()
	r, err := hvramp.New(supply, c.Profile)
	if err != nil {
		return nil, err
	}
	r.Name = "bias"
	r.Log = log
	units, err := c.Hardware.Digitizers(log)
	if err != nil {
		return nil, err
	}
	defer units.Close()
	q := &bench.QCSweep{
		Config: c.QC,
		Ramper: r,
		Supply: supply,
		Pulser: c.Hardware.LEDPulser(),
		Units:  units,
		Hooks:  bench.Hooks{Confirm: confirm, Log: log},
	}
	return q.Run(ctx)
}
