package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/bench"
	"github.com/mppcqc/benchlab/internal/rig"
)

// Config is the content of pmtmon.yml
type Config struct {
	Hardware rig.Hardware    `koanf:"hardware" yaml:"Hardware"`
	PMT      bench.PMTConfig `koanf:"pmt" yaml:"PMT"`
	LogLevel string          `koanf:"loglevel" yaml:"LogLevel"`
	LogJSON  bool            `koanf:"logjson" yaml:"LogJSON"`
}

func defaultConfig() Config {
	return Config{
		Hardware: rig.DefaultHardware(),
		PMT:      bench.DefaultPMTConfig(),
		LogLevel: "info",
	}
}

const usage = "usage: pmtmon <hours>"

// applyArgs sets the number of captures
func applyArgs(p *bench.PMTConfig, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected the number of hours, got %d arguments", len(args))
	}
	h, err := strconv.Atoi(args[0])
	if err != nil || h < 1 {
		return fmt.Errorf("hours: %q is not a positive integer", args[0])
	}
	p.Iterations = h
	return nil
}

// runMonitor connects the PMT supply, the digitizers and, when it has an
// address, the LED pulser, and runs the monitor
func runMonitor(ctx context.Context, c Config, log zerolog.Logger) (*bench.Report, error) {
	units, err := c.Hardware.Digitizers(log)
	if err != nil {
		return nil, err
	}
	defer units.Close()
	m := &bench.PMTMonitor{
		Config: c.PMT,
		Supply: c.Hardware.PMTSupply(log),
		Units:  units,
		Hooks:  bench.Hooks{Log: log},
	}
	if c.Hardware.Mock || c.Hardware.Pulser.Addr != "" {
		m.Pulser = c.Hardware.LEDPulser()
	}
	return m.Run(ctx)
}
