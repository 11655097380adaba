package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/analysis"
	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/iseg"
	"github.com/mppcqc/benchlab/plots"
	"github.com/mppcqc/benchlab/runlog"
)

// PMTChannel is the digitizer channel the PMT is read on
const PMTChannel = 3

// PMTSupply is a high voltage module that ramps itself
type PMTSupply interface {
	RampTo(ctx context.Context, v, speed int) (iseg.Status, error)
	WaitRamped(ctx context.Context, poll time.Duration) (iseg.Status, error)
	Off(ctx context.Context) (iseg.Status, error)
}

// PMTConfig describes a PMT monitor run
type PMTConfig struct {
	// Dir is the data root; each day gets a directory below it
	Dir string `koanf:"dir" yaml:"Dir"`

	// Voltage and RampSpeed (V/s) of the PMT supply
	Voltage   int `koanf:"voltage" yaml:"Voltage"`
	RampSpeed int `koanf:"rampspeed" yaml:"RampSpeed"`

	// LEDmV is the LED amplitude, zero leaves the pulser alone
	LEDmV int `koanf:"ledmv" yaml:"LEDmV"`

	// PMTkV labels the PMT high voltage in file names
	PMTkV string `koanf:"pmtkv" yaml:"PMTkV"`

	// Iterations is the number of captures
	Iterations int `koanf:"iterations" yaml:"Iterations"`

	// Interval is the time from the start of one capture to the next
	Interval time.Duration `koanf:"interval" yaml:"Interval"`

	// Poll is the status poll period while the supply ramps
	Poll time.Duration `koanf:"poll" yaml:"Poll"`

	// QuickPlots writes a histogram of the PMT minima after every capture
	QuickPlots bool `koanf:"quickplots" yaml:"QuickPlots"`
}

// DefaultPMTConfig monitors a PMT at 1400 V once an hour
func DefaultPMTConfig() PMTConfig {
	return PMTConfig{
		Dir:        "pmt-monitor",
		Voltage:    1400,
		RampSpeed:  50,
		LEDmV:      630,
		PMTkV:      "1.4",
		Iterations: 1,
		Interval:   time.Hour,
		Poll:       time.Second,
		QuickPlots: true,
	}
}

// PMTMonitor captures the PMT response at a fixed interval to follow its
// gain over time
type PMTMonitor struct {
	Config PMTConfig
	Supply PMTSupply

	// Pulser is optional
	Pulser Pulser

	Units *digitizer.Group
	Hooks
}

// Pattern is the file pattern of capture i, e.g. 2024-11-05_630mV_1.4kV_3
func (m *PMTMonitor) Pattern(dir, date string, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%dmV_%skV_%d", date, m.Config.LEDmV, m.Config.PMTkV, i))
}

// minimaPlot histograms the PMT minima of waveforms 300 to 1300 of every
// file of one capture
func minimaPlot(pattern string, files []string) error {
	series := make(map[string][]int, len(files))
	for _, f := range files {
		c, err := daqfile.ReadFile(f)
		if err != nil {
			return err
		}
		series[c.Serial] = analysis.MinimumHistogram(c, PMTChannel, 1000, 300)
	}
	return plots.Minima(pattern+"_minima.png", series, filepath.Base(pattern)+" channel D")
}

// safeExit starts the ramp of the supply to zero.  If the supply does not
// take the command the operator must do it.
func (m *PMTMonitor) safeExit(cause error) error {
	m.Log.Error().Err(cause).Msg("pmt monitor stopping, ramping the supply to zero")
	if m.Pulser != nil {
		if perr := m.Pulser.DisableOutput(); perr != nil {
			m.Log.Error().Err(perr).Msg("switching the LED off")
		}
	}
	st, err := m.Supply.Off(context.Background())
	if err != nil {
		return &hvramp.ManualInterventionError{Cause: errors.Join(cause, err), Instructions: hvramp.IsegManualRampDown}
	}
	m.Log.Info().Str("status", string(st)).Msg("supply ramping to zero")
	return cause
}

// Run ramps the PMT up, takes Iterations captures Interval apart and
// ramps it down again.  Every failure after the ramp started sends the
// supply to zero.
func (m *PMTMonitor) Run(ctx context.Context) (*Report, error) {
	start := m.now()
	date := start.Format(DateLayout)
	rep := &Report{RunDir: filepath.Join(m.Config.Dir, date)}
	if m.Config.Iterations < 1 {
		return rep, fmt.Errorf("bench: %d iterations requested", m.Config.Iterations)
	}
	if err := os.MkdirAll(rep.RunDir, 0o755); err != nil {
		return rep, err
	}
	m.Units.SetLogger(m.Log)

	st, err := m.Supply.RampTo(ctx, m.Config.Voltage, m.Config.RampSpeed)
	if err != nil {
		return rep, m.safeExit(fmt.Errorf("bench: PMT supply incorrectly configured: %w", err))
	}
	m.Log.Info().Str("status", string(st)).Int("voltage", m.Config.Voltage).Msg("PMT ramping")

	if err := m.Units.SetSettings(digitizer.PMTMonitor()); err != nil {
		return rep, m.safeExit(err)
	}
	if m.Pulser != nil && m.Config.LEDmV > 0 {
		if err := m.Pulser.Pulse(agilent.DefaultPulse.WithAmplitude(m.Config.LEDmV)); err != nil {
			return rep, m.safeExit(err)
		}
	}

	st, err = m.Supply.WaitRamped(ctx, m.Config.Poll)
	if err != nil {
		return rep, m.safeExit(err)
	}
	if st != iseg.StatusOn {
		cause := fmt.Errorf("bench: possible problem with the PMT supply: %w", &iseg.StatusError{Status: st})
		err = m.safeExit(cause)
		var mi *hvramp.ManualInterventionError
		if !errors.As(err, &mi) {
			err = &hvramp.ManualInterventionError{Cause: err, Instructions: hvramp.IsegManualRampDown}
		}
		return rep, err
	}

	for i := 0; i < m.Config.Iterations; i++ {
		prev := m.now()
		pattern := m.Pattern(rep.RunDir, date, i)
		files, err := collect(ctx, m.Hooks, m.Units, rep.RunDir, capture{pattern: pattern, kind: runlog.KindPMT, ledMV: m.Config.LEDmV})
		rep.Files = append(rep.Files, files...)
		if err != nil {
			return rep, m.safeExit(fmt.Errorf("bench: data collection failed: %w", err))
		}
		if m.Config.QuickPlots {
			if err := minimaPlot(pattern, files); err != nil {
				m.Log.Warn().Err(err).Str("pattern", pattern).Msg("quick plot failed")
			}
		}
		if i == m.Config.Iterations-1 {
			break
		}
		if err := m.sleep(ctx, m.Config.Interval-m.now().Sub(prev)); err != nil {
			return rep, m.safeExit(fmt.Errorf("bench: data collection interrupted: %w", err))
		}
	}

	if m.Pulser != nil {
		if err := m.Pulser.DisableOutput(); err != nil {
			m.Log.Error().Err(err).Msg("switching the LED off")
		}
	}
	st, err = m.Supply.Off(context.Background())
	rep.Took = m.now().Sub(start)
	if err != nil {
		return rep, &hvramp.ManualInterventionError{Cause: err, Instructions: hvramp.IsegManualRampDown}
	}
	if !st.OK() && st != iseg.StatusOff {
		m.Log.Warn().Str("status", string(st)).Msg("possible problem with the PMT supply, check it ramps down")
	}
	m.Log.Info().Int("captures", m.Config.Iterations).Dur("took", rep.Took).Msg("pmt monitor finished")
	return rep, nil
}
