package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/analysis"
	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/runlog"
)

// BiasSupply is the MPPC bias source
type BiasSupply interface {
	hvramp.Supply
	hvramp.Ranger
	hvramp.Resetter
	SetCurrentLimit(amps float64) error
	SetSourceEnabled(on bool) error
}

// LEDList is a set of LED amplitudes captured on one voltage range
type LEDList struct {
	// Range is the range code of the MPPC channels, also used for the PMT
	Range int16 `koanf:"range" yaml:"Range"`

	MilliVolts []int `koanf:"millivolts" yaml:"MilliVolts"`
}

// QCConfig describes a QC sweep
type QCConfig struct {
	// Dir is the data root; each run gets a directory below it
	Dir string `koanf:"dir" yaml:"Dir"`

	// MPPCs are the serials on channels A, B and C
	MPPCs []string `koanf:"mppcs" yaml:"MPPCs"`

	// Label is an optional suffix of the run directory and files
	Label string `koanf:"label" yaml:"Label"`

	// PMTkV labels the PMT high voltage in file names
	PMTkV string `koanf:"pmtkv" yaml:"PMTkV"`

	// Biases are visited in order
	Biases []float64 `koanf:"biases" yaml:"Biases"`

	// LEDLists are scanned at every bias after the dark run
	LEDLists []LEDList `koanf:"ledlists" yaml:"LEDLists"`

	// CheckLEDmV is the LED amplitude of the quick check
	CheckLEDmV int `koanf:"checkledmv" yaml:"CheckLEDmV"`

	// JumpTarget is jumped to from zero and ramped to before jumping back
	JumpTarget float64 `koanf:"jumptarget" yaml:"JumpTarget"`

	// CurrentLimit of the bias source in amps
	CurrentLimit float64 `koanf:"currentlimit" yaml:"CurrentLimit"`

	Pulse agilent.PulseSettings `koanf:"pulse" yaml:"Pulse"`

	// Crashed brings a supply left biased by a previous run to zero first
	Crashed bool `koanf:"crashed" yaml:"Crashed"`

	// QuickPlots writes waveform plots next to every capture
	QuickPlots bool `koanf:"quickplots" yaml:"QuickPlots"`
}

// DefaultQCConfig sweeps 83 V to 78 V in 0.5 V steps with three LED lists
func DefaultQCConfig() QCConfig {
	return QCConfig{
		Dir:        "qc-data",
		PMTkV:      "1.4",
		Biases:     []float64{83, 82.5, 82, 81.5, 81, 80.5, 80, 79.5, 79, 78.5, 78},
		CheckLEDmV: 675,
		LEDLists: []LEDList{
			{Range: 2, MilliVolts: []int{525, 540, 545}},
			{Range: 4, MilliVolts: []int{565, 575, 585}},
			{Range: 6, MilliVolts: []int{600, 610, 620, 630}},
		},
		JumpTarget:   70,
		CurrentLimit: 2.5e-4,
		Pulse:        agilent.DefaultPulse,
	}
}

// Validate checks the configuration against the ramp profile
func (c QCConfig) Validate(p hvramp.Profile) error {
	if len(c.MPPCs) == 0 {
		return errors.New("bench: no MPPCs given")
	}
	if len(c.Biases) == 0 {
		return errors.New("bench: no bias voltages given")
	}
	for _, b := range append([]float64{c.JumpTarget}, c.Biases...) {
		if b < 0 || b > p.Max {
			return fmt.Errorf("bench: %w: %v V", hvramp.ErrOutOfRange, b)
		}
	}
	if c.JumpTarget > c.Biases[0] {
		return fmt.Errorf("bench: jump target %v V above the first bias %v V", c.JumpTarget, c.Biases[0])
	}
	for _, l := range c.LEDLists {
		if err := (digitizer.LEDScan(l.Range, l.Range)).Validate(); err != nil {
			return err
		}
	}
	return c.Pulse.WithAmplitude(c.CheckLEDmV).Validate()
}

// Report summarises a finished sweep
type Report struct {
	RunDir string
	Files  []string
	Took   time.Duration
}

// QCSweep measures a set of MPPCs at every bias of the configuration: a
// quick check with bright light, then per bias a dark run and the LED scans
type QCSweep struct {
	Config QCConfig
	Ramper *hvramp.Ramper
	Supply BiasSupply
	Pulser Pulser
	Units  *digitizer.Group
	Hooks
}

func (q *QCSweep) mppcString() string {
	return strings.Join(q.Config.MPPCs, "-")
}

func (q *QCSweep) extra() string {
	if q.Config.Label == "" {
		return ""
	}
	return "_" + q.Config.Label
}

// RunDir is the directory the sweep writes to
func (q *QCSweep) RunDir() string {
	return filepath.Join(q.Config.Dir, q.mppcString()+q.extra())
}

// Pattern is the file pattern of a capture at bias with LED label led,
// e.g. 2024-11-05_83V_540mV_1.4kV_1-2-3_label
func (q *QCSweep) Pattern(date string, bias float64, led string) string {
	name := fmt.Sprintf("%s_%sV_%s_%skV_%s%s", date, FormatVolts(bias), led, q.Config.PMTkV, q.mppcString(), q.extra())
	return filepath.Join(q.RunDir(), name)
}

// recover brings a supply left biased by a crashed run to zero
func (q *QCSweep) recoverCrash() error {
	if _, err := q.Ramper.Sync(); err != nil && !errors.Is(err, hvramp.ErrCompliance) {
		return err
	}
	jt := q.Config.JumpTarget
	return q.Ramper.Shutdown(&jt)
}

func (q *QCSweep) setup() error {
	if _, err := q.Supply.SetRange(q.Config.Biases[0]); err != nil {
		return err
	}
	if err := q.Supply.SetCurrentLimit(q.Config.CurrentLimit); err != nil {
		return err
	}
	return q.Supply.SetSourceEnabled(true)
}

func (q *QCSweep) capture(ctx context.Context, rep *Report, c capture) error {
	files, err := collect(ctx, q.Hooks, q.Units, rep.RunDir, c)
	rep.Files = append(rep.Files, files...)
	if err != nil {
		return err
	}
	if q.Config.QuickPlots {
		for _, f := range files {
			if err := quickLook(f); err != nil {
				q.Log.Warn().Err(err).Str("file", f).Msg("quick plot failed")
			}
		}
	}
	return nil
}

func (q *QCSweep) quickCheck(ctx context.Context, rep *Report, date string) error {
	bias := q.Config.Biases[0]
	mv := q.Config.CheckLEDmV
	if err := q.Units.SetSettings(digitizer.QuickCheck()); err != nil {
		return err
	}
	if err := q.Pulser.Pulse(q.Config.Pulse.WithAmplitude(mv)); err != nil {
		return err
	}
	name := fmt.Sprintf("Check_%s_%sV_%d_%skV_%s%s", date, FormatVolts(bias), mv, q.Config.PMTkV, q.mppcString(), q.extra())
	c := capture{pattern: filepath.Join(rep.RunDir, name), kind: runlog.KindCheck, biasV: bias, ledMV: mv}
	files, err := collect(ctx, q.Hooks, q.Units, rep.RunDir, c)
	rep.Files = append(rep.Files, files...)
	if err != nil {
		return err
	}
	ok, err := sanityCheck(q.Hooks, files, analysis.DefaultSanityThresholds)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	for _, f := range files {
		if err := quickLook(f); err != nil {
			q.Log.Warn().Err(err).Str("file", f).Msg("quick plot failed")
		}
	}
	if !q.confirm("Quick check failed, continue anyway?") {
		return ErrQuickCheckFailed
	}
	return nil
}

func (q *QCSweep) perBias(ctx context.Context, rep *Report, date string, bias float64) error {
	if err := q.Units.SetSettings(digitizer.Dark()); err != nil {
		return err
	}
	if err := q.Pulser.Pulse(q.Config.Pulse.WithAmplitude(0)); err != nil {
		return err
	}
	c := capture{pattern: q.Pattern(date, bias, "Dark"), kind: runlog.KindDark, biasV: bias}
	if err := q.capture(ctx, rep, c); err != nil {
		return err
	}
	for _, l := range q.Config.LEDLists {
		if err := q.Units.SetSettings(digitizer.LEDScan(l.Range, l.Range)); err != nil {
			return err
		}
		for _, mv := range l.MilliVolts {
			if err := q.Pulser.Pulse(q.Config.Pulse.WithAmplitude(mv)); err != nil {
				return err
			}
			c := capture{pattern: q.Pattern(date, bias, fmt.Sprintf("%dmV", mv)), kind: runlog.KindLED, biasV: bias, ledMV: mv}
			if err := q.capture(ctx, rep, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run executes the sweep.  Once the bias has been raised, every exit path
// switches the LED off and brings the bias down by ramping to the jump
// target and jumping to zero.  If that fails too the returned error is a
// *hvramp.ManualInterventionError.
func (q *QCSweep) Run(ctx context.Context) (rep *Report, err error) {
	start := q.now()
	rep = &Report{RunDir: q.RunDir()}
	if err := q.Config.Validate(q.Ramper.Profile()); err != nil {
		return rep, err
	}
	if err := os.MkdirAll(rep.RunDir, 0o755); err != nil {
		return rep, err
	}
	date := start.Format(DateLayout)
	q.Units.SetLogger(q.Log)

	if q.Config.Crashed {
		q.Log.Warn().Msg("previous run crashed, bringing the bias to zero")
		if err := q.recoverCrash(); err != nil {
			return rep, err
		}
	}
	if err := q.setup(); err != nil {
		return rep, err
	}

	defer func() {
		if perr := q.Pulser.DisableOutput(); perr != nil {
			q.Log.Error().Err(perr).Msg("switching the LED off")
		}
		jt := q.Config.JumpTarget
		if serr := q.Ramper.Shutdown(&jt); serr != nil {
			err = errors.Join(err, serr)
		}
		rep.Took = q.now().Sub(start)
		q.Log.Info().Dur("took", rep.Took).Int("files", len(rep.Files)).Err(err).Msg("sweep finished")
	}()

	if err := q.Ramper.Jump(ctx, q.Config.JumpTarget); err != nil {
		return rep, err
	}
	if err := q.Ramper.RampTo(ctx, q.Config.Biases[0]); err != nil {
		return rep, err
	}
	if !q.confirm("Ramp the PMT, then continue?") {
		return rep, ErrAborted
	}
	if err := q.quickCheck(ctx, rep, date); err != nil {
		return rep, err
	}
	for _, bias := range q.Config.Biases {
		if err := q.Ramper.RampTo(ctx, bias); err != nil {
			return rep, err
		}
		q.Log.Info().Float64("bias", bias).Msg("bias reached")
		if err := q.perBias(ctx, rep, date, bias); err != nil {
			return rep, err
		}
	}
	return rep, nil
}
