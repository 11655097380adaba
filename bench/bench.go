/*Package bench runs the measurement sequences of the MPPC QC bench: the
bias and LED sweep over a set of MPPCs, and the hourly PMT stability
monitor.

Both sequences drive their hardware strictly one step at a time.  Whenever a
sequence has raised a high voltage and then stops for any reason, including
cancellation of its context, it brings the output back down before
returning.
*/
package bench

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/analysis"
	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/plots"
	"github.com/mppcqc/benchlab/runlog"
)

// DateLayout prefixes every capture file
const DateLayout = "2006-01-02"

var (
	// ErrQuickCheckFailed is returned when the operator declines to continue
	// after a failed quick check
	ErrQuickCheckFailed = errors.New("bench: quick check failed")

	// ErrAborted is returned when the operator declines to start
	ErrAborted = errors.New("bench: aborted by operator")
)

// Pulser drives the LED
type Pulser interface {
	Pulse(agilent.PulseSettings) error
	DisableOutput() error
}

// Hooks connect a sequence to the clock and the operator.  Nil hooks use
// the wall clock and answer yes to every question.
type Hooks struct {
	// Now returns the current time
	Now func() time.Time

	// Sleep waits for d or until ctx is done
	Sleep func(ctx context.Context, d time.Duration) error

	// Confirm asks the operator a yes/no question
	Confirm func(question string) bool

	// Log receives progress events
	Log zerolog.Logger
}

func (h Hooks) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h Hooks) sleep(ctx context.Context, d time.Duration) error {
	if h.Sleep != nil {
		return h.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (h Hooks) confirm(q string) bool {
	if h.Confirm == nil {
		return true
	}
	return h.Confirm(q)
}

// FormatVolts renders a bias the way file names carry it: 83, 82.5
func FormatVolts(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// capture is one capture run on a digitizer group
type capture struct {
	pattern string
	kind    string
	biasV   float64
	ledMV   int
}

// collect captures on every unit and records each file in the manifest of
// runDir
func collect(ctx context.Context, h Hooks, units *digitizer.Group, runDir string, c capture) ([]string, error) {
	h.Log.Info().Str("pattern", c.pattern).Str("kind", c.kind).Msg("next capture")
	files, err := units.CollectAll(ctx, c.pattern)
	if err != nil {
		return files, err
	}
	manifest, err := filepath.Abs(filepath.Join(runDir, runlog.ManifestName))
	if err != nil {
		return files, err
	}
	for i, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return files, err
		}
		e := runlog.Entry{
			File:  abs,
			Unit:  units.Sessions[i].Serial(),
			BiasV: c.biasV,
			LEDmV: c.ledMV,
			Kind:  c.kind,
			Time:  h.now(),
		}
		if err := runlog.Append(manifest, e); err != nil {
			return files, fmt.Errorf("bench: recording %s: %w", f, err)
		}
	}
	return files, nil
}

// quickLook plots the first waveforms of every active channel of a capture
// file next to it
func quickLook(file string) error {
	c, err := daqfile.ReadFile(file)
	if err != nil {
		return err
	}
	for _, ch := range c.ActiveChannels() {
		out := fmt.Sprintf("%s_%s.png", file[:len(file)-len(filepath.Ext(file))], daqfile.ChannelName(ch))
		title := fmt.Sprintf("%s channel %s", filepath.Base(file), daqfile.ChannelName(ch))
		if err := plots.Waveforms(out, c.MilliVolts(ch), 10, c.SampleInterval(), title); err != nil {
			return err
		}
	}
	return nil
}

// sanityCheck reads each file and checks its integrated signal
func sanityCheck(h Hooks, files []string, th analysis.SanityThresholds) (bool, error) {
	ok := true
	for _, f := range files {
		c, err := daqfile.ReadFile(f)
		if err != nil {
			return false, err
		}
		res := analysis.Sanity(c)
		pass := analysis.SanityOK(res, th)
		ev := h.Log.Info()
		if !pass {
			ev = h.Log.Error()
			ok = false
		}
		ev.Str("file", f).Str("unit", c.Serial).Bool("pass", pass).Str("result", analysis.FormatSanity(res)).Msg("quick check")
	}
	return ok, nil
}
