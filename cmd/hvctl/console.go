package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/keithley"
)

// ConsoleMax bounds the voltages accepted at the prompt, exclusive
const ConsoleMax = 500

const commandList = `Commands:
	L         show this list
	SetDAQ    configure the digitizers, from a preset or 16 values
	StartDAQ  capture on every digitizer
	NI        set the increment below the threshold voltage
	TI        set the increment above the threshold voltage
	TV        set the threshold voltage
	<volts>   ramp to a new voltage
	0         ramp down and exit`

// console is the interactive prompt of a ramp session
type console struct {
	in   *bufio.Scanner
	out  io.Writer
	ramp *hvramp.Ramper

	// units may be nil when no digitizers are configured
	units   *digitizer.Group
	dataDir string

	prog *progress
	log  zerolog.Logger
}

func newConsole(in io.Reader, out io.Writer, r *hvramp.Ramper) *console {
	return &console{in: bufio.NewScanner(in), out: out, ramp: r}
}

// ask prints q and reads one line.  ok is false at end of input.
func (c *console) ask(q string) (string, bool) {
	fmt.Fprintln(c.out, q)
	if !c.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.in.Text()), true
}

// rampTo ramps with the progress line running
func (c *console) rampTo(ctx context.Context, v float64) error {
	c.prog.start(fmt.Sprintf("ramping to %.2f V", v))
	err := c.ramp.RampTo(ctx, v)
	c.prog.stop(err)
	return err
}

// loop serves commands until 0 or the end of input.  A failed ramp or
// capture ends the loop with its error; the caller ramps down.
func (c *console) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, ok := c.ask("Enter next voltage or command (L for list):")
		if !ok {
			return nil
		}
		var err error
		switch strings.ToLower(line) {
		case "":
			continue
		case "l":
			fmt.Fprintln(c.out, commandList)
		case "setdaq":
			err = c.setDAQ()
		case "startdaq":
			err = c.startDAQ(ctx)
		case "ni", "ti", "tv":
			err = c.setProfile(strings.ToLower(line))
		default:
			var v float64
			v, err = strconv.ParseFloat(line, 64)
			if err != nil {
				fmt.Fprintf(c.out, "%q is neither a voltage nor a command\n", line)
				err = nil
				continue
			}
			if v == 0 {
				return nil
			}
			if v < 0 || v >= ConsoleMax {
				fmt.Fprintf(c.out, "Voltage %v outside [0, %d)\n", v, ConsoleMax)
				continue
			}
			err = c.rampTo(ctx, v)
			if errors.Is(err, hvramp.ErrOutOfRange) || errors.Is(err, keithley.ErrVoltageRange) {
				fmt.Fprintln(c.out, err)
				err = nil
			}
			if err == nil {
				fmt.Fprintf(c.out, "At %.2f V\n", c.ramp.Commanded())
			}
		}
		if err != nil {
			return err
		}
	}
}

// setProfile changes one ramp parameter.  Invalid input is reported and
// leaves the profile unchanged.
func (c *console) setProfile(cmd string) error {
	names := map[string]string{"ni": "increment below threshold", "ti": "increment above threshold", "tv": "threshold voltage"}
	line, ok := c.ask(fmt.Sprintf("New %s:", names[cmd]))
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Fprintf(c.out, "%q is not a number\n", line)
		return nil
	}
	p := c.ramp.Profile()
	switch cmd {
	case "ni":
		p.NormIncrement = v
	case "ti":
		p.ThreshIncrement = v
	case "tv":
		p.Threshold = v
	}
	if err := c.ramp.SetProfile(p); err != nil {
		fmt.Fprintln(c.out, err)
		return nil
	}
	c.log.Info().Float64("normIncrement", p.NormIncrement).Float64("threshIncrement", p.ThreshIncrement).
		Float64("threshold", p.Threshold).Msg("ramp profile changed")
	return nil
}

// setDAQ configures every unit.  Configuration errors are reported at the
// prompt and are not fatal.
func (c *console) setDAQ() error {
	if c.units == nil {
		fmt.Fprintln(c.out, "No digitizers configured")
		return nil
	}
	ans, ok := c.ask("Use a preset? (y/n)")
	if !ok {
		return nil
	}
	var (
		set digitizer.Settings
		err error
	)
	if strings.HasPrefix(strings.ToLower(ans), "y") {
		line, ok := c.ask("Preset number (1-5):")
		if !ok {
			return nil
		}
		n, convErr := strconv.Atoi(line)
		if convErr != nil {
			fmt.Fprintf(c.out, "%q is not a preset number\n", line)
			return nil
		}
		set, err = digitizer.Preset(n)
	} else {
		line, ok := c.ask("Enter 16 comma separated values: trigger mV, range and post-trigger samples for A to D, aux trigger mV, timebase, waveforms, pre-trigger samples")
		if !ok {
			return nil
		}
		set, err = digitizer.ParseSettings(line)
	}
	if err == nil {
		err = c.units.SetSettings(set)
	}
	if err != nil {
		fmt.Fprintln(c.out, err)
		return nil
	}
	fmt.Fprintf(c.out, "Configured %s: %s\n", strings.Join(c.units.Serials(), ", "), set)
	return nil
}

// startDAQ captures on every unit.  A failed capture is returned so the
// session ramps down.
func (c *console) startDAQ(ctx context.Context) error {
	if c.units == nil {
		fmt.Fprintln(c.out, "No digitizers configured")
		return nil
	}
	name, ok := c.ask("File name:")
	if !ok || name == "" {
		return nil
	}
	pattern := filepath.Join(c.dataDir, filepath.Clean(name))
	if err := os.MkdirAll(filepath.Dir(pattern), 0o755); err != nil {
		return err
	}
	c.prog.start("capturing " + name)
	files, err := c.units.CollectAll(ctx, pattern)
	c.prog.stop(err)
	if errors.Is(err, digitizer.ErrNotConfigured) {
		fmt.Fprintln(c.out, "Run SetDAQ first")
		return nil
	}
	if err != nil {
		return fmt.Errorf("capture %s: %w", name, err)
	}
	for _, f := range files {
		fmt.Fprintf(c.out, "Wrote %s\n", f)
	}
	return nil
}
