package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mppcqc/benchlab/util"
)

// IVOptions select an IV measurement on the first ramp
type IVOptions struct {
	// Base names the output file, Base.csv below the IV directory
	Base string

	// N is the number of readings per bias point
	N int

	// TrigDelay is waited before each measurement
	TrigDelay time.Duration
}

// Options are the command line of a ramp session
type Options struct {
	Target          float64
	NormIncrement   float64
	Threshold       float64
	ThreshIncrement float64

	// NoReset keeps the supply state: the output is ramped down from its
	// present value and only then reset
	NoReset bool

	IV   *IVOptions
	Jump *float64
}

const usage = `usage: hvctl <voltage> <increment> <threshold-voltage> <threshold-increment>
             [-i <file-basename> <num-measurements> <trigger-delay-s>]
             [-j <jump-voltage>] [--no-reset]`

func parseFloat(name, s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, s)
	}
	return f, nil
}

// parseArgs reads the session arguments, without the program name
func parseArgs(args []string) (Options, error) {
	var (
		o   Options
		pos []string
	)
	for i := 0; i < len(args); i++ {
		switch a := args[i]; a {
		case "--no-reset":
			o.NoReset = true
		case "-i":
			if i+3 >= len(args) {
				return o, errors.New("-i takes a file basename, a number of measurements and a trigger delay")
			}
			n, err := strconv.Atoi(args[i+2])
			if err != nil || n < 1 {
				return o, fmt.Errorf("num-measurements: %q is not a positive integer", args[i+2])
			}
			d, err := parseFloat("trigger-delay", args[i+3])
			if err != nil {
				return o, err
			}
			if d < 0 {
				return o, errors.New("trigger-delay must not be negative")
			}
			o.IV = &IVOptions{Base: args[i+1], N: n, TrigDelay: util.SecsToDuration(d)}
			i += 3
		case "-j":
			if i+1 >= len(args) {
				return o, errors.New("-j takes a jump voltage")
			}
			j, err := parseFloat("jump-voltage", args[i+1])
			if err != nil {
				return o, err
			}
			o.Jump = &j
			i++
		default:
			pos = append(pos, a)
		}
	}
	if len(pos) != 4 {
		return o, fmt.Errorf("expected 4 positional arguments, got %d", len(pos))
	}
	dst := []*float64{&o.Target, &o.NormIncrement, &o.Threshold, &o.ThreshIncrement}
	names := []string{"voltage", "increment", "threshold-voltage", "threshold-increment"}
	for i, s := range pos {
		f, err := parseFloat(names[i], s)
		if err != nil {
			return o, err
		}
		*dst[i] = f
	}
	if o.Jump != nil && *o.Jump > o.Target {
		return o, fmt.Errorf("jump voltage %v above the target %v", *o.Jump, o.Target)
	}
	return o, nil
}
