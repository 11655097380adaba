// Package rig builds the bench hardware named in a command's configuration,
// or in-memory stand-ins for it when Mock is set.
package rig

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/bench"
	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/iseg"
	"github.com/mppcqc/benchlab/keithley"
	"github.com/mppcqc/benchlab/keysight"
	"github.com/mppcqc/benchlab/metrics"
	"github.com/mppcqc/benchlab/util"
)

// Device is the address of one instrument
type Device struct {
	// Addr is a serial device such as /dev/ttyUSB0, a host:port of a
	// terminal server, or usb:VID:PID for the function generator
	Addr string `koanf:"addr" yaml:"Addr"`

	// Serial selects RS-232 over TCP
	Serial bool `koanf:"serial" yaml:"Serial"`
}

// Hardware describes the instruments of the bench
type Hardware struct {
	// Mock replaces every instrument with a simulation
	Mock bool `koanf:"mock" yaml:"Mock"`

	Bias   Device `koanf:"bias" yaml:"Bias"`
	PMT    Device `koanf:"pmt" yaml:"PMT"`
	Pulser Device `koanf:"pulser" yaml:"Pulser"`

	// Units are the digitizer addresses, or their serials when mocked
	Units []string `koanf:"units" yaml:"Units"`

	// Backend is keysight or mock
	Backend string `koanf:"backend" yaml:"Backend"`

	// WaveformLimit caps the waveforms of each mock capture, zero for none
	WaveformLimit uint32 `koanf:"waveformlimit" yaml:"WaveformLimit"`

	// MetricsAddr serves /metrics when not empty
	MetricsAddr string `koanf:"metricsaddr" yaml:"MetricsAddr"`
}

// DefaultHardware is a bench on the first two USB serial ports with two
// digitizers
func DefaultHardware() Hardware {
	return Hardware{
		Bias:    Device{Addr: "/dev/ttyUSB0", Serial: true},
		PMT:     Device{Addr: "/dev/ttyUSB1", Serial: true},
		Pulser:  Device{Addr: "192.168.1.10:5025"},
		Units:   []string{"192.168.1.20:5025", "192.168.1.21:5025"},
		Backend: "keysight",
	}
}

// BiasSupply is the Keithley bias source with its ammeter
type BiasSupply interface {
	bench.BiasSupply
	ConfigureIV(n int, currentRange float64, trigDelay time.Duration) error
	Measure() (keithley.IVBuffer, error)
}

// BiasSupply connects the bias source
func (h Hardware) BiasSupply() BiasSupply {
	if h.Mock {
		return keithley.NewMock()
	}
	return keithley.NewPicoammeter(h.Bias.Addr, h.Bias.Serial)
}

// PMTSupply connects the PMT high voltage module
func (h Hardware) PMTSupply(log zerolog.Logger) *iseg.NHQ {
	var n *iseg.NHQ
	if h.Mock {
		n = iseg.NewMock().NHQ()
	} else {
		n = iseg.NewNHQ(h.PMT.Addr, h.PMT.Serial)
	}
	n.Log = log
	return n
}

// LEDPulser connects the function generator
func (h Hardware) LEDPulser() *agilent.FunctionGenerator {
	if h.Mock {
		return agilent.NewSimulator().FunctionGenerator()
	}
	return agilent.NewFunctionGenerator(h.Pulser.Addr, h.Pulser.Serial)
}

// Digitizers connects every unit.  Units already opened are closed again
// if a later one fails.
func (h Hardware) Digitizers(log zerolog.Logger) (*digitizer.Group, error) {
	if len(h.Units) == 0 {
		return nil, fmt.Errorf("rig: no digitizer units configured")
	}
	if len(util.UniqueString(h.Units)) != len(h.Units) {
		return nil, fmt.Errorf("rig: digitizer units listed twice: %v", h.Units)
	}
	var ds []digitizer.Digitizer
	backend := strings.ToLower(h.Backend)
	for i, addr := range h.Units {
		switch {
		case h.Mock || backend == "mock":
			m := digitizer.NewMock(addr, uint64(i+1))
			m.WaveformLimit = h.WaveformLimit
			ds = append(ds, m)
		case backend == "keysight":
			d, err := keysight.NewDigitizer(keysight.NewScope(addr))
			if err != nil {
				digitizer.NewGroup(ds...).Close()
				return nil, fmt.Errorf("rig: opening %s: %w", addr, err)
			}
			ds = append(ds, d)
		default:
			return nil, fmt.Errorf("rig: digitizer backend %q not understood", h.Backend)
		}
	}
	g := digitizer.NewGroup(ds...)
	g.SetLogger(log)
	return g, nil
}

// ServeMetrics serves the Prometheus registry at addr/metrics in the
// background.  An empty addr does nothing.
func ServeMetrics(addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// SignalContext is cancelled by SIGINT or SIGTERM
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Asker returns a yes/no prompt on in and out for bench.Hooks.Confirm.
// Anything but y or yes, including end of input, is a no.
func Asker(in io.Reader, out io.Writer) func(string) bool {
	sc := bufio.NewScanner(in)
	return func(q string) bool {
		fmt.Fprintf(out, "%s (y/n)\n", q)
		if !sc.Scan() {
			return false
		}
		a := strings.ToLower(strings.TrimSpace(sc.Text()))
		return a == "y" || a == "yes"
	}
}

// Stdin asks on the terminal
func Stdin() func(string) bool {
	return Asker(os.Stdin, os.Stdout)
}
