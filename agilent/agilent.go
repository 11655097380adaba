// Package agilent provides an interface to agilent test and measurement
// equipment.  The function generator drives the LED that illuminates the
// detectors under test.
package agilent

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tarm/serial"

	"github.com/mppcqc/benchlab/comm"
	"github.com/mppcqc/benchlab/scpi"
	"github.com/mppcqc/benchlab/usbtmc"
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        57600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// FunctionGenerator is an interface to hardware of the same name
type FunctionGenerator struct {
	scpi.SCPI
}

// NewFunctionGenerator creates a new FunctionGenerator instance with
// the communication set up.  addr is a serial port if isSerial, a
// usb:VID:PID address for USB-TMC, or a TCP address otherwise.
func NewFunctionGenerator(addr string, isSerial bool) *FunctionGenerator {
	var maker comm.CreationFunc
	switch {
	case usbtmc.IsAddr(addr):
		maker = usbtmc.ConnMaker(addr)
	case isSerial:
		maker = comm.MakerFor(addr, makeSerConf(addr), 0)
	default:
		maker = comm.MakerFor(addr, nil, 3*time.Second)
	}
	return NewFunctionGeneratorOnPool(comm.NewPool(1, time.Hour, maker))
}

// NewFunctionGeneratorOnPool creates a FunctionGenerator on an existing pool
func NewFunctionGeneratorOnPool(pool *comm.Pool) *FunctionGenerator {
	return &FunctionGenerator{scpi.SCPI{Pool: pool, Terminator: '\n'}}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// SetFunction configures the output function used by the generator
func (f *FunctionGenerator) SetFunction(fcn string) error {
	return f.Write("FUNC " + fcn)
}

// GetFunction returns the current function type used by the generator
func (f *FunctionGenerator) GetFunction() (string, error) {
	return f.ReadString("FUNC?")
}

// SetFrequency configures the output frequency of the generator in Hz
func (f *FunctionGenerator) SetFrequency(hz float64) error {
	return f.Write("FREQ", ftoa(hz))
}

// GetFrequency returns the frequency of the generator in Hz
func (f *FunctionGenerator) GetFrequency() (float64, error) {
	return f.ReadFloat("FREQ?")
}

// SetVoltage configures the output voltage (Vpp) of the signal
func (f *FunctionGenerator) SetVoltage(volts float64) error {
	return f.Write("VOLT", ftoa(volts), "VPP")
}

// GetVoltage returns the current output voltage of the generator
func (f *FunctionGenerator) GetVoltage() (float64, error) {
	return f.ReadFloat("VOLT?")
}

// SetOffset configures the output voltage offset
func (f *FunctionGenerator) SetOffset(volts float64) error {
	return f.Write("VOLT:OFFSET", ftoa(volts))
}

// GetOffset gets the current voltage offset
func (f *FunctionGenerator) GetOffset() (float64, error) {
	return f.ReadFloat("VOLT:OFFSET?")
}

// SetOutputLoad configures the adjustments inside the generator for the
// impedance of the load circuit
func (f *FunctionGenerator) SetOutputLoad(ohms float64) error {
	return f.Write("OUTPUT:LOAD", ftoa(ohms))
}

// EnableOutput enables the output on the front connector of the function generator
func (f *FunctionGenerator) EnableOutput() error {
	return f.Write("OUTPUT ON")
}

// DisableOutput disables the output on the front connector of the function generator
func (f *FunctionGenerator) DisableOutput() error {
	return f.Write("OUTPUT OFF")
}

// GetOutput returns True if the generator is currently outputting a signal
func (f *FunctionGenerator) GetOutput() (bool, error) {
	return f.ReadBool("OUTPUT?")
}

// PulseSettings describe the LED drive pulse
type PulseSettings struct {
	// AmplitudeMV is the pulse high level in millivolts; 0 switches the LED off
	AmplitudeMV int `json:"amplitudeMV" koanf:"amplitudemv" yaml:"AmplitudeMV"`

	// WidthNs is the pulse width in nanoseconds
	WidthNs float64 `json:"widthNs" koanf:"widthns" yaml:"WidthNs"`

	// FrequencyHz is the pulse repetition rate
	FrequencyHz float64 `json:"frequencyHz" koanf:"frequencyhz" yaml:"FrequencyHz"`
}

// DefaultPulse is the LED drive used for every scan: 38 ns at 1 kHz
var DefaultPulse = PulseSettings{WidthNs: 38, FrequencyHz: 1000}

// WithAmplitude returns a copy of p at mv
func (p PulseSettings) WithAmplitude(mv int) PulseSettings {
	p.AmplitudeMV = mv
	return p
}

// Validate checks the settings are physical
func (p PulseSettings) Validate() error {
	if p.AmplitudeMV < 0 {
		return fmt.Errorf("agilent: negative pulse amplitude %d mV", p.AmplitudeMV)
	}
	if p.AmplitudeMV == 0 {
		return nil
	}
	if p.WidthNs <= 0 || p.FrequencyHz <= 0 {
		return errors.New("agilent: pulse width and frequency must be positive")
	}
	if p.WidthNs*1e-9 >= 1/p.FrequencyHz {
		return fmt.Errorf("agilent: %v ns pulses do not fit in a %v Hz period", p.WidthNs, p.FrequencyHz)
	}
	return nil
}

// Pulse configures the LED drive pulse and switches the output on.  A zero
// amplitude switches the output off for dark runs.
func (f *FunctionGenerator) Pulse(p PulseSettings) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.AmplitudeMV == 0 {
		return f.DisableOutput()
	}
	return f.WriteEach(
		"FUNC PULS",
		"FREQ "+ftoa(p.FrequencyHz),
		"VOLT:LOW 0",
		"VOLT:HIGH "+ftoa(float64(p.AmplitudeMV)/1000),
		"FUNC:PULS:WIDT "+ftoa(p.WidthNs/1e9),
		"OUTPUT ON")
}
