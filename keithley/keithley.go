// Package keithley drives the Keithley 6487 picoammeter / voltage source
// used as the MPPC bias supply.
package keithley

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/mppcqc/benchlab/comm"
	"github.com/mppcqc/benchlab/mathx"
	"github.com/mppcqc/benchlab/scpi"
)

const (
	// MaxVoltage is the largest magnitude the 500 V range can source
	MaxVoltage = 500.

	// DefaultCurrentLimit is the source current limit in amps
	DefaultCurrentLimit = 2.5e-4

	// ComplianceReading is what the 6487 reports for the source voltage
	// while it is in current compliance
	ComplianceReading = -999.

	// MinMeasureInterval is the least time spent on one IV buffer
	// measurement; voltage steps are never closer together than this
	MinMeasureInterval = 2 * time.Second
)

var (
	// ErrVoltageRange is returned when no source range can reach a voltage
	ErrVoltageRange = errors.New("keithley: voltage must be between 0 and 500 V")

	// ErrBadReading is returned when a reading cannot be parsed
	ErrBadReading = errors.New("keithley: malformed reading")
)

// ranges are the source ranges of the 6487, in volts
var ranges = []float64{10, 50, 500}

// RangeFor returns the smallest source range strictly above v, i.e.
// v < 10 -> 10, v < 50 -> 50, v < 500 -> 500
func RangeFor(v float64) (float64, error) {
	if v < 0 {
		return 0, ErrVoltageRange
	}
	for _, r := range ranges {
		if v < r {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %.2f V", ErrVoltageRange, v)
}

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 5 * time.Second}
}

// Picoammeter is an interface to the 6487
type Picoammeter struct {
	scpi.SCPI

	// MeasureInterval is the least time a Measure call takes
	MeasureInterval time.Duration

	mu      sync.Mutex
	rangeV  float64
	nMeas   int
	trigDel time.Duration
}

// NewPicoammeter creates a new Picoammeter instance.  If serial is true,
// addr is a serial port, otherwise a TCP address of a terminal server.
func NewPicoammeter(addr string, isSerial bool) *Picoammeter {
	var conf *serial.Config
	if isSerial {
		conf = makeSerConf(addr)
	}
	maker := comm.MakerFor(addr, conf, 3*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return NewPicoammeterOnPool(pool)
}

// NewPicoammeterOnPool creates a Picoammeter that communicates over an existing pool
func NewPicoammeterOnPool(pool *comm.Pool) *Picoammeter {
	return &Picoammeter{
		SCPI:            scpi.SCPI{Pool: pool, Terminator: '\n', Timeout: 5 * time.Second},
		MeasureInterval: MinMeasureInterval}
}

// IDN returns the identification string
func (p *Picoammeter) IDN() (string, error) {
	return p.ReadString("*IDN?")
}

// Reset returns the instrument to its power-on defaults, which switches
// the source off
func (p *Picoammeter) Reset() error {
	p.mu.Lock()
	p.rangeV = 0
	p.mu.Unlock()
	return p.Write("*RST")
}

// Clear clears the status registers and error queue
func (p *Picoammeter) Clear() error {
	return p.Write("*CLS")
}

// ReadVoltage triggers a reading and returns the source voltage, rounded to
// 10 mV.  A supply in current compliance reads ComplianceReading.
//
// Once ConfigureIV has been called the element format stays
// READ,TIME,VSO so the trace buffer keeps all three columns, and the
// voltage is the third field.
func (p *Picoammeter) ReadVoltage() (float64, error) {
	p.mu.Lock()
	iv := p.nMeas > 0
	p.mu.Unlock()
	elem, field := "FORM:ELEM VSO", 0
	if iv {
		elem, field = "FORM:ELEM READ,TIME,VSO", 2
	}
	if err := p.WriteEach("INIT", elem); err != nil {
		return 0, err
	}
	resp, err := p.ReadString("READ?")
	if err != nil {
		return 0, err
	}
	return parseVoltage(resp, field)
}

func parseVoltage(resp string, field int) (float64, error) {
	fields := strings.Split(strings.ReplaceAll(resp, "A", ""), ",")
	if field >= len(fields) {
		return 0, fmt.Errorf("%w: %q", ErrBadReading, resp)
	}
	str := strings.TrimSuffix(strings.TrimSpace(fields[field]), "V")
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadReading, resp)
	}
	return mathx.Round(v, 0.01), nil
}

func formatVolts(v float64) string {
	return strconv.FormatFloat(mathx.Round(v, 0.01), 'f', -1, 64)
}

// SetVoltage commands the source output, rounded to 10 mV
func (p *Picoammeter) SetVoltage(v float64) error {
	return p.Write("SOUR:VOLT " + formatVolts(v))
}

// SetRange selects the smallest source range that can reach target and
// returns it
func (p *Picoammeter) SetRange(target float64) (float64, error) {
	r, err := RangeFor(target)
	if err != nil {
		return 0, err
	}
	if err := p.Write("SOUR:VOLT:RANG " + strconv.Itoa(int(r))); err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.rangeV = r
	p.mu.Unlock()
	return r, nil
}

// Range returns the last source range set, zero if none since reset
func (p *Picoammeter) Range() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rangeV
}

// SetCurrentLimit sets the source current limit in amps
func (p *Picoammeter) SetCurrentLimit(amps float64) error {
	return p.Write("SOUR:VOLT:ILIM " + strconv.FormatFloat(amps, 'e', -1, 64))
}

// SetSourceEnabled switches the voltage source output
func (p *Picoammeter) SetSourceEnabled(on bool) error {
	if on {
		return p.Write("SOUR:VOLT:STAT ON")
	}
	return p.Write("SOUR:VOLT:STAT OFF")
}

// IVBuffer is the content of the trace buffer after a measurement
type IVBuffer struct {
	Current []float64 `json:"current"`
	Time    []float64 `json:"time"`
	Voltage []float64 `json:"voltage"`
}

// ConfigureIV prepares the ammeter to take n averaged current readings per
// Measure, with currentRange the ammeter range in amps.  trigDelay is waited
// before each measurement.
func (p *Picoammeter) ConfigureIV(n int, currentRange float64, trigDelay time.Duration) error {
	if n < 1 {
		return fmt.Errorf("keithley: at least one reading per measurement is required, got %d", n)
	}
	err := p.WriteEach(
		"FORM:ELEM READ,TIME,VSO",
		"TRIG:DEL 0.0",
		"TRIG:COUN "+strconv.Itoa(n),
		"NPLC .01",
		"RANG "+strconv.FormatFloat(currentRange, 'e', -1, 64),
		"AVER:COUN 100",
		"AVER:TCON REP",
		"AVER:ON")
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.nMeas = n
	p.trigDel = trigDelay
	p.mu.Unlock()
	return nil
}

// Measure fills the trace buffer with the configured number of readings and
// returns them.  It takes at least MeasureInterval.
func (p *Picoammeter) Measure() (IVBuffer, error) {
	var out IVBuffer
	p.mu.Lock()
	n, delay := p.nMeas, p.trigDel
	p.mu.Unlock()
	if n == 0 {
		return out, errors.New("keithley: Measure called before ConfigureIV")
	}
	start := time.Now()
	if delay > 0 {
		time.Sleep(delay)
	}
	err := p.WriteEach(
		"SYST:ZCH OFF",
		"SYST:AZER:STAT OFF",
		"DISP:ENAB OFF",
		"*CLS",
		"TRAC:POIN "+strconv.Itoa(n),
		"TRAC:CLE",
		"TRAC:FEED:CONT NEXT",
		"STAT:MEAS:ENAB 512",
		"*SRE 1")
	if err != nil {
		return out, err
	}
	// the *OPC? reply must be consumed or it lands in the data read
	if _, err = p.ReadString("*OPC?"); err != nil {
		return out, err
	}
	if err = p.WriteEach("INIT", "DISP:ENAB ON"); err != nil {
		return out, err
	}
	resp, err := p.ReadString("TRAC:DATA?")
	if err != nil {
		return out, err
	}
	out, err = ParseTrace(resp)
	if err != nil {
		return out, err
	}
	if el := time.Since(start); el < p.MeasureInterval {
		time.Sleep(p.MeasureInterval - el)
	}
	return out, nil
}

// ParseTrace splits a TRAC:DATA? response of current,time,voltage triplets
func ParseTrace(resp string) (IVBuffer, error) {
	var out IVBuffer
	fields := strings.Split(strings.ReplaceAll(strings.TrimSpace(resp), "A", ""), ",")
	if len(fields)%3 != 0 {
		return out, fmt.Errorf("%w: %d fields is not a whole number of readings", ErrBadReading, len(fields))
	}
	for i := 0; i < len(fields); i += 3 {
		var vals [3]float64
		for j := 0; j < 3; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[i+j]), 64)
			if err != nil {
				return out, fmt.Errorf("%w: field %d %q", ErrBadReading, i+j, fields[i+j])
			}
			vals[j] = v
		}
		out.Current = append(out.Current, vals[0])
		out.Time = append(out.Time, vals[1])
		out.Voltage = append(out.Voltage, vals[2])
	}
	return out, nil
}

// SinglePoint switches the trace back to one reading per trigger, used
// between IV sweeps so voltage reads are quick
func (p *Picoammeter) SinglePoint() error {
	return p.WriteEach("TRIG:COUN 1", "TRAC:POIN 1", "TRAC:CLE", "AVER:COUN 1", "AVER:OFF")
}
