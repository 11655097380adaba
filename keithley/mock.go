package keithley

import (
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory 6487 for use without hardware.  It follows the
// commanded voltage exactly until the output reaches TripAt, after which it
// reads ComplianceReading until reset.
type Mock struct {
	sync.Mutex

	// TripAt is the voltage at which the mock enters current compliance,
	// zero to never trip
	TripAt float64

	// Leakage is the simulated current in amps per volt of bias
	Leakage float64

	voltage float64
	rangeV  float64
	source  bool
	tripped bool
	nMeas   int

	// History holds every commanded voltage
	History []float64
}

// NewMock returns a Mock with a 1 nA/V leakage
func NewMock() *Mock {
	return &Mock{Leakage: 1e-9}
}

// IDN identifies the mock
func (m *Mock) IDN() (string, error) {
	return "KEITHLEY INSTRUMENTS INC.,MODEL 6487,MOCK,0", nil
}

// ReadVoltage returns the output voltage, or ComplianceReading once tripped
func (m *Mock) ReadVoltage() (float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.tripped {
		return ComplianceReading, nil
	}
	return m.voltage, nil
}

// SetVoltage commands the output.  Voltages beyond the selected range are
// rejected like the instrument does.
func (m *Mock) SetVoltage(v float64) error {
	m.Lock()
	defer m.Unlock()
	if v > m.rangeV && v != 0 {
		return fmt.Errorf("keithley mock: %.2f V exceeds the %.0f V range", v, m.rangeV)
	}
	m.voltage = v
	m.History = append(m.History, v)
	if m.TripAt > 0 && v >= m.TripAt {
		m.tripped = true
	}
	return nil
}

// SetRange selects the smallest range that can reach target
func (m *Mock) SetRange(target float64) (float64, error) {
	r, err := RangeFor(target)
	if err != nil {
		return 0, err
	}
	m.Lock()
	m.rangeV = r
	m.Unlock()
	return r, nil
}

// Range returns the selected range
func (m *Mock) Range() float64 {
	m.Lock()
	defer m.Unlock()
	return m.rangeV
}

// SetSourceEnabled switches the output
func (m *Mock) SetSourceEnabled(on bool) error {
	m.Lock()
	m.source = on
	m.Unlock()
	return nil
}

// SetCurrentLimit is accepted and ignored
func (m *Mock) SetCurrentLimit(amps float64) error {
	return nil
}

// Reset zeroes the output, clears compliance and forgets the range
func (m *Mock) Reset() error {
	m.Lock()
	defer m.Unlock()
	m.voltage, m.rangeV, m.source, m.tripped, m.nMeas = 0, 0, false, false, 0
	return nil
}

// ConfigureIV sets the number of readings Measure returns
func (m *Mock) ConfigureIV(n int, currentRange float64, trigDelay time.Duration) error {
	if n < 1 {
		return fmt.Errorf("keithley mock: at least one reading per measurement is required, got %d", n)
	}
	m.Lock()
	m.nMeas = n
	m.Unlock()
	return nil
}

// Measure returns the configured number of synthetic readings
func (m *Mock) Measure() (IVBuffer, error) {
	m.Lock()
	defer m.Unlock()
	var out IVBuffer
	if m.nMeas == 0 {
		return out, fmt.Errorf("keithley mock: Measure called before ConfigureIV")
	}
	for i := 0; i < m.nMeas; i++ {
		out.Current = append(out.Current, m.voltage*m.Leakage)
		out.Time = append(out.Time, float64(i)*0.01)
		out.Voltage = append(out.Voltage, m.voltage)
	}
	return out, nil
}

// SourceEnabled reports whether the output is on
func (m *Mock) SourceEnabled() bool {
	m.Lock()
	defer m.Unlock()
	return m.source
}
