package agilent

import "sync"

// Mock records the pulse settings it is given
type Mock struct {
	sync.Mutex

	Output bool
	Pulses []PulseSettings
}

// Pulse records p and switches the output on, or off for a zero amplitude
func (m *Mock) Pulse(p PulseSettings) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.Pulses = append(m.Pulses, p)
	m.Output = p.AmplitudeMV != 0
	return nil
}

// DisableOutput switches the output off
func (m *Mock) DisableOutput() error {
	m.Lock()
	m.Output = false
	m.Unlock()
	return nil
}

// Last returns the most recent pulse, zero if none
func (m *Mock) Last() PulseSettings {
	m.Lock()
	defer m.Unlock()
	if len(m.Pulses) == 0 {
		return PulseSettings{}
	}
	return m.Pulses[len(m.Pulses)-1]
}
