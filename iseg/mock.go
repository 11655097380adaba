package iseg

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mppcqc/benchlab/internal/linedev"
)

// Mock is an in-memory NHQ speaking the echoing line protocol.  A started
// ramp reports L2H or H2L for RampPolls status queries and then completes.
type Mock struct {
	sync.Mutex

	// RampPolls is how many S1 queries report a ramp in progress
	RampPolls int

	// Inhibit makes the module report INH instead of ON
	Inhibit bool

	// Info is returned for '#'
	Info string

	set     int
	actual  int
	speed   int
	ramping Status
	polls   int

	dev *linedev.Device
}

// NewMock creates a Mock of a 4 kV, 3 mA module
func NewMock() *Mock {
	m := &Mock{Info: "484216;3.09;4000V;3mA", speed: 2}
	m.dev = linedev.New(m.handle)
	m.dev.Echo = true
	m.dev.TxTerm = "\r\n"
	return m
}

// NHQ returns a driver connected to the mock, without character pacing
func (m *Mock) NHQ() *NHQ {
	n := NewNHQOnPool(m.dev.Pool())
	n.CharDelay = 0
	return n
}

// Lines returns every command received
func (m *Mock) Lines() []string {
	return m.dev.Lines()
}

// Actual returns the output voltage
func (m *Mock) Actual() int {
	m.Lock()
	defer m.Unlock()
	return m.actual
}

func (m *Mock) status() Status {
	if m.ramping != "" {
		if m.polls < m.RampPolls {
			m.polls++
			return m.ramping
		}
		m.actual, m.ramping = m.set, ""
	}
	if m.Inhibit {
		return StatusInhibit
	}
	if m.actual == 0 {
		return StatusOff
	}
	return StatusOn
}

func (m *Mock) handle(line string) []string {
	m.Lock()
	defer m.Unlock()
	switch {
	case line == "#":
		return []string{m.Info}
	case line == "U1":
		return []string{fmt.Sprintf("%05d", m.actual)}
	case line == "I1":
		// 1 nA per volt
		return []string{fmt.Sprintf("%04d-%d", m.actual, 9)}
	case line == "M1", line == "N1":
		return []string{"100"}
	case line == "D1":
		return []string{fmt.Sprintf("%04d", m.set)}
	case line == "V1":
		return []string{fmt.Sprintf("%03d", m.speed)}
	case line == "S1":
		return []string{"S1=" + string(m.status())}
	case line == "G1":
		switch {
		case m.set > m.actual:
			m.ramping = StatusRampUp
		case m.set < m.actual:
			m.ramping = StatusRampDown
		}
		m.polls = 0
		if m.ramping != "" && m.RampPolls == 0 {
			m.actual, m.ramping = m.set, ""
		}
		st := m.ramping
		if st == "" {
			st = m.status()
		}
		return []string{"S1=" + string(st)}
	case strings.HasPrefix(line, "D1="):
		v, err := strconv.Atoi(line[3:])
		if err != nil || len(line) != 7 {
			return []string{"?WCN"}
		}
		m.set = v
		return []string{""}
	case strings.HasPrefix(line, "V1="):
		v, err := strconv.Atoi(line[3:])
		if err != nil || len(line) != 6 {
			return []string{"?WCN"}
		}
		m.speed = v
		return []string{""}
	}
	return []string{"????"}
}
