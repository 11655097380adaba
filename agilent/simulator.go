package agilent

import (
	"strconv"
	"strings"
	"sync"

	"github.com/mppcqc/benchlab/internal/linedev"
)

// Simulator is an in-memory 33220A speaking the SCPI subset the driver uses.
// It lets a server run without the hardware attached.
type Simulator struct {
	mu sync.Mutex

	function  string
	frequency float64
	vpp       float64
	offset    float64
	high, low float64
	width     float64
	output    bool

	dev *linedev.Device
}

// NewSimulator returns a simulator in the power on state
func NewSimulator() *Simulator {
	s := &Simulator{function: "SIN", frequency: 1000, vpp: 0.1}
	s.dev = linedev.New(s.handle)
	return s
}

// FunctionGenerator returns a driver connected to the simulator
func (s *Simulator) FunctionGenerator() *FunctionGenerator {
	return NewFunctionGeneratorOnPool(s.dev.Pool())
}

// Lines returns every command received
func (s *Simulator) Lines() []string {
	return s.dev.Lines()
}

// Output reports if the output is on
func (s *Simulator) Output() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func parseArg(fields []string) float64 {
	if len(fields) < 2 {
		return 0
	}
	f, _ := strconv.ParseFloat(fields[1], 64)
	return f
}

func (s *Simulator) handle(line string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch strings.ToUpper(fields[0]) {
	case "*IDN?":
		return []string{"Agilent Technologies,33220A,SIM00000,2.02-2.02-22-2"}
	case "SYSTEM:ERROR?":
		return []string{`+0,"No error"`}
	case "FUNC?":
		return []string{s.function}
	case "FUNC":
		if len(fields) > 1 {
			s.function = strings.ToUpper(fields[1])
		}
	case "FREQ?":
		return []string{ftoa(s.frequency)}
	case "FREQ":
		s.frequency = parseArg(fields)
	case "VOLT?":
		return []string{ftoa(s.vpp)}
	case "VOLT":
		s.vpp = parseArg(fields)
	case "VOLT:OFFSET?":
		return []string{ftoa(s.offset)}
	case "VOLT:OFFSET":
		s.offset = parseArg(fields)
	case "VOLT:HIGH":
		s.high = parseArg(fields)
		s.vpp, s.offset = s.high-s.low, (s.high+s.low)/2
	case "VOLT:LOW":
		s.low = parseArg(fields)
		s.vpp, s.offset = s.high-s.low, (s.high+s.low)/2
	case "FUNC:PULS:WIDT":
		s.width = parseArg(fields)
	case "OUTPUT?":
		if s.output {
			return []string{"1"}
		}
		return []string{"0"}
	case "OUTPUT":
		s.output = len(fields) > 1 && strings.EqualFold(fields[1], "ON")
	}
	return nil
}
