// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"encoding/json"
	"net/http"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/generichttp"
	"github.com/mppcqc/benchlab/generichttp/ascii"
	"github.com/mppcqc/benchlab/server"
)

// FunctionGenerator describes an interface to a function generator
type FunctionGenerator interface {
	// SetFunctions sets the function
	SetFunction(string) error

	// GetFunction returns the current function type used
	GetFunction() (string, error)

	// SetFrequency configures the frequency of the output waveform
	SetFrequency(float64) error

	// GetFrequency gets the frequency of the output waveform
	GetFrequency() (float64, error)

	// SetVoltage configures the voltage of the output waveform
	SetVoltage(float64) error

	// GetVoltage retrieves the voltage of the output waveform
	GetVoltage() (float64, error)

	// SetOffset configures the offset of the output waveform
	SetOffset(float64) error

	// GetOffset retrieves the offset of the output waveform
	GetOffset() (float64, error)

	// EnableOutput begins outputting the signal on the output connector
	EnableOutput() error

	// DisableOutput ceases output on the output connector
	DisableOutput() error

	// GetOutput queries if the generator output is active
	GetOutput() (bool, error)
}

// LEDPulser is a function generator that can drive the LED with a
// negative going pulse in one call
type LEDPulser interface {
	FunctionGenerator
	Pulse(agilent.PulseSettings) error
}

// HTTPFunctionGenerator wraps a function generator in an HTTP interface
type HTTPFunctionGenerator struct {
	FG LEDPulser

	RouteTable generichttp.RouteTable
}

// NewHTTPFunctionGenerator returns a new HTTP wrapper around fg.
// If fg also has a Raw method, /raw is added to the route table.
func NewHTTPFunctionGenerator(fg LEDPulser) HTTPFunctionGenerator {
	w := HTTPFunctionGenerator{FG: fg}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/function"}:  generichttp.GetString(fg.GetFunction),
		{Method: http.MethodPost, Path: "/function"}: generichttp.SetString(fg.SetFunction),

		{Method: http.MethodGet, Path: "/frequency"}:  generichttp.GetFloat(fg.GetFrequency),
		{Method: http.MethodPost, Path: "/frequency"}: generichttp.SetFloat(fg.SetFrequency),

		{Method: http.MethodGet, Path: "/voltage"}:  generichttp.GetFloat(fg.GetVoltage),
		{Method: http.MethodPost, Path: "/voltage"}: generichttp.SetFloat(fg.SetVoltage),

		{Method: http.MethodGet, Path: "/offset"}:  generichttp.GetFloat(fg.GetOffset),
		{Method: http.MethodPost, Path: "/offset"}: generichttp.SetFloat(fg.SetOffset),

		{Method: http.MethodGet, Path: "/output"}:  generichttp.GetBool(fg.GetOutput),
		{Method: http.MethodPost, Path: "/output"}: generichttp.SetBool(setOutput(fg)),

		{Method: http.MethodPost, Path: "/pulse"}: w.Pulse,
	}
	if raw, ok := fg.(ascii.RawCommunicator); ok {
		ascii.InjectRawComm(rt, raw, nil)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPFunctionGenerator) RT() generichttp.RouteTable {
	return h.RouteTable
}

func setOutput(fg FunctionGenerator) func(bool) error {
	return func(b bool) error {
		if b {
			return fg.EnableOutput()
		}
		return fg.DisableOutput()
	}
}

// Pulse configures the LED pulse from a JSON body such as
// {"amplitudeMV": 630, "widthNs": 38, "frequencyHz": 1000}.
// Omitted width and frequency take the default pulse values.
// An amplitude of zero switches the output off.
func (h HTTPFunctionGenerator) Pulse(w http.ResponseWriter, r *http.Request) {
	p := agilent.DefaultPulse
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.FG.Pulse(p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.ReplyJSON(w, p)
}
