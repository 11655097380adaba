// Package hv provides HTTP interfaces to high voltage supplies.  Voltage
// changes on the bias supply always go through the safe ramp, so a request
// blocks until the ramp completes or the client goes away.
package hv

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"

	"github.com/mppcqc/benchlab/generichttp"
	"github.com/mppcqc/benchlab/generichttp/ascii"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/iseg"
	"github.com/mppcqc/benchlab/server"
)

// rampError maps ramp failures onto status codes
func rampError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, hvramp.ErrOutOfRange):
		code = http.StatusBadRequest
	case errors.Is(err, hvramp.ErrFaulted):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

// Status is the state of a ramped supply
type Status struct {
	Commanded float64 `json:"commanded"`
	Read      float64 `json:"read"`
	Fault     string  `json:"fault,omitempty"`
}

// SourceSwitch is a supply whose output can be switched on and off
type SourceSwitch interface {
	SetSourceEnabled(bool) error
}

// CurrentLimiter is a supply with a programmable current limit in amps
type CurrentLimiter interface {
	SetCurrentLimit(float64) error
}

// Identifier is a supply that reports its identity, e.g. *IDN?
type Identifier interface {
	IDN() (string, error)
}

// HTTPRamper wraps a ramped bias supply in an HTTP interface
type HTTPRamper struct {
	Ramper *hvramp.Ramper
	Supply hvramp.Supply

	RouteTable generichttp.RouteTable
}

// NewHTTPRamper returns a new HTTP wrapper around r, which drives s.
// /idn, /raw, /source and /current-limit are added when s supports them.
// /raw refuses commands that would move the output outside the ramp.
func NewHTTPRamper(r *hvramp.Ramper, s hvramp.Supply) HTTPRamper {
	w := HTTPRamper{Ramper: r, Supply: s}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/voltage"}:  generichttp.GetFloat(s.ReadVoltage),
		{Method: http.MethodPost, Path: "/voltage"}: w.Ramp,
		{Method: http.MethodPost, Path: "/zero"}:    w.Zero,
		{Method: http.MethodGet, Path: "/status"}:   w.Status,
		{Method: http.MethodGet, Path: "/profile"}:  w.GetProfile,
		{Method: http.MethodPost, Path: "/profile"}: w.SetProfile,
	}
	if id, ok := s.(Identifier); ok {
		w.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/idn"}] = generichttp.GetString(id.IDN)
	}
	if raw, ok := s.(ascii.RawCommunicator); ok {
		ascii.InjectRawComm(w.RouteTable, raw, ascii.Refuse("SOUR:VOLT ", "SOUR:VOLT:LEV", "SOURCE:VOLTAGE ", "*RST"))
	}
	if sw, ok := s.(SourceSwitch); ok {
		w.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/source"}] = generichttp.SetBool(sw.SetSourceEnabled)
	}
	if cl, ok := s.(CurrentLimiter); ok {
		w.RouteTable[generichttp.MethodPath{Method: http.MethodPost, Path: "/current-limit"}] = generichttp.SetFloat(cl.SetCurrentLimit)
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPRamper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Ramp ramps the supply to {"f64": volts}
func (h HTTPRamper) Ramp(w http.ResponseWriter, r *http.Request) {
	f := server.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Ramper.RampTo(r.Context(), f.F64); err != nil {
		rampError(w, err)
		return
	}
	hp := server.HumanPayload{T: types.Float64, Float: h.Ramper.Commanded()}
	hp.EncodeAndRespond(w, r)
}

// Zero ramps the supply to zero, clearing a latched fault
func (h HTTPRamper) Zero(w http.ResponseWriter, r *http.Request) {
	if err := h.Ramper.Zero(r.Context()); err != nil {
		rampError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status replies with the commanded and read voltage and any fault
func (h HTTPRamper) Status(w http.ResponseWriter, r *http.Request) {
	st := Status{Commanded: h.Ramper.Commanded()}
	v, err := h.Supply.ReadVoltage()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	st.Read = v
	if f := h.Ramper.Fault(); f != nil {
		st.Fault = f.Error()
	}
	server.ReplyJSON(w, st)
}

// GetProfile replies with the ramp parameters
func (h HTTPRamper) GetProfile(w http.ResponseWriter, r *http.Request) {
	server.ReplyJSON(w, h.Ramper.Profile())
}

// SetProfile replaces the ramp parameters.  Fields missing from the body
// keep their present value.
func (h HTTPRamper) SetProfile(w http.ResponseWriter, r *http.Request) {
	p := h.Ramper.Profile()
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Ramper.SetProfile(p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.ReplyJSON(w, p)
}

// HTTPNHQ wraps an iseg NHQ channel in an HTTP interface
type HTTPNHQ struct {
	NHQ *iseg.NHQ

	// RampSpeed in V/s is used for voltage changes
	RampSpeed int

	RouteTable generichttp.RouteTable
}

// NewHTTPNHQ returns a new HTTP wrapper around n ramping at speed V/s
func NewHTTPNHQ(n *iseg.NHQ, speed int) HTTPNHQ {
	w := HTTPNHQ{NHQ: n, RampSpeed: speed}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/voltage"}: generichttp.GetInt(func() (int, error) {
			return n.ActualVoltage(context.Background())
		}),
		{Method: http.MethodPost, Path: "/voltage"}: w.Ramp,
		{Method: http.MethodGet, Path: "/current"}: generichttp.GetFloat(func() (float64, error) {
			return n.ActualCurrent(context.Background())
		}),
		{Method: http.MethodGet, Path: "/status"}: generichttp.GetString(func() (string, error) {
			st, err := n.Status(context.Background())
			return string(st), err
		}),
		{Method: http.MethodPost, Path: "/zero"}: w.Zero,
		{Method: http.MethodGet, Path: "/info"}:  w.Info,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPNHQ) RT() generichttp.RouteTable {
	return h.RouteTable
}

func statusReply(w http.ResponseWriter, r *http.Request, st iseg.Status, err error) {
	if err != nil {
		code := http.StatusInternalServerError
		var ce *iseg.CommandError
		if errors.As(err, &ce) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	hp := server.HumanPayload{T: types.String, String: string(st)}
	hp.EncodeAndRespond(w, r)
}

// Ramp starts a ramp to {"int": volts} and replies with the module status.
// It does not wait for the ramp to finish; poll /status for that.
func (h HTTPNHQ) Ramp(w http.ResponseWriter, r *http.Request) {
	i := server.IntT{}
	err := json.NewDecoder(r.Body).Decode(&i)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if i.Int < 0 {
		http.Error(w, hvramp.ErrOutOfRange.Error(), http.StatusBadRequest)
		return
	}
	st, err := h.NHQ.RampTo(r.Context(), i.Int, h.RampSpeed)
	statusReply(w, r, st, err)
}

// Zero starts the ramp to zero volts
func (h HTTPNHQ) Zero(w http.ResponseWriter, r *http.Request) {
	st, err := h.NHQ.Off(r.Context())
	statusReply(w, r, st, err)
}

// Info replies with the module identification
func (h HTTPNHQ) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.NHQ.SystemInfo(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.ReplyJSON(w, info)
}
