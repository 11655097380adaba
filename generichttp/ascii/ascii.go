// Package ascii exposes the raw command line of text protocol instruments
// over HTTP
package ascii

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mppcqc/benchlab/generichttp"
	"github.com/mppcqc/benchlab/server"
)

// RawCommunicator has a single Raw method
type RawCommunicator interface {
	Raw(string) (string, error)
}

// Guard vets a raw command before it is sent; a non-nil error refuses it
type Guard func(cmd string) error

// Refuse returns a Guard that blocks every command starting with one of
// prefixes, compared case-insensitively.  Output levels of the HV supplies
// are only changed by the ramp, so their set commands are refused.
func Refuse(prefixes ...string) Guard {
	up := make([]string, len(prefixes))
	for i, p := range prefixes {
		up[i] = strings.ToUpper(p)
	}
	return func(cmd string) error {
		c := strings.ToUpper(strings.TrimSpace(cmd))
		for _, p := range up {
			if strings.HasPrefix(c, p) {
				return fmt.Errorf("ascii: %q is not allowed over /raw", cmd)
			}
		}
		return nil
	}
}

// RawWrapper is a wrapper around a raw communicator
type RawWrapper struct {
	Comm  RawCommunicator
	Guard Guard
}

// HTTPRaw sends the {"str": cmd} body to the device and replies with its
// answer as {"str": resp}.  Refused commands are a 403.
func (rw *RawWrapper) HTTPRaw(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var cmd server.StrT
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rw.Guard != nil {
		if err := rw.Guard(cmd.Str); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}
	resp, err := rw.Comm.Raw(cmd.Str)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	server.ReplyJSON(w, server.StrT{Str: resp})
}

// InjectRawComm adds a POST /raw route to table.  guard may be nil.
func InjectRawComm(table generichttp.RouteTable, raw RawCommunicator, guard Guard) {
	wrap := RawWrapper{Comm: raw, Guard: guard}
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = wrap.HTTPRaw
}
