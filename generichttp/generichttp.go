// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"

	"github.com/mppcqc/benchlab/server"
)

// MethodPath is an HTTP method and the path it is served on
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps method and path pairs to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes of the table as "METHOD /path", sorted by path
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Method < keys[j].Method
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Method + " " + k.Path
	}
	return out
}

// Bind registers every route of the table on r
func (rt RouteTable) Bind(r chi.Router) {
	for k, f := range rt {
		r.MethodFunc(k.Method, k.Path, f)
	}
}

// HTTPer is anything with a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize turns "bench/bias" or "/bench/bias/" into "/bench/bias", the form
// chi mounts subrouters on
func SubMuxSanitize(s string) string {
	return "/" + strings.Trim(s, "/*")
}

// getter replies to every request with the value of fcn, wrapped by box
// into its single field payload
func getter[V, P any](fcn func() (V, error), box func(V) P) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		server.ReplyJSON(w, box(v))
	}
}

// setter decodes a single field payload P from the body and calls fcn with
// the value unbox takes out of it.  A bad body is a 400, an error from fcn
// a 500.
func setter[V, P any](fcn func(V) error, unbox func(P) V) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var p P
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(unbox(p)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetFloat replies with {"f64": value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return getter(fcn, func(f float64) server.FloatT { return server.FloatT{F64: f} })
}

// SetFloat calls fcn with the value of a {"f64": value} body
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return setter(fcn, func(p server.FloatT) float64 { return p.F64 })
}

// GetInt replies with {"int": value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return getter(fcn, func(i int) server.IntT { return server.IntT{Int: i} })
}

// SetInt calls fcn with the value of an {"int": value} body
func SetInt(fcn func(int) error) http.HandlerFunc {
	return setter(fcn, func(p server.IntT) int { return p.Int })
}

// GetString replies with {"str": value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return getter(fcn, func(s string) server.StrT { return server.StrT{Str: s} })
}

// SetString calls fcn with the value of a {"str": value} body
func SetString(fcn func(string) error) http.HandlerFunc {
	return setter(fcn, func(p server.StrT) string { return p.Str })
}

// GetBool replies with {"bool": value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return getter(fcn, func(b bool) server.BoolT { return server.BoolT{Bool: b} })
}

// SetBool calls fcn with the value of a {"bool": value} body
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return setter(fcn, func(p server.BoolT) bool { return p.Bool })
}
