// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FloatT is a struct with a single float64 field, F64
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, Int
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, Str
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, Bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds one value of the kind T and encodes it as the matching
// single field JSON object, e.g. {"f64": 1.5}
type HumanPayload struct {
	Bool   bool
	Float  float64
	Int    int
	String string
	T      types.BasicKind
}

// EncodeAndRespond writes the payload to w as JSON
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ReplyJSON encodes v as the response body
func ReplyJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ErrEscapesFolder is returned by SafeJoin for names that leave the folder
var ErrEscapesFolder = errors.New("server: file name escapes the served folder")

// SafeJoin joins fldr and fn, refusing names that escape fldr
func SafeJoin(fldr, fn string) (string, error) {
	fn = filepath.FromSlash(strings.TrimPrefix(fn, "/"))
	if fn == "" || !filepath.IsLocal(fn) {
		return "", ErrEscapesFolder
	}
	return filepath.Join(fldr, fn), nil
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	path, err := SafeJoin(fldr, fn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", fn), http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving source file stats %s", err), http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), f)
}
