// Package daq provides a generic HTTP interface to digitizers
//
// This is not the last word in speed, due to HTTP having reasonable latency in
// most client languages, but it is the last word in ease of use.  Captures are
// written to disk on the server and fetched or summarised by file name.
package daq

import (
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mppcqc/benchlab/analysis"
	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/generichttp"
	"github.com/mppcqc/benchlab/server"
)

// HTTPDigitizer wraps a digitizer session in an HTTP interface
type HTTPDigitizer struct {
	Session *digitizer.Session

	// DataDir is where captures are written and served from
	DataDir string

	// Thresholds are used by the sanity route
	Thresholds analysis.SanityThresholds

	RouteTable generichttp.RouteTable
}

// NewHTTPDigitizer returns a new HTTP wrapper around s writing below dataDir
func NewHTTPDigitizer(s *digitizer.Session, dataDir string) HTTPDigitizer {
	w := HTTPDigitizer{Session: s, DataDir: dataDir, Thresholds: analysis.DefaultSanityThresholds}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/serial"}: generichttp.GetString(func() (string, error) {
			return s.Serial(), nil
		}),
		{Method: http.MethodGet, Path: "/settings"}:  w.GetSettings,
		{Method: http.MethodPost, Path: "/settings"}: w.SetSettings,
		{Method: http.MethodPost, Path: "/preset"}: generichttp.SetInt(func(n int) error {
			set, err := digitizer.Preset(n)
			if err != nil {
				return err
			}
			return s.SetSettings(set)
		}),
		{Method: http.MethodPost, Path: "/capture"}: w.Capture,
		{Method: http.MethodGet, Path: "/header"}:   w.Header,
		{Method: http.MethodGet, Path: "/file"}:     w.File,
		{Method: http.MethodGet, Path: "/csv"}:      w.CSV,
		{Method: http.MethodGet, Path: "/sanity"}:   w.Sanity,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPDigitizer) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetSettings replies with the applied settings, 409 if there are none
func (h HTTPDigitizer) GetSettings(w http.ResponseWriter, r *http.Request) {
	set, ok := h.Session.Settings()
	if !ok {
		http.Error(w, digitizer.ErrNotConfigured.Error(), http.StatusConflict)
		return
	}
	server.ReplyJSON(w, set)
}

// SetSettings applies the JSON encoded settings in the request body
func (h HTTPDigitizer) SetSettings(w http.ResponseWriter, r *http.Request) {
	var set digitizer.Settings
	err := json.NewDecoder(r.Body).Decode(&set)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := set.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Session.SetSettings(set); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Capture runs one capture to the file named by {"str": name} relative to
// DataDir and replies with its path.  The .dat extension is added when
// missing.
func (h HTTPDigitizer) Capture(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := str.Str
	if !strings.HasSuffix(name, ".dat") {
		name += ".dat"
	}
	path, err := server.SafeJoin(h.DataDir, name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = h.Session.CollectTo(r.Context(), path)
	switch {
	case errors.Is(err, digitizer.ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: path}
	hp.EncodeAndRespond(w, r)
}

func (h HTTPDigitizer) open(w http.ResponseWriter, r *http.Request) (*daqfile.Capture, bool) {
	path, err := server.SafeJoin(h.DataDir, r.URL.Query().Get("file"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	c, err := daqfile.ReadFile(path)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return nil, false
	}
	return c, true
}

// Header replies with the header of ?file= as JSON
func (h HTTPDigitizer) Header(w http.ResponseWriter, r *http.Request) {
	path, err := server.SafeJoin(h.DataDir, r.URL.Query().Get("file"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hdr, err := daqfile.ReadFileHeader(path)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	server.ReplyJSON(w, hdr)
}

// File serves ?file= as it is on disk
func (h HTTPDigitizer) File(w http.ResponseWriter, r *http.Request) {
	server.ReplyWithFile(w, r, r.URL.Query().Get("file"), h.DataDir)
}

// parseChannel accepts A..D or 0..3
func parseChannel(s string) (int, error) {
	if len(s) == 1 && s[0] >= 'A' && s[0] < 'A'+daqfile.NumChannels {
		return int(s[0] - 'A'), nil
	}
	ch, err := strconv.Atoi(s)
	if err != nil || ch < 0 || ch >= daqfile.NumChannels {
		return 0, fmt.Errorf("daq: invalid channel %q", s)
	}
	return ch, nil
}

// CSV replies with waveforms of ?file= as CSV.  ?ch= picks the channel
// (default A) and ?n= limits the number of waveforms.
func (h HTTPDigitizer) CSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ch := 0
	if s := q.Get("ch"); s != "" {
		var err error
		if ch, err = parseChannel(strings.ToUpper(s)); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	n := 0
	if s := q.Get("n"); s != "" {
		var err error
		if n, err = strconv.Atoi(s); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	c, ok := h.open(w, r)
	if !ok {
		return
	}
	if ch >= daqfile.NumChannels || !c.Active[ch] {
		http.Error(w, fmt.Sprintf("channel %s is not active", daqfile.ChannelName(ch)), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if err := c.EncodeCSV(w, ch, n); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type sanityReply struct {
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

// Sanity replies with the integrated signal check of ?file=
func (h HTTPDigitizer) Sanity(w http.ResponseWriter, r *http.Request) {
	c, ok := h.open(w, r)
	if !ok {
		return
	}
	res := analysis.Sanity(c)
	server.ReplyJSON(w, sanityReply{OK: analysis.SanityOK(res, h.Thresholds), Text: analysis.FormatSanity(res)})
}
