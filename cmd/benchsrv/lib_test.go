package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func mockConfig(t *testing.T) Config {
	return Config{
		Mock:    true,
		DataDir: t.TempDir(),
		Nodes: []ObjSetup{
			{Endpoint: "bench/bias", Type: "keithley6487", Args: map[string]interface{}{"Max": 90}},
			{Endpoint: "/bench/pmt/*", Type: "iseg-nhq", Args: map[string]interface{}{"RampSpeed": 20}},
			{Endpoint: "bench/led", Type: "agilent-function-generator"},
			{Addr: "IW098/0028", Endpoint: "bench/daq0", Type: "digitizer", Args: map[string]interface{}{"WaveformLimit": 50}},
		},
	}
}

func request(t *testing.T, srv *httptest.Server, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	io.Copy(buf, resp.Body)
	return resp.StatusCode, strings.TrimSpace(buf.String())
}

func TestBuildMuxServesEveryNode(t *testing.T) {
	mux, err := BuildMux(mockConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	code, body := request(t, srv, http.MethodGet, "/endpoints", "")
	if code != http.StatusOK {
		t.Fatalf("GET /endpoints gave %d", code)
	}
	var graph map[string][]string
	if err := json.Unmarshal([]byte(body), &graph); err != nil {
		t.Fatal(err)
	}
	var keys []string
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{"/bench/bias", "/bench/daq0", "/bench/led", "/bench/pmt"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("nodes (-want +got):\n%s", diff)
	}

	if code, body = request(t, srv, http.MethodPost, "/bench/bias/voltage", `{"f64": 80}`); code != http.StatusOK {
		t.Errorf("ramping the bias gave %d %s", code, body)
	}
	if code, _ = request(t, srv, http.MethodPost, "/bench/bias/voltage", `{"f64": 95}`); code != http.StatusBadRequest {
		t.Errorf("bias above the configured max gave %d", code)
	}
	if code, body = request(t, srv, http.MethodPost, "/bench/led/pulse", `{"amplitudeMV": 630}`); code != http.StatusOK {
		t.Errorf("pulsing the LED gave %d %s", code, body)
	}
	if code, body = request(t, srv, http.MethodPost, "/bench/pmt/voltage", `{"int": 1400}`); code != http.StatusOK {
		t.Errorf("ramping the PMT gave %d %s", code, body)
	}
	request(t, srv, http.MethodPost, "/bench/daq0/preset", `{"int": 3}`)
	if code, body = request(t, srv, http.MethodPost, "/bench/daq0/capture", `{"str": "check"}`); code != http.StatusOK {
		t.Errorf("capturing gave %d %s", code, body)
	}

	code, body = request(t, srv, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "benchlab_") {
		t.Errorf("GET /metrics gave %d", code)
	}
}

func TestLockedNodeRefusesChanges(t *testing.T) {
	mux, err := BuildMux(mockConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if code, _ := request(t, srv, http.MethodPost, "/bench/bias/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("locking gave %d", code)
	}
	if code, _ := request(t, srv, http.MethodPost, "/bench/bias/voltage", `{"f64": 10}`); code != http.StatusLocked {
		t.Errorf("ramping a locked supply gave %d", code)
	}
	if code, body := request(t, srv, http.MethodGet, "/bench/bias/voltage", ""); code != http.StatusOK || body != `{"f64":0}` {
		t.Errorf("reading a locked supply gave %d %s", code, body)
	}
	if _, body := request(t, srv, http.MethodGet, "/bench/bias/lock", ""); body != `{"bool":true}` {
		t.Errorf("lock state %s", body)
	}
	// other nodes are unaffected
	if code, _ := request(t, srv, http.MethodPost, "/bench/led/output", `{"bool": false}`); code != http.StatusOK {
		t.Errorf("switching the LED gave %d", code)
	}
	request(t, srv, http.MethodPost, "/bench/bias/lock", `{"bool": false}`)
	if code, _ := request(t, srv, http.MethodPost, "/bench/bias/voltage", `{"f64": 10}`); code != http.StatusOK {
		t.Errorf("ramping an unlocked supply gave %d", code)
	}
}

func TestBuildMuxRejectsBadConfig(t *testing.T) {
	bad := []Config{
		{Mock: true},
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "x", Type: "laser"}}},
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "a", Type: "pulser"}, {Endpoint: "/a/", Type: "pulser"}}},
		{Mock: true, Nodes: []ObjSetup{{Endpoint: "b", Type: "keithley", Args: map[string]interface{}{"Max": "high"}}}},
	}
	for i, c := range bad {
		if _, err := BuildMux(c, zerolog.Nop()); err == nil {
			t.Errorf("config %d should be rejected", i)
		}
	}
}
