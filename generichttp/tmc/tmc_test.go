package tmc_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/generichttp/tmc"
)

func newServer(t *testing.T) (*agilent.Simulator, *httptest.Server) {
	sim := agilent.NewSimulator()
	h := tmc.NewHTTPFunctionGenerator(sim.FunctionGenerator())
	r := chi.NewRouter()
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return sim, srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, strings.TrimSpace(buf.String())
}

func TestEndpoints(t *testing.T) {
	h := tmc.NewHTTPFunctionGenerator(agilent.NewSimulator().FunctionGenerator())
	want := []string{
		"GET /frequency", "GET /function", "GET /offset", "GET /output", "GET /voltage",
		"POST /frequency", "POST /function", "POST /offset", "POST /output", "POST /pulse", "POST /raw", "POST /voltage",
	}
	if diff := cmp.Diff(want, h.RT().Endpoints()); diff != "" {
		t.Errorf("endpoints (-want +got):\n%s", diff)
	}
}

func TestPulseOverHTTP(t *testing.T) {
	sim, srv := newServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/pulse", `{"amplitudeMV": 630}`)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	if body != `{"amplitudeMV":630,"widthNs":38,"frequencyHz":1000}` {
		t.Errorf("unexpected reply %s", body)
	}
	if !sim.Output() {
		t.Error("output should be on")
	}
	code, body = do(t, http.MethodGet, srv.URL+"/output", "")
	if code != http.StatusOK || body != `{"bool":true}` {
		t.Errorf("GET /output gave %d %s", code, body)
	}
	code, _ = do(t, http.MethodPost, srv.URL+"/output", `{"bool": false}`)
	if code != http.StatusOK || sim.Output() {
		t.Errorf("POST /output gave %d, output %v", code, sim.Output())
	}
}

func TestPulseRejectsBadSettings(t *testing.T) {
	sim, srv := newServer(t)
	code, _ := do(t, http.MethodPost, srv.URL+"/pulse", `{"amplitudeMV": -1}`)
	if code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	if len(sim.Lines()) != 0 {
		t.Errorf("nothing should reach the generator, got %v", sim.Lines())
	}
}

func TestRawAndFrequency(t *testing.T) {
	_, srv := newServer(t)
	code, body := do(t, http.MethodPost, srv.URL+"/frequency", `{"f64": 2500}`)
	if code != http.StatusOK {
		t.Fatalf("status %d: %s", code, body)
	}
	code, body = do(t, http.MethodGet, srv.URL+"/frequency", "")
	if code != http.StatusOK || body != `{"f64":2500}` {
		t.Errorf("GET /frequency gave %d %s", code, body)
	}
	code, body = do(t, http.MethodPost, srv.URL+"/raw", `{"str": "*IDN?"}`)
	if code != http.StatusOK || !strings.Contains(body, "33220A") {
		t.Errorf("POST /raw gave %d %s", code, body)
	}
}
