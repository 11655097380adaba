package hv_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/generichttp/hv"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/iseg"
	"github.com/mppcqc/benchlab/keithley"
)

func start(t *testing.T, bind func(chi.Router)) *httptest.Server {
	r := chi.NewRouter()
	bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
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

func rampServer(t *testing.T, m *keithley.Mock) *httptest.Server {
	p := hvramp.DefaultProfile()
	p.Settle, p.ZeroSettle, p.JumpSettle = 0, 0, 0
	r, err := hvramp.New(m, p)
	if err != nil {
		t.Fatal(err)
	}
	h := hv.NewHTTPRamper(r, m)
	return start(t, h.RT().Bind)
}

func TestRampOverHTTP(t *testing.T) {
	m := keithley.NewMock()
	srv := rampServer(t, m)
	code, body := do(t, http.MethodPost, srv.URL+"/voltage", `{"f64": 10}`)
	if code != http.StatusOK || body != `{"f64":10}` {
		t.Fatalf("POST /voltage gave %d %s", code, body)
	}
	if diff := cmp.Diff([]float64{2, 4, 6, 8, 10}, m.History); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
	code, body = do(t, http.MethodGet, srv.URL+"/status", "")
	if code != http.StatusOK {
		t.Fatalf("GET /status gave %d %s", code, body)
	}
	var st hv.Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(hv.Status{Commanded: 10, Read: 10}, st); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
	code, body = do(t, http.MethodGet, srv.URL+"/idn", "")
	if code != http.StatusOK || !strings.Contains(body, "MODEL 6487") {
		t.Errorf("GET /idn gave %d %s", code, body)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/voltage", `{"f64": 900}`); code != http.StatusBadRequest {
		t.Errorf("out of range target gave %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/zero", ""); code != http.StatusOK {
		t.Errorf("POST /zero gave %d", code)
	}
	if v, _ := m.ReadVoltage(); v != 0 {
		t.Errorf("supply left at %v V", v)
	}
}

func TestFaultLatchesOverHTTP(t *testing.T) {
	m := keithley.NewMock()
	m.TripAt = 6
	srv := rampServer(t, m)
	if code, _ := do(t, http.MethodPost, srv.URL+"/voltage", `{"f64": 10}`); code != http.StatusInternalServerError {
		t.Errorf("tripping ramp gave %d", code)
	}
	_, body := do(t, http.MethodGet, srv.URL+"/status", "")
	if !strings.Contains(body, "compliance") {
		t.Errorf("status should carry the fault, got %s", body)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/voltage", `{"f64": 2}`); code != http.StatusConflict {
		t.Errorf("ramp while faulted gave %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/zero", ""); code != http.StatusOK {
		t.Errorf("POST /zero gave %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/voltage", `{"f64": 2}`); code != http.StatusOK {
		t.Errorf("ramp after zero gave %d", code)
	}
}

func TestProfileOverHTTP(t *testing.T) {
	srv := rampServer(t, keithley.NewMock())
	code, body := do(t, http.MethodPost, srv.URL+"/profile", `{"NormIncrement": 5}`)
	if code != http.StatusOK {
		t.Fatalf("POST /profile gave %d %s", code, body)
	}
	var p hvramp.Profile
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatal(err)
	}
	if p.NormIncrement != 5 || p.ThreshIncrement != 0.5 {
		t.Errorf("unexpected profile %+v", p)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/profile", `{"NormIncrement": -1}`); code != http.StatusBadRequest {
		t.Errorf("invalid profile gave %d", code)
	}
}

func TestNHQOverHTTP(t *testing.T) {
	m := iseg.NewMock()
	h := hv.NewHTTPNHQ(m.NHQ(), 50)
	srv := start(t, h.RT().Bind)

	code, body := do(t, http.MethodPost, srv.URL+"/voltage", `{"int": 1400}`)
	if code != http.StatusOK || body != `{"str":"ON"}` {
		t.Fatalf("POST /voltage gave %d %s", code, body)
	}
	if _, body = do(t, http.MethodGet, srv.URL+"/voltage", ""); body != `{"int":1400}` {
		t.Errorf("GET /voltage gave %s", body)
	}
	if _, body = do(t, http.MethodGet, srv.URL+"/status", ""); body != `{"str":"ON"}` {
		t.Errorf("GET /status gave %s", body)
	}
	if code, body = do(t, http.MethodPost, srv.URL+"/zero", ""); code != http.StatusOK || body != `{"str":"OFF"}` {
		t.Errorf("POST /zero gave %d %s", code, body)
	}
	if _, body = do(t, http.MethodGet, srv.URL+"/info", ""); !strings.Contains(body, `"serial":"484216"`) {
		t.Errorf("GET /info gave %s", body)
	}
	want := []string{"D1=1400", "V1=050", "G1"}
	if diff := cmp.Diff(want, m.Lines()[:3]); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}
