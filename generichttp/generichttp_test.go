package generichttp_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/generichttp"
)

func ExampleSubMuxSanitize() {
	fmt.Println(generichttp.SubMuxSanitize("bench/bias/"))
	// Output: /bench/bias
}

func serve(t *testing.T, rt generichttp.RouteTable, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	rt.Bind(r)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGettersAndSetters(t *testing.T) {
	var (
		volts = 12.5
		mv    = 540
		fcn   = "PULS"
		on    bool
	)
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/voltage"}:  generichttp.GetFloat(func() (float64, error) { return volts, nil }),
		{Method: http.MethodPost, Path: "/voltage"}: generichttp.SetFloat(func(v float64) error { volts = v; return nil }),
		{Method: http.MethodGet, Path: "/led"}:      generichttp.GetInt(func() (int, error) { return mv, nil }),
		{Method: http.MethodPost, Path: "/led"}:     generichttp.SetInt(func(i int) error { mv = i; return nil }),
		{Method: http.MethodGet, Path: "/function"}: generichttp.GetString(func() (string, error) { return fcn, nil }),
		{Method: http.MethodGet, Path: "/output"}:   generichttp.GetBool(func() (bool, error) { return on, nil }),
		{Method: http.MethodPost, Path: "/output"}:  generichttp.SetBool(func(b bool) error { on = b; return nil }),
	}
	posts := []struct{ path, body string }{
		{"/voltage", `{"f64": 70}`},
		{"/led", `{"int": 600}`},
		{"/output", `{"bool": true}`},
	}
	for _, p := range posts {
		if w := serve(t, rt, http.MethodPost, p.path, p.body); w.Code != http.StatusOK {
			t.Errorf("POST %s gave %d", p.path, w.Code)
		}
	}
	var got []string
	for _, path := range []string{"/voltage", "/led", "/function", "/output"} {
		got = append(got, strings.TrimSpace(serve(t, rt, http.MethodGet, path, "").Body.String()))
	}
	want := []string{`{"f64":70}`, `{"int":600}`, `{"str":"PULS"}`, `{"bool":true}`}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("replies (-want +got):\n%s", diff)
	}
}

func TestHandlerErrors(t *testing.T) {
	fail := errors.New("supply in compliance")
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/voltage"}:  generichttp.GetFloat(func() (float64, error) { return 0, fail }),
		{Method: http.MethodPost, Path: "/voltage"}: generichttp.SetFloat(func(float64) error { return fail }),
		{Method: http.MethodPost, Path: "/file"}:    generichttp.SetString(func(string) error { return nil }),
	}
	if w := serve(t, rt, http.MethodGet, "/voltage", ""); w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "compliance") {
		t.Errorf("failing getter gave %d %q", w.Code, w.Body.String())
	}
	if w := serve(t, rt, http.MethodPost, "/voltage", `{"f64": 1}`); w.Code != http.StatusInternalServerError {
		t.Errorf("failing setter gave %d", w.Code)
	}
	if w := serve(t, rt, http.MethodPost, "/file", `{"str":`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body gave %d", w.Code)
	}
}

func TestEndpointsSorted(t *testing.T) {
	h := func(http.ResponseWriter, *http.Request) {}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/zero"}:    h,
		{Method: http.MethodPost, Path: "/voltage"}: h,
		{Method: http.MethodGet, Path: "/voltage"}:  h,
	}
	want := []string{"GET /voltage", "POST /voltage", "POST /zero"}
	if diff := cmp.Diff(want, rt.Endpoints()); diff != "" {
		t.Errorf("endpoints (-want +got):\n%s", diff)
	}
}
