package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/metrics"
)

func TestRegisterIsIdempotentAndRecordersAreSafe(t *testing.T) {
	metrics.Register()
	metrics.Register()

	metrics.SupplyVoltage("keithley", 76.5)
	metrics.RampStep("keithley", "up")
	metrics.RampFault("keithley", "compliance")
	metrics.Capture("IW098-0028", 3*time.Second)
}

func TestHandlerExposesCollectors(t *testing.T) {
	metrics.SupplyVoltage("iseg", 1400)
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `benchlab_supply_voltage_volts{supply="iseg"} 1400`) {
		t.Errorf("gauge missing from exposition:\n%s", body)
	}
}

func TestRequestMiddlewarePassesThrough(t *testing.T) {
	h := metrics.RequestMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hv/voltage", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected 418, got %d", rec.Code)
	}
}
