package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/mppcqc/benchlab/logging"
)

func TestInitToJSONCarriesApp(t *testing.T) {
	var buf bytes.Buffer
	l := logging.InitTo(&buf, "hvctl", "debug", true)
	l.Debug().Float64("commanded", 76.5).Msg("ramp step")
	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line was not JSON: %v (%q)", err, buf.String())
	}
	if rec["app"] != "hvctl" || rec["message"] != "ramp step" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := logging.InitTo(&buf, "x", "chatty", true)
	l.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug output leaked at info level: %q", buf.String())
	}
	l.Info().Msg("shown")
	if buf.Len() == 0 {
		t.Error("info output missing")
	}
}
