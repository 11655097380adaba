package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/agilent"
	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/generichttp"
	"github.com/mppcqc/benchlab/generichttp/daq"
	"github.com/mppcqc/benchlab/generichttp/hv"
	"github.com/mppcqc/benchlab/generichttp/tmc"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/iseg"
	"github.com/mppcqc/benchlab/keithley"
	"github.com/mppcqc/benchlab/keysight"
	"github.com/mppcqc/benchlab/metrics"
	"github.com/mppcqc/benchlab/server/middleware/locker"
)

// ObjSetup holds the typical triplet of args for a New<device> call.
// Serial is not always used, and need not be populated in the config file
// if not used.
type ObjSetup struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a terminal server, or /dev/ttyUSB0 for an RS232 device on a serial cable.
	// Mock digitizers use it as their serial.
	Addr string `koanf:"addr" yaml:"Addr"`

	// Endpoint is the full path the routes from this device will be served on
	// ex. Endpoint="/bias" will produce routes of /bias/voltage, etc.
	Endpoint string `koanf:"endpoint" yaml:"Endpoint"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"serial" yaml:"Serial"`

	// Type is the "type" of the object, e.g. keithley6487
	Type string `koanf:"type" yaml:"Type"`

	// Args holds any arguments to pass into the constructor for the object
	Args map[string]interface{} `koanf:"args" yaml:"Args"`
}

// Config is a struct that holds the initialization parameters for various
// HTTP adapted devices.  It is to be populated by a koanf unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"Addr"`

	// Mock replaces every device with an in-memory simulation
	Mock bool `koanf:"mock" yaml:"Mock"`

	// DataDir is where digitizer captures are written
	DataDir string `koanf:"datadir" yaml:"DataDir"`

	// LogLevel is a zerolog level name; LogJSON selects JSON output
	LogLevel string `koanf:"loglevel" yaml:"LogLevel"`
	LogJSON  bool   `koanf:"logjson" yaml:"LogJSON"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `koanf:"nodes" yaml:"Nodes"`
}

// argFloat reads a number from node args, which YAML may have decoded as
// either an int or a float
func argFloat(args map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	}
	return 0, fmt.Errorf("argument %s: %v is not a number", key, v)
}

func argString(args map[string]interface{}, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

// biasSupply is what the ramped routes need from a bias source
type biasSupply interface {
	hvramp.Supply
	hvramp.Ranger
	hvramp.Resetter
}

func keithleyNode(c Config, node ObjSetup, logger zerolog.Logger) (generichttp.HTTPer, error) {
	var s biasSupply
	if c.Mock {
		s = keithley.NewMock()
	} else {
		s = keithley.NewPicoammeter(node.Addr, node.Serial)
	}
	p := hvramp.DefaultProfile()
	var err error
	if p.Max, err = argFloat(node.Args, "Max", p.Max); err != nil {
		return nil, err
	}
	if p.NormIncrement, err = argFloat(node.Args, "NormIncrement", p.NormIncrement); err != nil {
		return nil, err
	}
	if p.ThreshIncrement, err = argFloat(node.Args, "ThreshIncrement", p.ThreshIncrement); err != nil {
		return nil, err
	}
	if p.Threshold, err = argFloat(node.Args, "Threshold", p.Threshold); err != nil {
		return nil, err
	}
	if c.Mock {
		p.Settle, p.ZeroSettle, p.JumpSettle = 0, 0, 0
	}
	r, err := hvramp.New(s, p)
	if err != nil {
		return nil, err
	}
	r.Name = strings.Trim(node.Endpoint, "/")
	r.Log = logger
	if _, err := r.Sync(); err != nil {
		logger.Warn().Err(err).Str("supply", r.Name).Msg("could not read the supply at startup")
	}
	return hv.NewHTTPRamper(r, s), nil
}

func isegNode(c Config, node ObjSetup, logger zerolog.Logger) (generichttp.HTTPer, error) {
	speed, err := argFloat(node.Args, "RampSpeed", 50)
	if err != nil {
		return nil, err
	}
	var n *iseg.NHQ
	if c.Mock {
		n = iseg.NewMock().NHQ()
	} else {
		n = iseg.NewNHQ(node.Addr, node.Serial)
	}
	n.Log = logger
	return hv.NewHTTPNHQ(n, int(speed)), nil
}

func functionGeneratorNode(c Config, node ObjSetup) generichttp.HTTPer {
	var gen *agilent.FunctionGenerator
	if c.Mock {
		gen = agilent.NewSimulator().FunctionGenerator()
	} else {
		gen = agilent.NewFunctionGenerator(node.Addr, node.Serial)
	}
	return tmc.NewHTTPFunctionGenerator(gen)
}

func digitizerNode(c Config, node ObjSetup, logger zerolog.Logger) (generichttp.HTTPer, error) {
	var d digitizer.Digitizer
	backend := strings.ToLower(argString(node.Args, "Backend", "keysight"))
	switch {
	case c.Mock || backend == "mock":
		m := digitizer.NewMock(node.Addr, uint64(len(node.Addr)))
		limit, err := argFloat(node.Args, "WaveformLimit", 0)
		if err != nil {
			return nil, err
		}
		m.WaveformLimit = uint32(limit)
		d = m
	case backend == "keysight":
		kd, err := keysight.NewDigitizer(keysight.NewScope(node.Addr))
		if err != nil {
			return nil, err
		}
		d = kd
	default:
		return nil, fmt.Errorf("digitizer backend %q not understood", backend)
	}
	s := digitizer.Init(d)
	s.Log = logger
	dir := filepath.Join(c.DataDir, argString(node.Args, "Subdir", ""))
	return daq.NewHTTPDigitizer(s, dir), nil
}

// BuildMux constructs a chi mux with a submux per configured node.
// The mux serves two special routes: /endpoints, which returns a map of
// every node to its routes as JSON, and /metrics.
func BuildMux(c Config, logger zerolog.Logger) (chi.Router, error) {
	// make the root handler
	root := chi.NewRouter()
	root.Use(metrics.RequestMiddleware(logger))
	supergraph := map[string][]string{}

	// for every node specified, build a submux
	for _, node := range c.Nodes {
		var (
			httper generichttp.HTTPer
			err    error
		)
		nodeLog := logger.With().Str("node", node.Endpoint).Logger()
		typ := strings.ToLower(node.Type)
		switch typ {
		case "keithley6487", "keithley", "picoammeter":
			httper, err = keithleyNode(c, node, nodeLog)
		case "iseg-nhq", "iseg", "nhq":
			httper, err = isegNode(c, node, nodeLog)
		case "agilent-function-generator", "33220a", "pulser":
			httper = functionGeneratorNode(c, node)
		case "digitizer":
			httper, err = digitizerNode(c, node, nodeLog)
		default:
			return nil, fmt.Errorf("type %s not understood", typ)
		}
		if err != nil {
			return nil, fmt.Errorf("setting up %s: %w", node.Endpoint, err)
		}

		// prepare the URL, "bench/bias" => "/bench/bias"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, dup := supergraph[hndlS]; dup {
			return nil, fmt.Errorf("endpoint %s used twice", hndlS)
		}

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper, lock)

		// add the endpoints to the graph
		supergraph[hndlS] = httper.RT().Endpoints()

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
		nodeLog.Info().Str("type", typ).Int("routes", len(supergraph[hndlS])).Msg("node ready")
	}
	if len(supergraph) == 0 {
		return nil, fmt.Errorf("no nodes configured")
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	root.Handle("/metrics", metrics.Handler())
	return root, nil
}
