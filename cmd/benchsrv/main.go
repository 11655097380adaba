package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog/log"

	yml "gopkg.in/yaml.v2"

	"github.com/mppcqc/benchlab/logging"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "benchsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:     ":8000",
		DataDir:  "benchsrv-data",
		LogLevel: "info",
		Nodes:    []ObjSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatal().Err(err).Msg("error loading config")
		}
	}
}

func root() {
	str := `benchsrv communicates with the detector test bench hardware and exposes an
HTTP interface to it.  This enables a server-client architecture, and the
clients can leverage the excellent HTTP libraries for any programming language.

Usage:
	benchsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `benchsrv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the server will close immediately and display an error
that there are no endpoints.

No two endpoints can have the same URL.

URLs may look like any variation between "bench/bias" or "/bench/bias/*", the leading
and trailing slashes, as well as the *, are added by the server if missing.

Setting Mock: true replaces every device with an in-memory simulation, which
is useful to develop clients away from the bench.

GET /endpoints lists every node and its routes.  GET /metrics serves
Prometheus metrics.  Every node has GET and POST <endpoint>/lock; a locked
node refuses changes with 423 (locked) but still answers reads.

Hardware and matching "type" fields, case insensitive:
- Keithley
	> 6487 picoammeter / voltage source "keithley6487", "keithley", "picoammeter"
	  Args: Max, NormIncrement, ThreshIncrement, Threshold (volts)
	  every voltage change is a safe ramp
- iseg
	> NHQ high voltage module "iseg-nhq", "iseg", "nhq"
	  Args: RampSpeed (V/s, default 50)
- Agilent
	> 33220A function generator "agilent-function-generator", "33220a", "pulser"
- Digitizers "digitizer"
	  Args: Backend ("keysight" or "mock"), Subdir (below DataDir),
	  WaveformLimit (mock only, caps each capture)`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal().Err(err).Msg("decoding config")
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal().Err(err).Msg("creating config file")
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal().Err(err).Msg("writing config file")
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal().Err(err).Msg("printing config")
	}
}

func pversion() {
	fmt.Printf("benchsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal().Err(err).Msg("decoding config")
	}
	logger := logging.Init("benchsrv", c.LogLevel, c.LogJSON)
	mux, err := BuildMux(c, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("building the server")
	}
	logger.Info().Str("addr", c.Addr).Bool("mock", c.Mock).Msg("now listening for requests")
	logger.Fatal().Err(http.ListenAndServe(c.Addr, mux)).Msg("server stopped")
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
}
