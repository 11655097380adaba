package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog/log"

	yml "gopkg.in/yaml.v2"

	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/internal/rig"
	"github.com/mppcqc/benchlab/logging"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "hvctl.yml"
	k              = koanf.New(".")
)

// Config holds everything that is not on the command line
type Config struct {
	Hardware rig.Hardware `koanf:"hardware" yaml:"Hardware"`

	// Profile supplies the settle times, tolerance and maximum; the
	// increments and threshold come from the command line
	Profile hvramp.Profile `koanf:"profile" yaml:"Profile"`

	// CurrentLimit of the source and CurrentRange of the ammeter, in amps
	CurrentLimit float64 `koanf:"currentlimit" yaml:"CurrentLimit"`
	CurrentRange float64 `koanf:"currentrange" yaml:"CurrentRange"`

	// DataDir receives StartDAQ captures, IVDir IV measurements
	DataDir string `koanf:"datadir" yaml:"DataDir"`
	IVDir   string `koanf:"ivdir" yaml:"IVDir"`

	LogLevel string `koanf:"loglevel" yaml:"LogLevel"`
	LogJSON  bool   `koanf:"logjson" yaml:"LogJSON"`
}

func defaultConfig() Config {
	return Config{
		Hardware:     rig.DefaultHardware(),
		Profile:      hvramp.DefaultProfile(),
		CurrentLimit: 2.5e-4,
		CurrentRange: 2e-3,
		DataDir:      "data",
		IVDir:        "data/IV_Curves",
		LogLevel:     "warn",
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatal().Err(err).Msg("error loading config")
		}
	}
}

func root() {
	str := `hvctl ramps the Keithley 6487 bias supply safely and keeps it under
interactive control until told to ramp down.

Usage:
	` + usage + `
	hvctl <command>

Commands:
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `hvctl reads hvctl.yml from the working directory.  For a primer on YAML, see
https://yaml.org/start.html

The supply is reset at startup unless --no-reset is given, in which case it
is first ramped to zero from whatever it reads and then reset.

With -j the output jumps from zero straight to the jump voltage before
ramping, and on exit it is ramped down to the jump voltage and then jumped
to zero.  Only use it with a voltage known to be safe for the load.

With -i an IV curve is measured on the first ramp and saved as
<IVDir>/<file-basename>.csv.

Once at the target the console takes new voltages and commands:
` + commandList + `

Any error ramps the supply down.  If that fails too, the instructions to
ramp down by hand are printed.`
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
	fmt.Printf("hvctl version %v\n", Version)
}

func run(args []string) {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal().Err(err).Msg("decoding config")
	}
	logger := logging.Init("hvctl", c.LogLevel, c.LogJSON)
	rig.ServeMetrics(c.Hardware.MetricsAddr, logger)

	var units *digitizer.Group
	if len(c.Hardware.Units) > 0 {
		units, err = c.Hardware.Digitizers(logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connecting the digitizers")
		}
		defer units.Close()
	}
	prog, err := newProgress(os.Stdout)
	if err != nil {
		logger.Fatal().Err(err).Msg("creating the progress line")
	}
	s, err := newSession(opts, c, c.Hardware.BiasSupply(), units, os.Stdin, os.Stdout, prog, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid ramp parameters")
	}
	ctx, cancel := rig.SignalContext()
	defer cancel()
	if err := s.run(ctx); err != nil {
		cancel()
		if units != nil {
			units.Close()
		}
		logger.Fatal().Err(err).Msg("session ended with an error")
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	switch strings.ToLower(args[1]) {
	case "help", "-h", "--help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	default:
		run(args[1:])
	}
}
