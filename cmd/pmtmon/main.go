package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog/log"

	yml "gopkg.in/yaml.v2"

	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/internal/rig"
	"github.com/mppcqc/benchlab/logging"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pmtmon.yml"
	k              = koanf.New(".")
)

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
	str := `pmtmon follows the gain of the reference PMT: it ramps the iseg supply up,
captures the PMT response once per interval and ramps the supply down.

Usage:
	` + usage + `
	pmtmon <command>

Commands:
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `pmtmon reads pmtmon.yml from the working directory.  Use mkconf to write the
defaults and edit them.

<hours> is the number of captures, one per Interval (an hour by default).
Each day gets a directory below Dir holding the captures, a histogram of the
PMT minima per capture when QuickPlots is set, and manifest.yaml.

With LEDmV above zero and a pulser address configured the LED is pulsed
during the captures.

On any error, or Ctrl-C, the supply is sent to zero.  If it does not take the
command the instructions to ramp down by hand are printed.`
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
	fmt.Printf("pmtmon version %v\n", Version)
}

func run(args []string) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal().Err(err).Msg("decoding config")
	}
	if err := applyArgs(&c.PMT, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	logger := logging.Init("pmtmon", c.LogLevel, c.LogJSON)
	rig.ServeMetrics(c.Hardware.MetricsAddr, logger)
	ctx, cancel := rig.SignalContext()
	defer cancel()
	rep, err := runMonitor(ctx, c, logger)
	var mi *hvramp.ManualInterventionError
	if errors.As(err, &mi) {
		fmt.Println(mi.Instructions)
	}
	if err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("monitor failed")
	}
	fmt.Printf("Wrote %d files to %s in %v\n", len(rep.Files), rep.RunDir, rep.Took.Round(time.Second))
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
