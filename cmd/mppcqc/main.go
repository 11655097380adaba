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
	ConfigFileName = "mppcqc.yml"
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
	str := `mppcqc runs the QC sweep of three MPPCs: a quick check with bright light,
then at every bias a dark run and the LED scans.

Usage:
	` + usage + `
	mppcqc <command>

Commands:
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `mppcqc reads mppcqc.yml from the working directory.  Use mkconf to write the
defaults and edit them; the biases, LED lists and digitizer units live there.

Every capture is recorded with its CRC in manifest.yaml in the run directory,
"wavetool verify <run directory>" checks them later.

--crashed first brings a bias supply left up by an interrupted run down to
zero.  On any error, or Ctrl-C, the LED is switched off and the bias ramped
down.  If that fails the instructions to ramp down by hand are printed.`
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
	fmt.Printf("mppcqc version %v\n", Version)
}

func run(args []string) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal().Err(err).Msg("decoding config")
	}
	if err := applyArgs(&c.QC, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	logger := logging.Init("mppcqc", c.LogLevel, c.LogJSON)
	rig.ServeMetrics(c.Hardware.MetricsAddr, logger)
	ctx, cancel := rig.SignalContext()
	defer cancel()
	rep, err := runSweep(ctx, c, rig.Stdin(), logger)
	var mi *hvramp.ManualInterventionError
	if errors.As(err, &mi) {
		fmt.Println(mi.Instructions)
	}
	if err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("sweep failed")
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
