package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mppcqc/benchlab/logging"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

const usage = `wavetool works on digitizer capture files offline.

Usage:
	wavetool header <file.dat>...
	wavetool sanity [-mppc 2000] [-pmt 50] <file.dat>...
	wavetool extract [-o dir] [-plots] [-n 10] [-ma 0] <file.dat>...
	wavetool fit [-mode charge|integrated|gauss] [-bins 300] [-o plot.pdf] <file.fits>
	wavetool csv <file.dat> <channel A-D> [waveforms]
	wavetool compress <file.dat> [<file.dat.zst>]
	wavetool decompress <file.dat.zst> [<file.dat>]
	wavetool verify <run directory>...
	wavetool version

Capture files ending in .zst are read transparently by every command.`

var commands = map[string]func([]string, io.Writer) error{
	"header":     header,
	"sanity":     sanity,
	"extract":    extract,
	"fit":        fitFeatures,
	"csv":        toCSV,
	"compress":   compress,
	"decompress": decompress,
	"verify":     verify,
}

func main() {
	args := os.Args
	if len(args) == 1 {
		fmt.Println(usage)
		return
	}
	logging.Init("wavetool", "info", false)
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help", "-h", "--help":
		fmt.Println(usage)
		return
	case "version":
		fmt.Printf("wavetool version %v\n", Version)
		return
	}
	f, ok := commands[cmd]
	if !ok {
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err := f(args[2:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatal().Err(err).Str("command", cmd).Msg("failed")
	}
}
