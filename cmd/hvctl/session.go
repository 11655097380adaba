package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/digitizer"
	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/internal/rig"
)

// session is one run of the ramp console against a bias supply
type session struct {
	opts   Options
	cfg    Config
	supply rig.BiasSupply
	ramp   *hvramp.Ramper
	con    *console
	log    zerolog.Logger
}

// newSession applies the command line ramp parameters on top of the
// configured profile
func newSession(opts Options, cfg Config, s rig.BiasSupply, units *digitizer.Group, in io.Reader, out io.Writer, prog *progress, log zerolog.Logger) (*session, error) {
	p := cfg.Profile
	p.NormIncrement = opts.NormIncrement
	p.Threshold = opts.Threshold
	p.ThreshIncrement = opts.ThreshIncrement
	r, err := hvramp.New(s, p)
	if err != nil {
		return nil, err
	}
	r.Name = "bias"
	r.Log = log
	r.OnStep = prog.step
	con := newConsole(in, out, r)
	con.prog = prog
	con.units = units
	con.dataDir = cfg.DataDir
	con.log = log
	return &session{opts: opts, cfg: cfg, supply: s, ramp: r, con: con, log: log}, nil
}

// setup brings the supply from its initial state to the target.  With
// NoReset a possibly biased output is first walked to zero.
func (s *session) setup(ctx context.Context) error {
	if s.opts.Target < 0 || s.opts.Target > ConsoleMax {
		return fmt.Errorf("%w: target %v V", hvramp.ErrOutOfRange, s.opts.Target)
	}
	if s.opts.NoReset {
		if _, err := s.ramp.Sync(); err != nil && !errors.Is(err, hvramp.ErrCompliance) {
			return err
		}
		s.con.prog.start("ramping to zero before reset")
		err := s.ramp.Zero(ctx)
		s.con.prog.stop(err)
		if err != nil {
			return err
		}
	} else {
		if err := s.supply.Reset(); err != nil {
			return err
		}
		if _, err := s.ramp.Sync(); err != nil {
			return err
		}
	}
	if s.opts.IV != nil {
		iv := s.opts.IV
		if err := s.supply.ConfigureIV(iv.N, s.cfg.CurrentRange, iv.TrigDelay); err != nil {
			return err
		}
	}
	if _, err := s.supply.SetRange(s.opts.Target); err != nil {
		return err
	}
	if err := s.supply.SetCurrentLimit(s.cfg.CurrentLimit); err != nil {
		return err
	}
	if err := s.supply.SetSourceEnabled(true); err != nil {
		return err
	}
	if s.opts.Jump != nil {
		if err := s.ramp.Jump(ctx, *s.opts.Jump); err != nil {
			return err
		}
	}
	if s.opts.IV == nil {
		return s.con.rampTo(ctx, s.opts.Target)
	}
	s.con.prog.start(fmt.Sprintf("IV sweep to %.2f V", s.opts.Target))
	ivs, err := s.ramp.Sweep(ctx, s.opts.Target, ivMeasure(s.supply, s.con.out))
	s.con.prog.stop(err)
	if len(ivs) > 0 {
		path := filepath.Join(s.cfg.IVDir, s.opts.IV.Base+".csv")
		if werr := writeIV(path, ivs); werr != nil {
			return errors.Join(err, werr)
		}
		fmt.Fprintf(s.con.out, "Wrote %d IV points to %s\n", len(ivs), path)
	}
	return err
}

// run sets up, serves the console and always ramps down.  When the
// ramp-down fails the operator instructions are printed and a
// *hvramp.ManualInterventionError is part of the returned error.
func (s *session) run(ctx context.Context) error {
	err := s.setup(ctx)
	if err == nil {
		err = s.con.loop(ctx)
	}
	jump := s.opts.Jump
	if err != nil {
		s.log.Error().Err(err).Msg("ramping down after an error")
		fmt.Fprintf(s.con.out, "Error: %v\nRamping down!\n", err)
		jump = nil
	}
	s.con.prog.start("ramping down")
	serr := s.ramp.Shutdown(jump)
	s.con.prog.stop(serr)
	var mi *hvramp.ManualInterventionError
	if errors.As(serr, &mi) {
		fmt.Fprintln(s.con.out, mi.Instructions)
	}
	if serr == nil {
		fmt.Fprintln(s.con.out, "Output at 0 V")
	}
	return errors.Join(err, serr)
}
