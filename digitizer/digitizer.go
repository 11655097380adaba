/*Package digitizer drives multi-channel digitizers in rapid block mode,
capturing a fixed number of triggered waveforms per run and writing them in
the daqfile format.

A Session holds one open unit and the settings last applied to it.  A Group
runs the same capture on several units in turn, naming each file after the
unit's serial.
*/
package digitizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/metrics"
)

// Digitizer is a unit that captures waveforms
type Digitizer interface {
	// Serial returns the unit's batch and serial, e.g. "IW098/0028"
	Serial() string

	// Model returns the model string stored in capture headers
	Model() string

	// Configure applies settings for the following captures
	Configure(Settings) error

	// Collect runs one rapid block capture
	Collect(ctx context.Context) (*daqfile.Capture, error)

	Close() error
}

// Session is a digitizer with its applied settings
type Session struct {
	mu       sync.Mutex
	d        Digitizer
	settings *Settings

	// Log receives one event per capture
	Log zerolog.Logger
}

// Init wraps an opened digitizer in a session
func Init(d Digitizer) *Session {
	return &Session{d: d}
}

// Serial returns the serial of the wrapped unit
func (s *Session) Serial() string {
	return s.d.Serial()
}

// Settings returns the settings last applied and whether there are any
func (s *Session) Settings() (Settings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return Settings{}, false
	}
	return *s.settings, true
}

// SetSettings validates and applies settings
func (s *Session) SetSettings(set Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.d.Configure(set); err != nil {
		s.settings = nil
		return fmt.Errorf("digitizer %s: %w", s.d.Serial(), err)
	}
	s.settings = &set
	return nil
}

// Collect runs one capture with the applied settings
func (s *Session) Collect(ctx context.Context) (*daqfile.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		return nil, ErrNotConfigured
	}
	return s.d.Collect(ctx)
}

// CollectTo runs one capture and writes it to path
func (s *Session) CollectTo(ctx context.Context, path string) error {
	start := time.Now()
	c, err := s.Collect(ctx)
	if err != nil {
		return err
	}
	if err := daqfile.WriteFile(path, c); err != nil {
		return err
	}
	took := time.Since(start)
	metrics.Capture(s.d.Serial(), took)
	s.Log.Info().
		Str("unit", s.d.Serial()).
		Str("file", path).
		Uint32("waveforms", c.NumWaveforms).
		Dur("took", took).
		Msg("capture written")
	return nil
}

// Close closes the unit
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Close()
}

// FileName is the file a unit writes for pattern: pattern_serial.dat with
// any / in the serial replaced by -
func FileName(pattern, serial string) string {
	return pattern + "_" + strings.ReplaceAll(serial, "/", "-") + ".dat"
}

// Group is a set of sessions captured together
type Group struct {
	Sessions []*Session
}

// NewGroup wraps each digitizer in a session
func NewGroup(ds ...Digitizer) *Group {
	g := &Group{}
	for _, d := range ds {
		g.Sessions = append(g.Sessions, Init(d))
	}
	return g
}

// SetLogger sets the logger of every session
func (g *Group) SetLogger(l zerolog.Logger) {
	for _, s := range g.Sessions {
		s.Log = l
	}
}

// Serials lists the unit serials in order
func (g *Group) Serials() []string {
	out := make([]string, len(g.Sessions))
	for i, s := range g.Sessions {
		out[i] = s.Serial()
	}
	return out
}

// SetSettings applies set to every unit
func (g *Group) SetSettings(set Settings) error {
	for _, s := range g.Sessions {
		if err := s.SetSettings(set); err != nil {
			return err
		}
	}
	return nil
}

// CollectAll captures on each unit in turn and returns the files written.
// The units share the trigger, so they run one after another.
func (g *Group) CollectAll(ctx context.Context, pattern string) ([]string, error) {
	files := make([]string, 0, len(g.Sessions))
	for _, s := range g.Sessions {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		path := FileName(pattern, s.Serial())
		if err := s.CollectTo(ctx, path); err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

// Close closes every unit
func (g *Group) Close() error {
	var errs []error
	for _, s := range g.Sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
