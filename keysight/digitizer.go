package keysight

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/digitizer"
)

// Digitizer runs a scope as a rapid block digitizer, one single
// acquisition per waveform.  Data is rescaled into 16 bit counts on the
// requested range codes.
type Digitizer struct {
	scope *Scope

	mu       sync.Mutex
	model    string
	serial   string
	settings *digitizer.Settings
}

// NewDigitizer identifies the scope and wraps it
func NewDigitizer(s *Scope) (*Digitizer, error) {
	idn, err := s.ReadString("*IDN?")
	if err != nil {
		return nil, err
	}
	fields := strings.Split(idn, ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("keysight: unexpected identity %q", idn)
	}
	return &Digitizer{
		scope:  s,
		model:  strings.TrimSpace(fields[1]),
		serial: strings.TrimSpace(fields[2]),
	}, nil
}

// Serial implements digitizer.Digitizer
func (d *Digitizer) Serial() string { return d.serial }

// Model implements digitizer.Digitizer
func (d *Digitizer) Model() string { return d.model }

func maxSamples(s digitizer.Settings) int {
	n := 0
	for _, c := range s.Channels {
		if c.Active() && int(c.PostSamples) > n {
			n = int(c.PostSamples)
		}
	}
	return n + int(s.PreTrigger)
}

// Configure implements digitizer.Digitizer
func (d *Digitizer) Configure(s digitizer.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.EightBit {
		return errors.New("keysight: eight bit captures are not supported")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = nil
	trigSrc, trigMV := "", int16(0)
	for i, c := range s.Channels {
		name := strconv.Itoa(i + 1)
		if err := d.scope.SetDisplay(name, c.Active()); err != nil {
			return err
		}
		if !c.Active() {
			continue
		}
		// the scope range spans both polarities
		if err := d.scope.SetScale(name, 2*daqfile.RangesMV[c.Range]/1e3); err != nil {
			return err
		}
		if err := d.scope.SetOffset(name, 0); err != nil {
			return err
		}
		if trigSrc == "" && c.TriggerMV != 0 {
			trigSrc, trigMV = ChannelName(i+1), c.TriggerMV
		}
	}
	if s.AuxTriggerMV != 0 {
		trigSrc, trigMV = "EXTernal", s.AuxTriggerMV
	}
	if trigSrc != "" {
		if err := d.scope.SetEdgeTrigger(trigSrc, float64(trigMV)/1e3, trigMV < 0); err != nil {
			return err
		}
	}
	n := maxSamples(s)
	dt := daqfile.BaseSampleInterval * math.Pow(2, float64(s.Timebase)) * 1e-9
	if err := d.scope.SetTimebase(float64(n) * dt); err != nil {
		return err
	}
	if err := d.scope.SetAcqLength(n); err != nil {
		return err
	}
	d.settings = &s
	return nil
}

// Collect implements digitizer.Digitizer
func (d *Digitizer) Collect(ctx context.Context) (*daqfile.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settings == nil {
		return nil, digitizer.ErrNotConfigured
	}
	s := *d.settings
	c := &daqfile.Capture{Header: s.Header(d.model, d.serial, time.Now())}
	active := c.ActiveChannels()
	names := make([]string, len(active))
	for i, ch := range active {
		names[i] = strconv.Itoa(ch + 1)
		c.Data[ch] = make([]int16, 0, int(c.Samples[ch])*int(s.NumWaveforms))
	}
	for w := uint32(0); w < s.NumWaveforms; w++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wf, err := d.scope.AcquireWaveform(names)
		if err != nil {
			return nil, fmt.Errorf("keysight: waveform %d: %w", w, err)
		}
		for _, ch := range active {
			raw, ok := wf.Channels[ChannelName(ch+1)]
			if !ok {
				return nil, fmt.Errorf("keysight: no data for channel %s", daqfile.ChannelName(ch))
			}
			counts := raw.Counts(c.Ranges[ch])
			n := int(c.Samples[ch])
			if len(counts) < n {
				return nil, fmt.Errorf("keysight: channel %s returned %d points, need %d",
					daqfile.ChannelName(ch), len(counts), n)
			}
			c.Data[ch] = append(c.Data[ch], counts[:n]...)
		}
	}
	return c, nil
}

// Close releases the scope's connections
func (d *Digitizer) Close() error {
	return d.scope.Pool.Close()
}
