package digitizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/util"
)

// RangeOff is the range code that disables a channel
const RangeOff = 99

// MaxTimebase is the largest timebase the rapid block mode supports
const MaxTimebase = 5

var (
	// ErrNoActiveChannels is returned for settings with every channel off
	ErrNoActiveChannels = errors.New("digitizer: no active channels")

	// ErrNotConfigured is returned when collecting before settings are applied
	ErrNotConfigured = errors.New("digitizer: settings not applied")

	// ErrFieldRange is returned for a setting that does not fit its field
	ErrFieldRange = errors.New("digitizer: setting out of range")
)

// ChannelSettings configure one analog channel
type ChannelSettings struct {
	// TriggerMV is the trigger threshold in mV, 0 for no trigger
	TriggerMV int16 `json:"triggerMV" koanf:"triggermv" yaml:"TriggerMV"`

	// Range is the voltage range code 0..11, or RangeOff
	Range int16 `json:"range" koanf:"range" yaml:"Range"`

	// PostSamples is the number of samples kept after the trigger
	PostSamples uint16 `json:"postSamples" koanf:"postsamples" yaml:"PostSamples"`
}

// Active is true if the channel is switched on
func (c ChannelSettings) Active() bool {
	return c.Range != RangeOff
}

// Settings describe one rapid block capture
type Settings struct {
	Channels     [daqfile.NumChannels]ChannelSettings `json:"channels" koanf:"channels" yaml:"Channels"`
	AuxTriggerMV int16                                `json:"auxTriggerMV" koanf:"auxtriggermv" yaml:"AuxTriggerMV"`
	Timebase     uint8                                `json:"timebase" koanf:"timebase" yaml:"Timebase"`
	NumWaveforms uint32                               `json:"numWaveforms" koanf:"numwaveforms" yaml:"NumWaveforms"`
	PreTrigger   uint16                               `json:"preTrigger" koanf:"pretrigger" yaml:"PreTrigger"`
	EightBit     bool                                 `json:"eightBit" koanf:"eightbit" yaml:"EightBit"`
}

// Validate checks the settings can be applied to a device
func (s Settings) Validate() error {
	active := 0
	for i, c := range s.Channels {
		if !c.Active() {
			continue
		}
		active++
		if c.Range < 0 || int(c.Range) >= len(daqfile.RangesMV) {
			return fmt.Errorf("digitizer: channel %s range code %d: %w",
				daqfile.ChannelName(i), c.Range, daqfile.ErrRangeCode)
		}
		if n := int(c.PostSamples) + int(s.PreTrigger); n > math.MaxUint16 {
			return fmt.Errorf("%w: channel %s takes %d samples per waveform, limit %d",
				ErrFieldRange, daqfile.ChannelName(i), n, math.MaxUint16)
		}
	}
	if active == 0 {
		return ErrNoActiveChannels
	}
	if s.Timebase > MaxTimebase {
		return fmt.Errorf("digitizer: timebase %d above %d", s.Timebase, MaxTimebase)
	}
	if s.NumWaveforms == 0 {
		return errors.New("digitizer: zero waveforms requested")
	}
	return nil
}

// Header builds the capture header these settings produce
func (s Settings) Header(model, serial string, t time.Time) daqfile.Header {
	h := daqfile.Header{
		Timebase:     s.Timebase,
		EightBit:     s.EightBit,
		PreTrigger:   s.PreTrigger,
		NumWaveforms: s.NumWaveforms,
		Timestamp:    int32(t.Unix()),
		Model:        model,
		Serial:       serial,
	}
	for i, c := range s.Channels {
		if !c.Active() {
			continue
		}
		code := uint8(c.Range)
		h.Active[i] = true
		h.Ranges[i] = code
		h.Samples[i] = c.PostSamples + s.PreTrigger
		if c.TriggerMV != 0 {
			h.Triggers[i] = true
			h.Thresholds[i] = daqfile.MVToADC(float64(c.TriggerMV), code)
		}
	}
	if s.AuxTriggerMV != 0 {
		h.AuxTrigger = true
		h.AuxThreshold = daqfile.MVToADC(float64(s.AuxTriggerMV), daqfile.AuxRangeCode)
	}
	return h
}

// ParseSettings parses the 16 integers typed at the interactive prompt:
// trigger, range and post-trigger samples for A..D, then the aux trigger,
// timebase, number of waveforms and pre-trigger samples
func ParseSettings(s string) (Settings, error) {
	v, err := util.CSVToIntSlice(s)
	if err != nil {
		return Settings{}, fmt.Errorf("digitizer: %w", err)
	}
	if len(v) != 16 {
		return Settings{}, fmt.Errorf("digitizer: expected 16 values, got %d", len(v))
	}
	type field struct {
		name   string
		lo, hi int64
	}
	fields := make([]field, 0, len(v))
	for i := 0; i < daqfile.NumChannels; i++ {
		ch := daqfile.ChannelName(i)
		fields = append(fields,
			field{ch + " trigger mV", math.MinInt16, math.MaxInt16},
			field{ch + " range", math.MinInt16, math.MaxInt16},
			field{ch + " post-trigger samples", 0, math.MaxUint16})
	}
	fields = append(fields,
		field{"aux trigger mV", math.MinInt16, math.MaxInt16},
		field{"timebase", 0, math.MaxUint8},
		field{"waveforms", 1, math.MaxUint32},
		field{"pre-trigger samples", 0, math.MaxUint16})
	for i, f := range fields {
		if n := int64(v[i]); n < f.lo || n > f.hi {
			return Settings{}, fmt.Errorf("%w: %s %d not in [%d, %d]", ErrFieldRange, f.name, v[i], f.lo, f.hi)
		}
	}
	var out Settings
	for i := range out.Channels {
		out.Channels[i] = ChannelSettings{
			TriggerMV:   int16(v[3*i]),
			Range:       int16(v[3*i+1]),
			PostSamples: uint16(v[3*i+2]),
		}
	}
	out.AuxTriggerMV = int16(v[12])
	out.Timebase = uint8(v[13])
	out.NumWaveforms = uint32(v[14])
	out.PreTrigger = uint16(v[15])
	return out, out.Validate()
}

// String formats s as the 16 values ParseSettings reads
func (s Settings) String() string {
	v := make([]int, 0, 16)
	for _, c := range s.Channels {
		v = append(v, int(c.TriggerMV), int(c.Range), int(c.PostSamples))
	}
	v = append(v, int(s.AuxTriggerMV), int(s.Timebase), int(s.NumWaveforms), int(s.PreTrigger))
	return util.IntSliceToCSV(v)
}

func on(rng int16, post uint16) ChannelSettings {
	return ChannelSettings{Range: rng, PostSamples: post}
}

var off = ChannelSettings{Range: RangeOff}

func withAux(ch [daqfile.NumChannels]ChannelSettings, timebase uint8, n uint32) Settings {
	return Settings{Channels: ch, AuxTriggerMV: 100, Timebase: timebase, NumWaveforms: n}
}

var presets = map[int]Settings{
	1: withAux([4]ChannelSettings{on(2, 1000), on(2, 1000), on(2, 1000), on(2, 1000)}, 2, 10000),
	2: withAux([4]ChannelSettings{on(2, 1000), off, on(2, 1000), off}, 1, 10000),
	3: withAux([4]ChannelSettings{on(2, 1200), off, off, off}, 0, 10000),
	4: withAux([4]ChannelSettings{on(2, 1000), on(2, 1000), on(2, 1000), on(2, 5000)}, 2, 10000),
	5: withAux([4]ChannelSettings{on(2, 3000), on(2, 3000), on(2, 3000), on(2, 3000)}, 2, 10000),
}

// Preset returns one of the numbered settings offered by the ramp console
func Preset(n int) (Settings, error) {
	s, ok := presets[n]
	if !ok {
		return Settings{}, fmt.Errorf("digitizer: no preset %d", n)
	}
	return s, nil
}

// Dark is used for runs with the LED off
func Dark() Settings {
	return withAux([4]ChannelSettings{on(1, 2000), on(1, 2000), on(1, 2000), on(1, 2000)}, 2, 5000)
}

// LEDScan is used for LED runs.  vRange is the MPPC range code and pmtRange
// the range of channel D.
func LEDScan(vRange, pmtRange int16) Settings {
	return withAux([4]ChannelSettings{on(vRange, 400), on(vRange, 400), on(vRange, 400), on(pmtRange, 400)}, 2, 20000)
}

// QuickCheck is the short capture taken before a sweep
func QuickCheck() Settings {
	return withAux([4]ChannelSettings{on(4, 400), on(4, 400), on(4, 400), on(2, 400)}, 2, 1000)
}

// PMTMonitor captures only the PMT on channel D
func PMTMonitor() Settings {
	return withAux([4]ChannelSettings{off, off, off, on(4, 400)}, 2, 20000)
}
