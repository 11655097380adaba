// Package keysight provides an interface to Keysight InfiniiVision
// oscilloscopes, and an adapter that runs one as a rapid block digitizer.
package keysight

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mppcqc/benchlab/comm"
	"github.com/mppcqc/benchlab/oscilloscope"
	"github.com/mppcqc/benchlab/scpi"
)

// Scope is an interface to a keysight oscilloscope
type Scope struct {
	scpi.SCPI
}

// NewScope creates a new scope instance
func NewScope(addr string) *Scope {
	maker := comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return &Scope{scpi.SCPI{Pool: pool, Handshaking: true}}
}

// NewScopeOnPool creates a scope on an existing pool
func NewScopeOnPool(pool *comm.Pool, handshaking bool) *Scope {
	return &Scope{scpi.SCPI{Pool: pool, Handshaking: handshaking}}
}

// SetScale sets the vertical range of a channel in volts full scale
func (s *Scope) SetScale(channel string, voltsFullScale float64) error {
	str := fmt.Sprintf(":CHANnel%s:RANGe %E", channel, voltsFullScale)
	return s.Write(str)
}

// GetScale returns the scale of the scope in volts full scale
func (s *Scope) GetScale(channel string) (float64, error) {
	str := fmt.Sprintf(":CHANnel%s:RANGe?", channel)
	return s.ReadFloat(str)
}

// SetOffset sets the vertical offset of the scope
func (s *Scope) SetOffset(channel string, voltsOffZero float64) error {
	str := fmt.Sprintf(":CHANnel%s:OFFSet %E", channel, voltsOffZero)
	return s.Write(str)
}

// GetOffset returns the vertical offset of a channel on the scope
func (s *Scope) GetOffset(channel string) (float64, error) {
	str := fmt.Sprintf(":CHANnel%s:OFFSet?", channel)
	return s.ReadFloat(str)
}

// SetDisplay shows or hides a channel.  Hidden channels are not digitized.
func (s *Scope) SetDisplay(channel string, on bool) error {
	return s.Write(fmt.Sprintf(":CHANnel%s:DISPlay", channel), onOff(on))
}

// SetTimebase sets the full timebase width of the scope in seconds
func (s *Scope) SetTimebase(fullWidth float64) error {
	str := fmt.Sprintf(":TIMebase:RANGe %E", fullWidth)
	return s.Write(str)
}

// GetTimebase returns the timebase width of the scope in seconds
func (s *Scope) GetTimebase() (float64, error) {
	return s.ReadFloat(":TIMebase:RANGe?")
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// SetBandwidthLimit engages the bandwidth limit on the scope.
// If it is on, the noise is greatly reduced.
func (s *Scope) SetBandwidthLimit(channel string, on bool) error {
	str := fmt.Sprintf(":CHANnel%s:BWLimit %s", channel, onOff(on))
	return s.Write(str)
}

// SetEdgeTrigger triggers on a falling edge of source at level volts.
// source is "CHANnel1".."CHANnel4" or "EXTernal".
func (s *Scope) SetEdgeTrigger(source string, level float64, falling bool) error {
	slope := "POSitive"
	if falling {
		slope = "NEGative"
	}
	return s.WriteEach(
		":TRIGger:MODE EDGE",
		":TRIGger:EDGE:SOURce "+source,
		fmt.Sprintf(":TRIGger:EDGE:LEVel %E", level),
		":TRIGger:EDGE:SLOPe "+slope)
}

// SetSampleRate sets the sampling rate of the scope in samples per second
func (s *Scope) SetSampleRate(samplesPerSecond float64) error {
	i := int(samplesPerSecond)
	str := fmt.Sprintf(":ACQuire:SRATe:ANALog %d", i)
	return s.Write(str)
}

// GetSampleRate returns the sampling rate of the scope
func (s *Scope) GetSampleRate() (float64, error) {
	return s.ReadFloat(":ACQuire:SRATe:ANALog?")
}

// SetAcqLength sets the total number of samples in an acquisition
func (s *Scope) SetAcqLength(points int) error {
	// ACQuire:POINts:ANAlog -> WAVform:POINts 2020-03-11 in lab w/ MSO7104A
	str := fmt.Sprintf(":WAVeform:POINts %d", points)
	return s.Write(str)
}

// GetAcqLength returns the total number of points that will be acquired in a sequence
func (s *Scope) GetAcqLength() (int, error) {
	return s.ReadInt(":WAVeform:POINts?")
}

// SetAcqMode sets the acquisition mode used by the scope
func (s *Scope) SetAcqMode(mode string) error {
	return s.Write(":ACQuire:MODE", mode)
}

// GetAcqMode gets the acquisition mode used by the scope
func (s *Scope) GetAcqMode() (string, error) {
	return s.ReadString(":ACQuire:MODE?")
}

// XIncrement gets the time delta of the scope's data record
func (s *Scope) XIncrement() (float64, error) {
	return s.ReadFloat(":WAVeform:XINCrement?")
}

// readBlock transfers an IEEE 488.2 definite length block, #<n><len><data>,
// and the terminator that follows it
func readBlock(r io.Reader) ([]byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if head[0] != '#' {
		return nil, fmt.Errorf("keysight: first byte in block was %q, expected #", head[0])
	}
	nDigits := int(head[1] - '0')
	if nDigits < 1 || nDigits > 9 {
		return nil, fmt.Errorf("keysight: bad block length digit %q", head[1])
	}
	lenText := make([]byte, nDigits)
	if _, err := io.ReadFull(r, lenText); err != nil {
		return nil, err
	}
	nbytes, err := strconv.Atoi(string(lenText))
	if err != nil {
		return nil, fmt.Errorf("keysight: block length: %w", err)
	}
	buf := make([]byte, nbytes+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf[:nbytes], nil
}

// getBuffer transfers the data buffer of the current waveform source
func (s *Scope) getBuffer() ([]byte, error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	to := s.Timeout
	if to == 0 {
		to = scpi.DefaultTimeout
	}
	wrap, err := comm.NewTimeout(conn, to)
	if err != nil {
		return nil, err
	}
	if _, err = io.WriteString(wrap, ":WAVeform:DATA?\n"); err != nil {
		return nil, err
	}
	var buf []byte
	buf, err = readBlock(wrap)
	return buf, err
}

// ChannelName is the SCPI source name of channel n, counting from 1
func ChannelName(n int) string {
	return "CHANnel" + strconv.Itoa(n)
}

// AcquireWaveform digitizes one acquisition on channels ("1".."4") and
// returns the data with the information needed to convert it to volts
func (s *Scope) AcquireWaveform(channels []string) (oscilloscope.Waveform, error) {
	ret := oscilloscope.Waveform{Channels: map[string]oscilloscope.Channel{}}
	err := s.WriteEach(":WAVeform:FORMat WORD", ":WAVeform:BYTeorder MSBFirst")
	if err != nil {
		return ret, err
	}
	chanS := make([]string, len(channels))
	for i, c := range channels {
		chanS[i] = "CHANnel" + c
	}

	// get how long to sleep
	timebase, err := s.GetTimebase()
	if err != nil {
		return ret, err
	}
	if err = s.Write(":DIGitize " + strings.Join(chanS, ",")); err != nil {
		return ret, err
	}
	time.Sleep(time.Duration(timebase * 1e9))

	ret.DT, err = s.XIncrement()
	if err != nil {
		return ret, err
	}
	unsigned, err := s.ReadBool(":WAVeform:UNSigned?")
	if err != nil {
		return ret, err
	}
	for _, src := range chanS {
		if err = s.Write(":WAVeform:SOURce", src); err != nil {
			return ret, err
		}
		yoff, err := s.ReadFloat(":WAVeform:YORigin?")
		if err != nil {
			return ret, err
		}
		yscale, err := s.ReadFloat(":WAVeform:YINCrement?")
		if err != nil {
			return ret, err
		}
		// reference, because old scopes...
		yref, err := s.ReadFloat(":WAVeform:YREFerence?")
		if err != nil {
			return ret, err
		}
		buf, err := s.getBuffer()
		if err != nil {
			return ret, err
		}
		ch := oscilloscope.Channel{Scale: yscale, Offset: yoff, Reference: yref}
		ch.Data = make([]int16, len(buf)/2)
		for i := range ch.Data {
			u := binary.BigEndian.Uint16(buf[2*i:])
			if unsigned {
				ch.Data[i] = int16(int32(u) - 32768)
			} else {
				ch.Data[i] = int16(u)
			}
		}
		if unsigned {
			ch.Reference -= 32768
		}
		ret.Channels[src] = ch
	}
	return ret, nil
}
