/*Package daqfile reads and writes the binary waveform capture format
produced by the digitizers.

A file is a 32 byte big-endian fixed header, the NUL terminated model and
serial strings, and then the samples of every active channel in order A..D,
each channel holding NumWaveforms waveforms of Samples[ch] values.  Values
are int16, or int8 when the eight bit flag is set.

Byte 0 holds the timebase in its high nibble and the channel enable mask in
its low nibble, bit 3 = A .. bit 0 = D.  Byte 1 holds the trigger enable
mask in bits 0-4, bit 4 = aux, bit 3 = A .. bit 0 = D, and the eight bit
flag in bit 5.
*/
package daqfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/mppcqc/benchlab/util"
)

const (
	// FixedHeaderSize is the length of the header before the strings
	FixedHeaderSize = 32

	// NumChannels is the number of analog channels in a capture
	NumChannels = 4

	// FullScale16 is the ADC count at the top of a range for 16 bit data
	FullScale16 = 32512

	// FullScale8 is the ADC count at the top of a range for 8 bit data
	FullScale8 = 256

	// AuxRangeCode is the range of the aux trigger input, +-1 V
	AuxRangeCode = 6

	// BaseSampleInterval is the sample interval at timebase 0, in ns
	BaseSampleInterval = 0.2

	maxStringLen = 64
)

// RangesMV are the full scale voltages of each range code, in millivolts
var RangesMV = [...]float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000, 50000}

var (
	// ErrShortHeader is returned when the header ends early
	ErrShortHeader = errors.New("daqfile: short header")

	// ErrTruncated is returned when the sample block ends early
	ErrTruncated = errors.New("daqfile: truncated sample block")

	// ErrRangeCode is returned for a voltage range code above 11
	ErrRangeCode = errors.New("daqfile: invalid voltage range code")

	// ErrUnencodable is returned by Encode for a header string or sample
	// value the format cannot carry
	ErrUnencodable = errors.New("daqfile: value cannot be encoded")
)

// ChannelName returns "A".."D" for 0..3
func ChannelName(ch int) string {
	return string(rune('A' + ch))
}

// Header describes a capture
type Header struct {
	Timebase     uint8               `json:"timebase"`
	Active       [NumChannels]bool   `json:"active"`
	Triggers     [NumChannels]bool   `json:"triggers"`
	AuxTrigger   bool                `json:"auxTrigger"`
	EightBit     bool                `json:"eightBit"`
	AuxThreshold int16               `json:"auxThreshold"`
	Thresholds   [NumChannels]int16  `json:"thresholds"`
	Ranges       [NumChannels]uint8  `json:"ranges"`
	Samples      [NumChannels]uint16 `json:"samples"`
	PreTrigger   uint16              `json:"preTrigger"`
	NumWaveforms uint32              `json:"numWaveforms"`
	Timestamp    int32               `json:"timestamp"`
	Model        string              `json:"model"`
	Serial       string              `json:"serial"`
}

// Time returns the timestamp as a time
func (h *Header) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0)
}

// ActiveChannels returns the indices of the active channels
func (h *Header) ActiveChannels() []int {
	var out []int
	for i, a := range h.Active {
		if a {
			out = append(out, i)
		}
	}
	return out
}

// SampleInterval returns the time between samples in nanoseconds
func (h *Header) SampleInterval() float64 {
	return BaseSampleInterval * math.Pow(2, float64(h.Timebase))
}

// ThresholdMV returns the trigger threshold of channel ch in millivolts
func (h *Header) ThresholdMV(ch int) float64 {
	return ADCToMV(h.Thresholds[ch], h.Ranges[ch], false)
}

// AuxThresholdMV returns the aux trigger threshold in millivolts
func (h *Header) AuxThresholdMV() float64 {
	return ADCToMV(h.AuxThreshold, AuxRangeCode, false)
}

// ADCToMV converts an ADC count on range code to millivolts
func ADCToMV(adc int16, code uint8, eightBit bool) float64 {
	if int(code) >= len(RangesMV) {
		return math.NaN()
	}
	full := float64(FullScale16)
	if eightBit {
		full = FullScale8
	}
	return float64(adc) / full * RangesMV[code]
}

// MVToADC converts millivolts on range code to a 16 bit ADC count,
// saturating at full scale
func MVToADC(mv float64, code uint8) int16 {
	if int(code) >= len(RangesMV) {
		return 0
	}
	return int16(util.Clamp(math.Round(mv/RangesMV[code]*FullScale16), -FullScale16, FullScale16))
}

func (h *Header) validate() error {
	if h.Timebase > 15 {
		return fmt.Errorf("daqfile: timebase %d does not fit in four bits", h.Timebase)
	}
	for i, r := range h.Ranges {
		if int(r) >= len(RangesMV) {
			return fmt.Errorf("%w: channel %s code %d", ErrRangeCode, ChannelName(i), r)
		}
	}
	for _, s := range [...]struct{ name, v string }{{"model", h.Model}, {"serial", h.Serial}} {
		if len(s.v) > maxStringLen {
			return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrUnencodable, s.name, len(s.v), maxStringLen)
		}
		if strings.IndexByte(s.v, 0) >= 0 {
			return fmt.Errorf("%w: %s contains a NUL byte", ErrUnencodable, s.name)
		}
	}
	return nil
}

// flag bits of the first two header bytes; channel A is bit 3, D bit 0
const (
	auxBit      = 4
	eightBitBit = 5
)

func channelBit(ch int) uint {
	return uint(NumChannels - 1 - ch)
}

// MarshalBinary encodes the header, strings included
func (h *Header) MarshalBinary() ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, FixedHeaderSize, FixedHeaderSize+len(h.Model)+len(h.Serial)+2)
	var chMask, trigMask byte
	for i := 0; i < NumChannels; i++ {
		chMask = util.SetBit(chMask, channelBit(i), h.Active[i])
		trigMask = util.SetBit(trigMask, channelBit(i), h.Triggers[i])
	}
	trigMask = util.SetBit(trigMask, auxBit, h.AuxTrigger)
	trigMask = util.SetBit(trigMask, eightBitBit, h.EightBit)
	buf[0] = h.Timebase<<4 | chMask
	buf[1] = trigMask
	be := binary.BigEndian
	be.PutUint16(buf[2:], uint16(h.AuxThreshold))
	var ranges uint16
	for i := 0; i < NumChannels; i++ {
		be.PutUint16(buf[4+2*i:], uint16(h.Thresholds[i]))
		be.PutUint16(buf[14+2*i:], h.Samples[i])
		if h.Active[i] {
			ranges |= uint16(h.Ranges[i]) << uint(12-4*i)
		}
	}
	be.PutUint16(buf[12:], ranges)
	be.PutUint16(buf[22:], h.PreTrigger)
	be.PutUint32(buf[24:], h.NumWaveforms)
	be.PutUint32(buf[28:], uint32(h.Timestamp))
	buf = append(buf, h.Model...)
	buf = append(buf, 0)
	buf = append(buf, h.Serial...)
	buf = append(buf, 0)
	return buf, nil
}

// UnmarshalBinary decodes a header.  Bytes after the serial string are
// ignored.
func (h *Header) UnmarshalBinary(b []byte) error {
	_, err := readHeader(bytes.NewReader(b), h)
	return err
}

// ReadHeader reads a header from r.  Only the header's bytes are consumed.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	_, err := readHeader(br, &h)
	return h, err
}

type byteReader struct {
	r   io.Reader
	one [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(b.r, b.one[:])
	return b.one[0], err
}

func readCString(br io.ByteReader) (string, error) {
	var out []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			return "", fmt.Errorf("%w: unterminated string", ErrShortHeader)
		}
		if c == 0 {
			return string(out), nil
		}
		if len(out) == maxStringLen {
			return "", fmt.Errorf("%w: string longer than %d bytes", ErrShortHeader, maxStringLen)
		}
		out = append(out, c)
	}
}

func readHeader(br io.ByteReader, h *Header) (int, error) {
	var fixed [FixedHeaderSize]byte
	for i := range fixed {
		c, err := br.ReadByte()
		if err != nil {
			return i, fmt.Errorf("%w: %d of %d bytes", ErrShortHeader, i, FixedHeaderSize)
		}
		fixed[i] = c
	}
	be := binary.BigEndian
	*h = Header{}
	h.Timebase = fixed[0] >> 4
	h.AuxTrigger = util.GetBit(fixed[1], auxBit)
	h.EightBit = util.GetBit(fixed[1], eightBitBit)
	h.AuxThreshold = int16(be.Uint16(fixed[2:]))
	ranges := be.Uint16(fixed[12:])
	for i := 0; i < NumChannels; i++ {
		h.Active[i] = util.GetBit(fixed[0], channelBit(i))
		h.Triggers[i] = util.GetBit(fixed[1], channelBit(i))
		h.Thresholds[i] = int16(be.Uint16(fixed[4+2*i:]))
		h.Samples[i] = be.Uint16(fixed[14+2*i:])
		h.Ranges[i] = uint8(ranges>>uint(12-4*i)) & 0xf
	}
	h.PreTrigger = be.Uint16(fixed[22:])
	h.NumWaveforms = be.Uint32(fixed[24:])
	h.Timestamp = int32(be.Uint32(fixed[28:]))
	if err := h.validate(); err != nil {
		return FixedHeaderSize, err
	}
	var err error
	if h.Model, err = readCString(br); err != nil {
		return FixedHeaderSize, err
	}
	if h.Serial, err = readCString(br); err != nil {
		return FixedHeaderSize, err
	}
	return FixedHeaderSize + len(h.Model) + len(h.Serial) + 2, nil
}

// Capture is a header and its samples
type Capture struct {
	Header

	// Data holds NumWaveforms*Samples[ch] values per active channel,
	// waveform major.  Inactive channels are nil.
	Data [NumChannels][]int16
}

// Channel returns the waveforms of channel ch, sharing storage with Data
func (c *Capture) Channel(ch int) [][]int16 {
	n := int(c.Samples[ch])
	if !c.Active[ch] || n == 0 {
		return nil
	}
	data := c.Data[ch]
	out := make([][]int16, 0, len(data)/n)
	for i := 0; i+n <= len(data); i += n {
		out = append(out, data[i:i+n:i+n])
	}
	return out
}

// MilliVolts returns the waveforms of channel ch in millivolts
func (c *Capture) MilliVolts(ch int) [][]float64 {
	wfs := c.Channel(ch)
	out := make([][]float64, len(wfs))
	for i, wf := range wfs {
		row := make([]float64, len(wf))
		for j, v := range wf {
			row[j] = ADCToMV(v, c.Ranges[ch], c.EightBit)
		}
		out[i] = row
	}
	return out
}

func (c *Capture) wantLen(ch int) int {
	return int(c.NumWaveforms) * int(c.Samples[ch])
}

// Encode writes c to w
func Encode(w io.Writer, c *Capture) error {
	for _, ch := range c.ActiveChannels() {
		if got, want := len(c.Data[ch]), c.wantLen(ch); got != want {
			return fmt.Errorf("daqfile: channel %s holds %d samples, header says %d", ChannelName(ch), got, want)
		}
	}
	hdr, err := c.Header.MarshalBinary()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	var two [2]byte
	for _, ch := range c.ActiveChannels() {
		for _, v := range c.Data[ch] {
			if c.EightBit {
				if v < math.MinInt8 || v > math.MaxInt8 {
					return fmt.Errorf("%w: channel %s value %d outside the eight bit range", ErrUnencodable, ChannelName(ch), v)
				}
				if err := bw.WriteByte(byte(int8(v))); err != nil {
					return err
				}
				continue
			}
			binary.BigEndian.PutUint16(two[:], uint16(v))
			if _, err := bw.Write(two[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Decode reads a capture from r
func Decode(r io.Reader) (*Capture, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	c := &Capture{}
	if _, err := readHeader(br, &c.Header); err != nil {
		return nil, err
	}
	width := 2
	if c.EightBit {
		width = 1
	}
	const chunk = 1 << 15
	buf := make([]byte, chunk*width)
	for _, ch := range c.ActiveChannels() {
		want := c.wantLen(ch)
		data := make([]int16, 0, min(want, 1<<22))
		for len(data) < want {
			n := min(want-len(data), chunk)
			got, err := io.ReadFull(br, buf[:n*width])
			for i := 0; i+width <= got; i += width {
				if c.EightBit {
					data = append(data, int16(int8(buf[i])))
				} else {
					data = append(data, int16(binary.BigEndian.Uint16(buf[i:])))
				}
			}
			if err != nil {
				return nil, fmt.Errorf("%w: channel %s wants %d samples, got %d", ErrTruncated, ChannelName(ch), want, len(data))
			}
		}
		c.Data[ch] = data
	}
	return c, nil
}
