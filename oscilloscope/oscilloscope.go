// Package oscilloscope provides type definitions for waveforms read from
// oscilloscopes and their conversion into digitizer ADC counts
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"errors"
	"io"
	"sort"
	"strconv"

	"github.com/mppcqc/benchlab/daqfile"
)

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Channels holds named data streams
	Channels map[string]Channel `json:"channels"`
}

// Channel represents a stream of data from an ADC.  To convert to physical
// units, compute (data-reference)*scale+offset
type Channel struct {
	// Data is the raw buffer
	Data []int16 `json:"data"`

	// Scale is the size of a single increment in Data, in volts
	Scale float64 `json:"scale"`

	// Offset is the offset applied to the data, in volts
	Offset float64 `json:"offset"`

	// Reference is the reference value for the channel in DN
	Reference float64 `json:"reference"`
}

// Physical computes the data scaled to volts
func (c Channel) Physical() []float64 {
	ret := make([]float64, len(c.Data))
	for i, v := range c.Data {
		ret[i] = (float64(v)-c.Reference)*c.Scale + c.Offset
	}
	return ret
}

// Counts converts the data to 16 bit digitizer counts on range code.  Values
// outside the range saturate.
func (c Channel) Counts(code uint8) []int16 {
	ret := make([]int16, len(c.Data))
	for i, v := range c.Physical() {
		ret[i] = daqfile.MVToADC(v*1e3, code)
	}
	return ret
}

// Names returns the channel names in sorted order
func (wav *Waveform) Names() []string {
	out := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EncodeCSV converts the waveform data to physical units
// and writes it to a CSV in streaming fashion
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	labels := wav.Names()
	if len(labels) == 0 {
		return errors.New("oscilloscope: waveform has no channels")
	}
	data := make([][]float64, len(labels))
	for j, l := range labels {
		data[j] = wav.Channels[l].Physical()
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	row := append([]string{"time"}, labels...)
	if err := writer.Write(row); err != nil {
		return err
	}
	for i := range data[0] {
		row[0] = strconv.FormatFloat(float64(i)*wav.DT, 'G', -1, 64)
		for j := range data {
			v := ""
			if i < len(data[j]) {
				v = strconv.FormatFloat(data[j][i], 'G', -1, 64)
			}
			row[j+1] = v
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return bw.Flush()
}
