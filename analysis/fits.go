package analysis

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/mppcqc/benchlab/daqfile"
)

// Meta describes where a feature set came from
type Meta struct {
	Source   string
	Timebase uint8
}

var rowNames = []string{"MINIMA", "MININDEX", "INTEG", "FULLINT", "MAMINIMA"}

func (f *ChannelFeatures) rows() [][]float64 {
	rows := [][]float64{f.Minima, f.MinIndex, f.Integrated, f.FullIntegrated}
	if f.MovingAverageMinima != nil {
		rows = append(rows, f.MovingAverageMinima)
	}
	return rows
}

// WriteFITS stores the features as a single float64 image, one row per
// feature and one column per waveform
func WriteFITS(path string, f ChannelFeatures, meta Meta) error {
	rows := f.rows()
	n := f.Len()
	if n == 0 {
		return errors.New("analysis: no waveforms to write")
	}
	data := make([]float64, 0, n*len(rows))
	for _, r := range rows {
		if len(r) != n {
			return errors.New("analysis: feature rows differ in length")
		}
		data = append(data, r...)
	}
	cards := []fitsio.Card{
		{Name: "CHANNEL", Value: daqfile.ChannelName(f.Channel), Comment: "digitizer channel"},
		{Name: "SOURCE", Value: meta.Source, Comment: "capture file"},
		{Name: "TIMEBASE", Value: int(meta.Timebase), Comment: "digitizer timebase"},
	}
	for i := range rows {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("ROW%d", i), Value: rowNames[i]})
	}

	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	fits, err := fitsio.Create(fh)
	if err != nil {
		fh.Close()
		return err
	}
	err = writeImage(fits, []int{n, len(rows)}, cards, data)
	if cerr := fits.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}

func writeImage(fits *fitsio.File, axes []int, cards []fitsio.Card, data []float64) error {
	im := fitsio.NewImage(-64, axes)
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadFITS loads features written by WriteFITS
func ReadFITS(path string) (ChannelFeatures, Meta, error) {
	var (
		out  ChannelFeatures
		meta Meta
	)
	fh, err := os.Open(path)
	if err != nil {
		return out, meta, err
	}
	defer fh.Close()
	fits, err := fitsio.Open(fh)
	if err != nil {
		return out, meta, err
	}
	defer fits.Close()
	im, ok := fits.HDU(0).(fitsio.Image)
	if !ok {
		return out, meta, fmt.Errorf("analysis: %s: primary HDU is not an image", path)
	}
	hdr := im.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return out, meta, fmt.Errorf("analysis: %s: expected a 2D image, got %d axes", path, len(axes))
	}
	var data []float64
	if err = im.Read(&data); err != nil {
		return out, meta, err
	}
	n, nrows := axes[0], axes[1]
	if len(data) != n*nrows {
		return out, meta, fmt.Errorf("analysis: %s: %d values for a %dx%d image", path, len(data), n, nrows)
	}
	if c := hdr.Get("CHANNEL"); c != nil {
		if s, ok := c.Value.(string); ok && len(strings.TrimSpace(s)) == 1 {
			out.Channel = int(strings.TrimSpace(s)[0] - 'A')
		}
	}
	if c := hdr.Get("SOURCE"); c != nil {
		s, _ := c.Value.(string)
		meta.Source = strings.TrimSpace(s)
	}
	if c := hdr.Get("TIMEBASE"); c != nil {
		switch v := c.Value.(type) {
		case int:
			meta.Timebase = uint8(v)
		case int64:
			meta.Timebase = uint8(v)
		case float64:
			meta.Timebase = uint8(v)
		}
	}
	row := func(i int) []float64 {
		return append([]float64(nil), data[i*n:(i+1)*n]...)
	}
	for i := 0; i < nrows && i < len(rowNames); i++ {
		name := rowNames[i]
		if c := hdr.Get(fmt.Sprintf("ROW%d", i)); c != nil {
			if s, ok := c.Value.(string); ok {
				name = strings.TrimSpace(s)
			}
		}
		switch name {
		case "MINIMA":
			out.Minima = row(i)
		case "MININDEX":
			out.MinIndex = row(i)
		case "INTEG":
			out.Integrated = row(i)
		case "FULLINT":
			out.FullIntegrated = row(i)
		case "MAMINIMA":
			out.MovingAverageMinima = row(i)
		}
	}
	return out, meta, nil
}
