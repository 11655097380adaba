package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"github.com/mppcqc/benchlab/hvramp"
	"github.com/mppcqc/benchlab/keithley"
)

// ivMeasure adapts the ammeter of s to hvramp.MeasureFunc and reports the
// mean of each measurement on out
func ivMeasure(s interface {
	Measure() (keithley.IVBuffer, error)
}, out io.Writer) hvramp.MeasureFunc {
	return func() (hvramp.IV, error) {
		b, err := s.Measure()
		if err != nil {
			return hvramp.IV{}, err
		}
		fmt.Fprintf(out, "Mean voltage: %.2e  Mean current: %.2e\n", stat.Mean(b.Voltage, nil), stat.Mean(b.Current, nil))
		return hvramp.IV{Current: b.Current, Time: b.Time, Voltage: b.Voltage}, nil
	}
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// writeIV stores one row per reading: commanded volts, reading index,
// current in amps, buffer time in seconds and source volts
func writeIV(path string, ivs []hvramp.IV) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.Write([]string{"commanded_v", "reading", "current_a", "time_s", "voltage_v"})
	for _, iv := range ivs {
		for i := range iv.Current {
			w.Write([]string{ftoa(iv.Commanded), strconv.Itoa(i), ftoa(iv.Current[i]), ftoa(iv.Time[i]), ftoa(iv.Voltage[i])})
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
