package daqfile

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressedExt marks files that are zstd compressed
const CompressedExt = ".zst"

// IsCompressed returns true if path names a compressed capture
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, CompressedExt)
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// Open opens path for reading, decompressing .zst files
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !IsCompressed(path) {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return readCloser{Reader: zr, close: func() error {
		zr.Close()
		return f.Close()
	}}, nil
}

// ReadFile decodes the capture at path
func ReadFile(path string) (*Capture, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	c, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ReadFileHeader reads only the header of the capture at path
func ReadFileHeader(path string) (Header, error) {
	r, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer r.Close()
	return ReadHeader(bufio.NewReader(r))
}

// writeAtomic streams fill into a temporary file beside path and renames
// it into place once complete, compressing if path ends in .zst
func writeAtomic(path string, fill func(io.Writer) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()
	var w io.Writer = f
	var zw *zstd.Encoder
	if IsCompressed(path) {
		zw, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return err
		}
		w = zw
	}
	if err = fill(w); err != nil {
		return err
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return err
		}
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteFile encodes c to path.  The file appears complete or not at all.
func WriteFile(path string, c *Capture) error {
	return writeAtomic(path, func(w io.Writer) error {
		return Encode(w, c)
	})
}

// Recompress copies src to dst, decompressing or compressing according to
// their extensions.  The capture is not decoded.
func Recompress(src, dst string) error {
	r, err := Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	return writeAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// EncodeCSV writes the first n waveforms of channel ch in physical units,
// one row per sample with a time column in ns.  n <= 0 writes every
// waveform.
func (c *Capture) EncodeCSV(w io.Writer, ch, n int) error {
	if ch < 0 || ch >= NumChannels || !c.Active[ch] {
		return fmt.Errorf("daqfile: channel %d is not active", ch)
	}
	wfs := c.MilliVolts(ch)
	if n <= 0 || n > len(wfs) {
		n = len(wfs)
	}
	labels := make([]string, n+1)
	labels[0] = "time_ns"
	for i := 0; i < n; i++ {
		labels[i+1] = "wf" + strconv.Itoa(i)
	}
	bw := bufio.NewWriter(w)
	writer := csv.NewWriter(bw)
	if err := writer.Write(labels); err != nil {
		return err
	}
	dt := c.SampleInterval()
	row := make([]string, n+1)
	for s := 0; s < int(c.Samples[ch]); s++ {
		row[0] = strconv.FormatFloat(float64(s)*dt, 'G', -1, 64)
		for i := 0; i < n; i++ {
			row[i+1] = strconv.FormatFloat(wfs[i][s], 'G', -1, 64)
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
