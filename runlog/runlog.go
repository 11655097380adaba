// Package runlog keeps the YAML manifest of a measurement run: every
// capture written, what it was taken at, and its CRC-32 so archived data can
// be checked later.
package runlog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snksoft/crc"
	"gopkg.in/yaml.v2"
)

// ManifestName is the manifest file within a run directory
const ManifestName = "manifest.yaml"

// Kinds of capture
const (
	KindDark  = "dark"
	KindLED   = "led"
	KindCheck = "check"
	KindPMT   = "pmt"
)

var crcTable = crc.NewTable(crc.CRC32)

// Entry is one capture file
type Entry struct {
	File  string    `yaml:"file"`
	Unit  string    `yaml:"unit"`
	BiasV float64   `yaml:"biasV,omitempty"`
	LEDmV int       `yaml:"ledmV,omitempty"`
	Kind  string    `yaml:"kind"`
	Time  time.Time `yaml:"time"`
	CRC32 string    `yaml:"crc32"`
}

// Manifest lists the captures of a run
type Manifest struct {
	Run     string    `yaml:"run"`
	Started time.Time `yaml:"started"`
	Entries []Entry   `yaml:"entries"`
}

// Mismatch is a file whose contents no longer match the manifest
type Mismatch struct {
	File      string
	Want, Got string
	Err       error
}

func (m Mismatch) String() string {
	if m.Err != nil {
		return fmt.Sprintf("%s: %v", m.File, m.Err)
	}
	return fmt.Sprintf("%s: crc32 %s, manifest says %s", m.File, m.Got, m.Want)
}

var mu sync.Mutex

// FileCRC returns the CRC-32 of the file at path as 8 hex digits
func FileCRC(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum := crcTable.InitCrc()
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		sum = crcTable.UpdateCrc(sum, buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%08x", crcTable.CRC32(sum)), nil
}

// Load reads the manifest at path
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("runlog: %s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) save(path string) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Append checksums e.File, records it in the manifest at path and rewrites
// the manifest.  A missing manifest is created and named after its
// directory.  Relative files are resolved against the manifest directory and
// files inside it are stored relative to it.
func Append(path string, e Entry) error {
	mu.Lock()
	defer mu.Unlock()
	dir := filepath.Dir(path)
	file := e.File
	if !filepath.IsAbs(file) {
		file = filepath.Join(dir, file)
	}
	sum, err := FileCRC(file)
	if err != nil {
		return err
	}
	e.CRC32 = sum
	if rel, err := filepath.Rel(dir, file); err == nil && filepath.IsLocal(rel) {
		e.File = filepath.ToSlash(rel)
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		abs, _ := filepath.Abs(dir)
		m, err = &Manifest{Run: filepath.Base(abs), Started: e.Time}, nil
	}
	if err != nil {
		return err
	}
	m.Entries = append(m.Entries, e)
	return m.save(path)
}

// Verify recomputes the CRC of every file in the manifest of run directory
// dir and returns those that differ or cannot be read
func Verify(dir string) ([]Mismatch, error) {
	m, err := Load(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, err
	}
	var bad []Mismatch
	for _, e := range m.Entries {
		file := filepath.FromSlash(e.File)
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		got, err := FileCRC(file)
		switch {
		case err != nil:
			bad = append(bad, Mismatch{File: e.File, Want: e.CRC32, Err: err})
		case got != e.CRC32:
			bad = append(bad, Mismatch{File: e.File, Want: e.CRC32, Got: got})
		}
	}
	return bad, nil
}
