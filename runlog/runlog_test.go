package runlog_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mppcqc/benchlab/runlog"
)

func ExampleFileCRC() {
	dir, _ := os.MkdirTemp("", "runlog")
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "check.dat")
	os.WriteFile(path, []byte("123456789"), 0o644)
	sum, _ := runlog.FileCRC(path)
	fmt.Println(sum)
	// Output: cbf43926
}

func TestAppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, runlog.ManifestName)
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	files := []runlog.Entry{
		{File: "a_dark_IW098-0028.dat", Unit: "IW098-0028", BiasV: 83, Kind: runlog.KindDark, Time: t0},
		{File: filepath.Join(dir, "a_540_IW098-0028.dat"), Unit: "IW098-0028", BiasV: 83, LEDmV: 540, Kind: runlog.KindLED, Time: t0.Add(time.Minute)},
	}
	for i, e := range files {
		name := e.File
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		if err := os.WriteFile(name, []byte(fmt.Sprintf("capture %d", i)), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := runlog.Append(manifest, e); err != nil {
			t.Fatal(err)
		}
	}
	m, err := runlog.Load(manifest)
	if err != nil {
		t.Fatal(err)
	}
	if m.Run != filepath.Base(dir) || !m.Started.Equal(t0) {
		t.Errorf("unexpected run %q started %v", m.Run, m.Started)
	}
	got := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		got[i] = e.File
		if len(e.CRC32) != 8 {
			t.Errorf("entry %d crc %q", i, e.CRC32)
		}
	}
	if diff := cmp.Diff([]string{"a_dark_IW098-0028.dat", "a_540_IW098-0028.dat"}, got); diff != "" {
		t.Errorf("files should be stored relative to the run (-want +got):\n%s", diff)
	}
	if m.Entries[1].LEDmV != 540 || m.Entries[1].Kind != runlog.KindLED {
		t.Errorf("entry lost its settings: %+v", m.Entries[1])
	}

	bad, err := runlog.Verify(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 0 {
		t.Errorf("fresh run should verify, got %v", bad)
	}

	if err := os.WriteFile(filepath.Join(dir, "a_540_IW098-0028.dat"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(dir, "a_dark_IW098-0028.dat"))
	bad, err = runlog.Verify(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(bad) != 2 {
		t.Fatalf("expected 2 mismatches, got %v", bad)
	}
	if bad[0].Err == nil {
		t.Error("missing file should carry an error")
	}
	if bad[1].Err != nil || bad[1].Got == bad[1].Want {
		t.Errorf("changed file should report a new crc: %v", bad[1])
	}
}

func TestAppendMissingFile(t *testing.T) {
	dir := t.TempDir()
	err := runlog.Append(filepath.Join(dir, runlog.ManifestName), runlog.Entry{File: "nope.dat"})
	if err == nil {
		t.Error("expected an error for a missing capture")
	}
	if _, err := os.Stat(filepath.Join(dir, runlog.ManifestName)); err == nil {
		t.Error("manifest should not be created for a failed append")
	}
}

func TestVerifyWithoutManifest(t *testing.T) {
	if _, err := runlog.Verify(t.TempDir()); err == nil {
		t.Error("expected an error without a manifest")
	}
}
