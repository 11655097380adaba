package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yml "gopkg.in/yaml.v2"

	"github.com/mppcqc/benchlab/analysis"
	"github.com/mppcqc/benchlab/daqfile"
	"github.com/mppcqc/benchlab/fit"
	"github.com/mppcqc/benchlab/plots"
	"github.com/mppcqc/benchlab/runlog"
)

// errUsage is returned for bad command lines; the caller prints the usage
var errUsage = errors.New("wavetool: bad arguments")

// trimExt drops .dat, .dat.zst or .fits from a file name
func trimExt(path string) string {
	path = strings.TrimSuffix(path, ".zst")
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// parseChannel accepts A-D or 0-3
func parseChannel(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) == 1 && s[0] >= 'A' && s[0] < 'A'+daqfile.NumChannels {
		return int(s[0] - 'A'), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= daqfile.NumChannels {
		return 0, fmt.Errorf("wavetool: channel %q not in A-D", s)
	}
	return n, nil
}

func header(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	for _, f := range args {
		h, err := daqfile.ReadFileHeader(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n", f)
		b, err := yml.Marshal(h)
		if err != nil {
			return err
		}
		out.Write(b)
		names := make([]string, 0, daqfile.NumChannels)
		for _, ch := range h.ActiveChannels() {
			names = append(names, daqfile.ChannelName(ch))
		}
		fmt.Fprintf(out, "active channels: %s, sample interval %g ns, taken %s\n",
			strings.Join(names, ""), h.SampleInterval(), h.Time().Format("2006-01-02 15:04:05"))
	}
	return nil
}

// sanity prints the integrated signal of each file and fails if any is
// below the thresholds
func sanity(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sanity", flag.ContinueOnError)
	fs.SetOutput(out)
	mppc := fs.Float64("mppc", analysis.DefaultSanityThresholds[0], "least |mean| on channels A-C")
	pmt := fs.Float64("pmt", analysis.DefaultSanityThresholds[3], "least |mean| on channel D")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return errUsage
	}
	th := analysis.SanityThresholds{*mppc, *mppc, *mppc, *pmt}
	failed := 0
	for _, f := range fs.Args() {
		c, err := daqfile.ReadFile(f)
		if err != nil {
			return err
		}
		res := analysis.Sanity(c)
		verdict := "PASS"
		if !analysis.SanityOK(res, th) {
			verdict = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%s %s\n%s\n", verdict, f, analysis.FormatSanity(res))
	}
	if failed > 0 {
		return fmt.Errorf("wavetool: %d of %d files failed the sanity check", failed, fs.NArg())
	}
	return nil
}

// extract writes <base>_<channel>.fits for every active channel of each
// capture, and with -plots the first waveforms and a minima histogram
func extract(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("extract", flag.ContinueOnError)
	fs.SetOutput(out)
	dir := fs.String("o", "", "output directory, default next to the capture")
	doPlots := fs.Bool("plots", false, "write waveform and minima plots")
	ma := fs.Int("ma", 0, "half width of the moving average, 0 to skip it")
	nwf := fs.Int("n", 10, "waveforms per plot")
	if err := fs.Parse(args); err != nil || fs.NArg() == 0 {
		return errUsage
	}
	opts := analysis.DefaultExtractOptions
	opts.MovingAverage = *ma
	for _, f := range fs.Args() {
		c, err := daqfile.ReadFile(f)
		if err != nil {
			return err
		}
		base := trimExt(f)
		if *dir != "" {
			if err := os.MkdirAll(*dir, 0o755); err != nil {
				return err
			}
			base = filepath.Join(*dir, filepath.Base(base))
		}
		meta := analysis.Meta{Source: filepath.Base(f), Timebase: c.Timebase}
		for _, feat := range analysis.Extract(c, opts) {
			name := daqfile.ChannelName(feat.Channel)
			path := fmt.Sprintf("%s_%s.fits", base, name)
			if err := analysis.WriteFITS(path, feat, meta); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d waveforms\n", path, feat.Len())
			if !*doPlots {
				continue
			}
			title := fmt.Sprintf("%s channel %s", filepath.Base(base), name)
			if err := plots.Waveforms(fmt.Sprintf("%s_%s_waveforms.png", base, name), c.MilliVolts(feat.Channel), *nwf, c.SampleInterval(), title); err != nil {
				return err
			}
			if err := plots.HistogramWithFit(fmt.Sprintf("%s_%s_minima.png", base, name), feat.Minima, 200, nil, title, "minimum [mV]"); err != nil {
				return err
			}
		}
	}
	return nil
}

// fitFeatures fits a feature file and plots the spectrum.  The plot is
// written even when the fit does not converge.
func fitFeatures(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	fs.SetOutput(out)
	mode := fs.String("mode", "charge", "charge (minima), integrated or gauss (integrated charge)")
	nbins := fs.Int("bins", 300, "histogram bins")
	plotPath := fs.String("o", "", "plot file, default <base>_<mode>.pdf")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return errUsage
	}
	path := fs.Arg(0)
	feat, meta, err := analysis.ReadFITS(path)
	if err != nil {
		return err
	}
	var (
		data   []float64
		s      *fit.Spectrum
		xlabel string
	)
	switch *mode {
	case "charge":
		data, xlabel = feat.Minima, "minimum [mV]"
		s, err = fit.FitCharge(data, fit.ChargeOptions(*nbins))
	case "integrated":
		data, xlabel = feat.Integrated, "charge [mV ns]"
		s, err = fit.FitIntegrated(data, *nbins)
	case "gauss":
		data, xlabel = feat.Integrated, "charge [mV ns]"
		s, err = fit.FitGauss(data, *nbins)
	default:
		return errUsage
	}
	if s == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(out, "fit did not converge: %v\n", err)
	}
	fmt.Fprintf(out, "%s\nchi2/ndf = %.4g/%d\n", plots.FormatParams(s.Names, s.Params), s.Chi2, s.NDF)
	if *plotPath == "" {
		*plotPath = trimExt(path) + "_" + *mode + ".pdf"
	}
	title := fmt.Sprintf("%s channel %s", meta.Source, daqfile.ChannelName(feat.Channel))
	if perr := plots.HistogramWithFit(*plotPath, data, *nbins, s, title, xlabel); perr != nil {
		return perr
	}
	fmt.Fprintf(out, "wrote %s\n", *plotPath)
	return err
}

// toCSV writes the first n waveforms of one channel
func toCSV(args []string, out io.Writer) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	ch, err := parseChannel(args[1])
	if err != nil {
		return err
	}
	n := 0
	if len(args) == 3 {
		if n, err = strconv.Atoi(args[2]); err != nil {
			return errUsage
		}
	}
	c, err := daqfile.ReadFile(args[0])
	if err != nil {
		return err
	}
	return c.EncodeCSV(out, ch, n)
}

func compress(args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	dst := args[0] + ".zst"
	if len(args) == 2 {
		dst = args[1]
	}
	if !daqfile.IsCompressed(dst) {
		return fmt.Errorf("wavetool: %s does not end in .zst", dst)
	}
	if err := daqfile.Recompress(args[0], dst); err != nil {
		return err
	}
	fmt.Fprintln(out, dst)
	return nil
}

func decompress(args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 || !daqfile.IsCompressed(args[0]) {
		return errUsage
	}
	dst := strings.TrimSuffix(args[0], ".zst")
	if len(args) == 2 {
		dst = args[1]
	}
	if err := daqfile.Recompress(args[0], dst); err != nil {
		return err
	}
	fmt.Fprintln(out, dst)
	return nil
}

// verify checks the manifest CRCs of run directories
func verify(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	bad := 0
	for _, dir := range args {
		ms, err := runlog.Verify(dir)
		if err != nil {
			return err
		}
		for _, m := range ms {
			fmt.Fprintln(out, m)
		}
		bad += len(ms)
		if len(ms) == 0 {
			fmt.Fprintf(out, "%s: ok\n", dir)
		}
	}
	if bad > 0 {
		return fmt.Errorf("wavetool: %d files do not match their manifest", bad)
	}
	return nil
}
