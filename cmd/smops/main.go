package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/shirou/gopsutil/v3/mem"

	"smops/internal/models"
	"smops/pkg/config"
	"smops/pkg/grid"
	"smops/pkg/imageio"
	"smops/pkg/resample"
)

const gib = 1 << 30

// defaultMemFraction is the share of physical memory used when no ceiling is given.
const defaultMemFraction = 0.2

var (
	configPath      = flag.String("config", "smops.yaml", "Path of the YAML configuration file (defaults are used if it does not exist).")
	writeConfig     = flag.Bool("write-config", false, "Write the effective configuration to -config and exit.")
	inputPrefix     = flag.String("input-prefix", "", "Prefix of the input <prefix>-NNNN[-S]-model.fits images.")
	outputPrefix    = flag.String("output-prefix", "", "Prefix of the output images.")
	channelsOut     = flag.Int("channels-out", 0, "Number of output channels.")
	polynomialOrder = flag.Int("polynomial-order", 0, "Order of the per-pixel spectral polynomial.")
	stokes          = flag.String("stokes", "", "Stokes parameters to resample, e.g. I or IQUV.")
	maxMem          = flag.Float64("max-mem", 0, "Memory ceiling per block in GiB (defaults to 20% of physical memory).")
	workers         = flag.Int("workers", 0, "Number of blocks fitted in parallel.")
	refFreq         = flag.Float64("ref-freq", 0, "Reference frequency in Hz (defaults to the centre of the input band).")
	gridName        = flag.String("grid", "", "Output grid policy (one of: band, linspace, centered).")
	basis           = flag.String("basis", "", "Channel sampling of the fit (one of: point, integrated).")
	weights         = flag.Bool("weights", false, "Weight channels by their WSCVWSUM imaging weight.")
	onUnstable      = flag.String("on-unstable", "", "Handling of unstable fits (one of: fail, nan, zero, lower-order).")
	residuals       = flag.Bool("residuals", false, "Report fit residual statistics.")
)

func main() {
	flag.Set("alsologtostderr", "true")
	flag.Set("log_dir", ".")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		glog.Exitf("unable to load configuration %q: %s", *configPath, err)
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		glog.Exitf("%s", err)
	}

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			glog.Exitf("unable to write configuration %q: %s", *configPath, err)
		}
		glog.Infof("Configuration written to %s", *configPath)
		return
	}

	if cfg.IO.InputPrefix == "" {
		flag.Usage()
		glog.Flush()
		os.Exit(1)
	}

	maxMemBytes, err := memoryCeiling(cfg.Processing.MaxMemGB)
	if err != nil {
		glog.Exitf("unable to determine memory ceiling: %s", err)
	}
	glog.Infof("Setting memory cap to: %.2f GiB", float64(maxMemBytes)/gib)

	stokesList, _ := cfg.StokesList()
	glog.Infof("Specified -stokes: %s", cfg.Processing.Stokes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, s := range stokesList {
		if err := resampleStokes(ctx, cfg, s, maxMemBytes); err != nil {
			glog.Exitf("Stokes %s failed: %s", s, err)
		}
	}
}

// applyFlags overrides configuration values with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input-prefix":
			cfg.IO.InputPrefix = *inputPrefix
		case "output-prefix":
			cfg.IO.OutputPrefix = *outputPrefix
		case "channels-out":
			cfg.Processing.ChannelsOut = *channelsOut
		case "polynomial-order":
			cfg.Fit.PolynomialOrder = *polynomialOrder
		case "stokes":
			cfg.Processing.Stokes = *stokes
		case "max-mem":
			cfg.Processing.MaxMemGB = *maxMem
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "ref-freq":
			cfg.Grid.RefFreq = *refFreq
		case "grid":
			cfg.Grid.Policy = *gridName
		case "basis":
			cfg.Fit.Basis = *basis
		case "weights":
			cfg.Fit.UseWeights = *weights
		case "on-unstable":
			cfg.Fit.OnUnstable = *onUnstable
		case "residuals":
			cfg.Fit.ReportResiduals = *residuals
		}
	})
}

// memoryCeiling converts the configured GiB to bytes, defaulting to a
// fraction of physical memory.
func memoryCeiling(gb float64) (int64, error) {
	if gb > 0 {
		return int64(gb * gib), nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(math.Floor(float64(vm.Total) * defaultMemFraction)), nil
}

// resampleStokes reads, resamples and writes one Stokes parameter.
func resampleStokes(ctx context.Context, cfg *config.Config, s models.Stokes, maxMemBytes int64) error {
	start := time.Now()
	glog.Infof("Running Stokes %s", s)

	inPrefix, err := filepath.Abs(cfg.IO.InputPrefix)
	if err != nil {
		return err
	}
	sources, err := imageio.Discover(inPrefix, s)
	if err != nil {
		return err
	}
	glog.Infof("Found %d matching selections", len(sources))
	for _, src := range sources {
		glog.Infof("%s", filepath.Base(src.Path))
	}

	images, err := imageio.ReadSources(sources)
	if err != nil {
		return err
	}
	channels := imageio.Channels(images)

	params, err := cfg.Params(s, maxMemBytes)
	if err != nil {
		return err
	}
	params.ElementBytes = images[0].ElementBytes()
	params.Grid, err = gridPolicy(cfg, channels)
	if err != nil {
		return err
	}

	sink := imageio.NewFITSSink(cfg.IO.OutputPrefix, s, sources[0].Explicit, images[0])
	glog.Infof("Run %s: writing %d channels with prefix %s", sink.RunID, params.ChannelsOut, cfg.IO.OutputPrefix)

	r := resample.NewResampler(params)
	r.SetProgressCallback(func(completed, total int, message string) {
		glog.V(1).Infof("%s: %d/%d blocks", message, completed, total)
	})

	metrics, err := r.Run(ctx, channels, sink)
	if err != nil {
		return err
	}
	logMetrics(metrics)
	glog.Infof("Stokes %s finished in %.3f secs", s, time.Since(start).Seconds())
	return nil
}

// gridPolicy resolves the configured grid against the band of the inputs.
// The band policy with no explicit edges is left to the resampler.
func gridPolicy(cfg *config.Config, channels []models.Channel) (grid.Policy, error) {
	spec := cfg.GridSpec()
	if spec.Policy == "" || spec.Policy == "band" && spec.High <= spec.Low {
		return nil, nil
	}

	freqs, widths := make([]float64, len(channels)), make([]float64, len(channels))
	for i, ch := range channels {
		freqs[i], widths[i] = ch.Freq, ch.Width
	}
	// A zero band is rejected by the policies that need one.
	band, _ := grid.ChannelBand(freqs, widths)
	policy, err := grid.ParsePolicy(spec, band)
	if err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	return policy, nil
}

func logMetrics(m *resample.Metrics) {
	glog.Infof("Stokes %s: %d -> %d channels, order %d (condition %.3g), %d blocks of %d rows on %d workers",
		m.Stokes, m.InputChannels, m.OutputChannels, m.Order, m.Condition, m.Blocks, m.RowsPerBlock, m.Workers)
	for _, w := range m.Warnings {
		glog.Warningf("Stokes %s: %s", m.Stokes, w)
	}
	if m.UnstablePixels > 0 {
		glog.Warningf("Stokes %s: %d unstable pixels", m.Stokes, m.UnstablePixels)
	}
	if !math.IsNaN(m.ResidualMean) {
		glog.Infof("Stokes %s: residual RMS mean %.4g, max %.4g", m.Stokes, m.ResidualMean, m.ResidualMax)
	}
	for i, f := range m.Frequencies {
		glog.V(1).Infof("output channel %d: %.6g Hz", i, f)
	}
}
