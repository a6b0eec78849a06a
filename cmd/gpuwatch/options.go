package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/shepherd-project/gpuwatch/internal/config"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/tui"
)

// options are the parsed command line.
type options struct {
	delay       int // tenths of a second
	version     bool
	help        bool
	configFile  string
	noColor     bool
	fahrenheit  bool
	gpuInfo     bool
	encodeHide  int // seconds, negative: always shown
	noPlot      bool
	noProcesses bool
	reverseAbs  bool
	snapshot    bool
	listen      string
	headless    bool
	logLevel    string

	flags *pflag.FlagSet
}

var errNegativeDelay = errors.New("delay must be a positive value")

func newFlagSet(o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("gpuwatch", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)

	fs.IntVarP(&o.delay, "delay", "d", 10, "refresh interval in tenths of a second")
	fs.BoolVarP(&o.version, "version", "v", false, "print the version and exit")
	fs.BoolVarP(&o.help, "help", "h", false, "print this help and exit")
	fs.StringVarP(&o.configFile, "config-file", "c", "", "configuration file (default "+config.DefaultConfigFile+" in the config directory)")
	fs.BoolVarP(&o.noColor, "no-color", "C", false, "monochrome display")
	fs.BoolVarP(&o.fahrenheit, "freedom-unit", "f", false, "temperatures in Fahrenheit")
	fs.BoolVarP(&o.gpuInfo, "gpu-info", "i", false, "show the GPU info bar")
	fs.IntVarP(&o.encodeHide, "encode-hide", "E", 30, "hide encode/decode gauges after this many idle seconds (negative: never hide)")
	fs.BoolVarP(&o.noPlot, "no-plot", "p", false, "hide the utilization plot")
	fs.BoolVarP(&o.noProcesses, "no-processes", "P", false, "hide the process table")
	fs.BoolVarP(&o.reverseAbs, "reverse-abs", "r", false, "plot newest samples on the left")
	fs.BoolVarP(&o.snapshot, "snapshot", "s", false, "print one JSON snapshot and exit")
	fs.StringVar(&o.listen, "listen", "", "serve the HTTP API on host:port")
	fs.BoolVar(&o.headless, "headless", false, "sample without a dashboard (use with --listen)")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "no-colour" {
			name = "no-color"
		}
		return pflag.NormalizedName(name)
	})
	return fs
}

// parseOptions parses args. -d is a base-0 integer ("0x10" and "010" work).
func parseOptions(args []string) (*options, error) {
	o := &options{}
	o.flags = newFlagSet(o)
	if err := o.flags.Parse(args); err != nil {
		return o, err
	}
	if rest := o.flags.Args(); len(rest) > 0 {
		return o, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if o.delay < 0 {
		return o, errNegativeDelay
	}
	return o, nil
}

// usage is the help text.
func (o *options) usage() string {
	var b strings.Builder
	b.WriteString("gpuwatch: interactive GPU process monitor\n\nUsage: gpuwatch [options]\n\nOptions:\n")
	b.WriteString(o.flags.FlagUsages())
	b.WriteString("\nKeys: F2 setup, F5 freeze, F6 sort, F9 kill, F12 save, q quit\n")
	return b.String()
}

func (o *options) set(name string) bool {
	return o.flags != nil && o.flags.Changed(name)
}

// apply overrides cfg with the flags given on the command line.
func (o *options) apply(cfg *config.Config) {
	if o.set("delay") {
		cfg.UpdateIntervalMs = config.ClampUpdateInterval(o.delay * 100)
	}
	if o.noColor {
		cfg.UseColor = false
	}
	if o.fahrenheit {
		cfg.TemperatureInFahrenheit = true
	}
	if o.gpuInfo {
		cfg.ShowGPUInfoBar = true
	}
	if o.set("encode-hide") {
		cfg.EncodeDecodeHideSeconds = float64(o.encodeHide)
		if o.encodeHide < 0 {
			cfg.EncodeDecodeHideSeconds = 0
		}
	}
	if o.noPlot {
		cfg.HidePlot = true
	}
	if o.noProcesses {
		cfg.HideProcesses = true
	}
	if o.reverseAbs {
		cfg.PlotLeftToRight = true
	}
	if o.listen != "" {
		cfg.Server.Listen = o.listen
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
}

// mode names the run mode; it is also the log file prefix.
func (o *options) mode() string {
	switch {
	case o.snapshot:
		return "snapshot"
	case o.headless:
		return "headless"
	default:
		return "tui"
	}
}

// dashboardOptions maps the configuration onto the dashboard settings.
func dashboardOptions(cfg *config.Config) tui.Options {
	return tui.Options{
		UseColor:         cfg.UseColor,
		Fahrenheit:       cfg.TemperatureInFahrenheit,
		HidePlot:         cfg.HidePlot,
		HideProcesses:    cfg.HideProcesses,
		PlotLeftToRight:  cfg.PlotLeftToRight,
		ShowInfoBar:      cfg.ShowGPUInfoBar,
		EscapeQuits:      cfg.EscapeQuits,
		EncodeDecodeHide: secondsToDuration(cfg.EncodeDecodeHideSeconds),
	}
}

// storeDashboardOptions writes dashboard settings back for saving.
func storeDashboardOptions(cfg *config.Config, opts tui.Options) {
	cfg.UseColor = opts.UseColor
	cfg.TemperatureInFahrenheit = opts.Fahrenheit
	cfg.HidePlot = opts.HidePlot
	cfg.HideProcesses = opts.HideProcesses
	cfg.PlotLeftToRight = opts.PlotLeftToRight
	cfg.ShowGPUInfoBar = opts.ShowInfoBar
	cfg.EscapeQuits = opts.EscapeQuits
	cfg.EncodeDecodeHideSeconds = opts.EncodeDecodeHide.Seconds()
	for _, dev := range opts.Devices {
		cfg.SetMonitored(dev.PDev, dev.Monitored)
	}
}

// deviceChoices lists every discovered device for the setup panel,
// unmonitored ones included.
func deviceChoices(devices []*gpu.Device) []tui.DeviceChoice {
	choices := make([]tui.DeviceChoice, 0, len(devices))
	for _, dev := range devices {
		choices = append(choices, tui.DeviceChoice{
			PDev:      dev.PDev,
			Name:      dev.Static.Name,
			Monitored: dev.Monitored,
		})
	}
	return choices
}
