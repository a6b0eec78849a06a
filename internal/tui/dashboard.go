// Package tui renders the interactive dashboard: per-device gauges, a
// utilization plot and the process table.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shepherd-project/gpuwatch/internal/clock"
	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/history"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/terminal"
)

// Screen is where frames go. *terminal.Terminal implements it.
type Screen interface {
	Size() (width, height int, err error)
	Draw(frame string) error
}

// SeriesSource provides plot data. *history.Store implements it.
type SeriesSource interface {
	Series(pdev string) ([]history.Sample, bool)
}

// Options are the display settings that can be saved.
type Options struct {
	UseColor         bool
	Fahrenheit       bool
	HidePlot         bool
	HideProcesses    bool
	PlotLeftToRight  bool
	ShowInfoBar      bool
	EscapeQuits      bool
	EncodeDecodeHide time.Duration // 0: always shown
	Devices          []DeviceChoice
}

// DeviceChoice is one entry of the setup panel's device list. Changes to
// Monitored are saved with the options and apply at the next start.
type DeviceChoice struct {
	PDev      string
	Name      string
	Monitored bool
}

// SortField is the process table sort key.
type SortField int

const (
	SortPID SortField = iota
	SortUser
	SortDevice
	SortType
	SortGPU
	SortEncode
	SortDecode
	SortMemory
	SortCommand
	numSortFields
)

var sortNames = [numSortFields]string{"PID", "USER", "DEV", "TYPE", "GPU", "ENC", "DEC", "GPU MEM", "COMMAND"}

func (f SortField) String() string {
	if f < 0 || f >= numSortFields {
		return "?"
	}
	return sortNames[f]
}

// Config 仪表盘配置
type Config struct {
	Screen  Screen
	Options Options
	History SeriesSource // nil: no plot
	Clock   clock.Clock
	Theme   *Theme
	// Save persists the options (F12).
	Save func(Options) error
	// Kill terminates a process (F9).
	Kill func(pid int32) error
	// Notice is shown in the status line until the first key.
	Notice string
}

// Terminate sends SIGTERM to pid. It is the default Config.Kill.
func Terminate(pid int32) error {
	return unix.Kill(int(pid), unix.SIGTERM)
}

// row is one process table line.
type row struct {
	device int
	proc   gpu.Process
}

// Dashboard is the interactive renderer. It is used only from the loop
// goroutine.
type Dashboard struct {
	cfg    Config
	opts   Options
	styles styles
	clock  clock.Clock

	width, height int

	freeze    bool
	sortField SortField
	sortDesc  bool
	selected  int
	hscroll   int
	setup     bool
	setupDev  int // device list cursor in setup
	killPID   int32 // pending confirmation; 0 when none
	status    string

	rows       []row
	encDecSeen map[string]time.Time
}

// New creates a dashboard and reads the screen size.
func New(cfg Config) *Dashboard {
	theme := DefaultTheme
	if cfg.Theme != nil {
		theme = *cfg.Theme
	}
	d := &Dashboard{
		cfg:        cfg,
		opts:       cfg.Options,
		styles:     newStyles(theme, cfg.Options.UseColor),
		clock:      cfg.Clock,
		width:      80,
		height:     24,
		sortField:  SortMemory,
		sortDesc:   true,
		encDecSeen: make(map[string]time.Time),
		status:     cfg.Notice,
	}
	d.opts.Devices = append([]DeviceChoice(nil), cfg.Options.Devices...)
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.cfg.Kill == nil {
		d.cfg.Kill = Terminate
	}
	d.Resize()
	return d
}

// Options returns the current display options.
func (d *Dashboard) Options() Options {
	return d.opts
}

// FreezeProcesses reports whether the process list is frozen.
func (d *Dashboard) FreezeProcesses() bool {
	return d.freeze
}

// EscapeQuits reports whether Esc and F10 end the program.
func (d *Dashboard) EscapeQuits() bool {
	return d.opts.EscapeQuits
}

// Resize re-reads the screen size.
func (d *Dashboard) Resize() {
	if d.cfg.Screen == nil {
		return
	}
	if w, h, err := d.cfg.Screen.Size(); err == nil && w > 0 && h > 0 {
		d.width, d.height = w, h
	}
}

// Draw renders snap to the screen.
func (d *Dashboard) Draw(snap *monitor.Snapshot) error {
	frame := d.Render(snap)
	if d.cfg.Screen == nil {
		return nil
	}
	return d.cfg.Screen.Draw(frame)
}

// HandleKey applies one key press.
func (d *Dashboard) HandleKey(key terminal.Key) {
	if d.killPID != 0 {
		d.confirmKill(key)
		return
	}
	if d.setup {
		d.handleSetupKey(key)
		return
	}

	d.status = ""
	switch {
	case key.Is(terminal.F2):
		d.setup = true
	case key.Is(terminal.F5):
		d.freeze = !d.freeze
	case key.Is(terminal.F6):
		d.sortField = (d.sortField + 1) % numSortFields
	case key.Rune == '+':
		d.sortDesc = false
	case key.Rune == '-':
		d.sortDesc = true
	case key.Is(terminal.F9):
		if pid, ok := d.selectedPID(); ok {
			d.killPID = pid
		}
	case key.Is(terminal.F12):
		d.save()
	case key.Is(terminal.CtrlL):
		d.Resize()
	case key.Is(terminal.Up), key.Rune == 'k':
		d.moveSelection(-1)
	case key.Is(terminal.Down), key.Rune == 'j':
		d.moveSelection(1)
	case key.Is(terminal.Left), key.Rune == 'h':
		if d.hscroll > 0 {
			d.hscroll--
		}
	case key.Is(terminal.Right), key.Rune == 'l':
		d.hscroll++
	}
}

func (d *Dashboard) handleSetupKey(key terminal.Key) {
	switch {
	case key.Is(terminal.F2), key.Is(terminal.Escape), key.Is(terminal.Enter):
		d.setup = false
	case key.Rune == '1':
		d.opts.Fahrenheit = !d.opts.Fahrenheit
	case key.Rune == '2':
		d.opts.HidePlot = !d.opts.HidePlot
	case key.Rune == '3':
		d.opts.HideProcesses = !d.opts.HideProcesses
	case key.Rune == '4':
		d.opts.ShowInfoBar = !d.opts.ShowInfoBar
	case key.Rune == '5':
		d.opts.PlotLeftToRight = !d.opts.PlotLeftToRight
	case key.Rune == '6':
		d.opts.EscapeQuits = !d.opts.EscapeQuits
	case key.Is(terminal.Up), key.Rune == 'k':
		if d.setupDev > 0 {
			d.setupDev--
		}
	case key.Is(terminal.Down), key.Rune == 'j':
		if d.setupDev < len(d.opts.Devices)-1 {
			d.setupDev++
		}
	case key.Rune == ' ':
		if d.setupDev < len(d.opts.Devices) {
			choice := &d.opts.Devices[d.setupDev]
			choice.Monitored = !choice.Monitored
		}
	case key.Is(terminal.F12):
		d.save()
	}
}

func (d *Dashboard) confirmKill(key terminal.Key) {
	pid := d.killPID
	d.killPID = 0
	if !key.Is(terminal.Enter) {
		d.status = "Kill cancelled"
		return
	}
	if err := d.cfg.Kill(pid); err != nil {
		d.status = fmt.Sprintf("Failed to signal %d: %v", pid, err)
		return
	}
	d.status = fmt.Sprintf("Sent SIGTERM to %d", pid)
}

func (d *Dashboard) save() {
	if d.cfg.Save == nil {
		return
	}
	opts := d.opts
	opts.Devices = append([]DeviceChoice(nil), d.opts.Devices...)
	if err := d.cfg.Save(opts); err != nil {
		d.status = "Failed to save configuration: " + err.Error()
		return
	}
	d.status = "Configuration saved"
}

func (d *Dashboard) moveSelection(delta int) {
	d.selected += delta
	d.clampSelection()
}

func (d *Dashboard) clampSelection() {
	if d.selected >= len(d.rows) {
		d.selected = len(d.rows) - 1
	}
	if d.selected < 0 {
		d.selected = 0
	}
}

func (d *Dashboard) selectedPID() (int32, bool) {
	if d.selected < 0 || d.selected >= len(d.rows) {
		return 0, false
	}
	return d.rows[d.selected].proc.PID, true
}

// collectRows flattens and sorts the monitored devices' processes.
func (d *Dashboard) collectRows(snap *monitor.Snapshot) {
	d.rows = d.rows[:0]
	for _, dev := range snap.Devices {
		if !dev.Monitored {
			continue
		}
		for _, p := range dev.Processes {
			d.rows = append(d.rows, row{device: dev.Index, proc: p})
		}
	}

	less := d.lessFunc()
	sort.SliceStable(d.rows, func(i, j int) bool {
		if d.sortDesc {
			return less(d.rows[j], d.rows[i])
		}
		return less(d.rows[i], d.rows[j])
	})
	d.clampSelection()
}

func (d *Dashboard) lessFunc() func(a, b row) bool {
	switch d.sortField {
	case SortUser:
		return func(a, b row) bool { return a.proc.User < b.proc.User }
	case SortDevice:
		return func(a, b row) bool { return a.device < b.device }
	case SortType:
		return func(a, b row) bool { return a.proc.Type < b.proc.Type }
	case SortGPU:
		return func(a, b row) bool { return a.proc.GPUUsage.OrElse(0) < b.proc.GPUUsage.OrElse(0) }
	case SortEncode:
		return func(a, b row) bool { return a.proc.EncodeUsage.OrElse(0) < b.proc.EncodeUsage.OrElse(0) }
	case SortDecode:
		return func(a, b row) bool { return a.proc.DecodeUsage.OrElse(0) < b.proc.DecodeUsage.OrElse(0) }
	case SortMemory:
		return func(a, b row) bool { return a.proc.MemoryUsage.OrElse(0) < b.proc.MemoryUsage.OrElse(0) }
	case SortCommand:
		return func(a, b row) bool { return strings.ToLower(a.proc.Command) < strings.ToLower(b.proc.Command) }
	default:
		return func(a, b row) bool { return a.proc.PID < b.proc.PID }
	}
}

// encDecVisible reports whether the encoder/decoder gauges of dev show.
// They stay up for EncodeDecodeHide after the last non-zero rate.
func (d *Dashboard) encDecVisible(dev *gpu.Device, now time.Time) bool {
	if dev.Dynamic.EncoderRate.OrElse(0) > 0 || dev.Dynamic.DecoderRate.OrElse(0) > 0 {
		d.encDecSeen[dev.PDev] = now
	}
	if d.opts.EncodeDecodeHide <= 0 {
		return true
	}
	seen, ok := d.encDecSeen[dev.PDev]
	return ok && now.Sub(seen) < d.opts.EncodeDecodeHide
}
