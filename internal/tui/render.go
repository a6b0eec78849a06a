package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/shepherd-project/gpuwatch/internal/gpu"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/types"
)

// Process table column widths; COMMAND takes the rest.
const (
	colPID  = 7
	colUser = 10
	colDev  = 4
	colType = 16
	colPct  = 5
	colMem  = 9
)

// Render builds one frame for snap. Every line is cut to the screen width
// and the frame never exceeds the screen height.
func (d *Dashboard) Render(snap *monitor.Snapshot) string {
	if snap == nil {
		return d.fit([]string{d.styles.faint.Render("Waiting for the first sample...")})
	}
	now := d.clock.Now()

	if !d.freeze {
		d.collectRows(snap)
	}

	var lines []string
	for i := range snap.Devices {
		dev := &snap.Devices[i]
		if !dev.Monitored {
			continue
		}
		lines = append(lines, d.deviceLines(dev, now)...)
	}
	if d.setup {
		lines = append(lines, d.setupLines()...)
		return d.fit(append(lines, d.footer()))
	}
	if !d.opts.HidePlot && d.cfg.History != nil {
		lines = append(lines, d.plotLines(snap)...)
	}

	footer := []string{d.footer()}
	if msg := d.statusLine(); msg != "" {
		footer = append([]string{msg}, footer...)
	}
	if !d.opts.HideProcesses {
		room := d.height - len(lines) - len(footer)
		lines = append(lines, d.processLines(room)...)
	}
	// 进程表不足一屏时补空行，让页脚贴底
	for len(lines)+len(footer) < d.height {
		lines = append(lines, "")
	}
	return d.fit(append(lines, footer...))
}

// fit truncates lines to the screen.
func (d *Dashboard) fit(lines []string) string {
	if len(lines) > d.height {
		lines = lines[:d.height]
	}
	for i, line := range lines {
		lines[i] = ansi.Truncate(line, d.width, "")
	}
	return strings.Join(lines, "\n")
}

func (d *Dashboard) deviceLines(dev *gpu.Device, now time.Time) []string {
	s := d.styles
	dyn := dev.Dynamic

	name := dev.Static.Name
	if name == "" {
		name = notAvailable
	}
	lines := []string{
		s.header.Render(fmt.Sprintf("Device %d [%s]", dev.Index, name)) +
			s.faint.Render(fmt.Sprintf(" %s %s", dev.Vendor, dev.PDev)),
		fmt.Sprintf(" GPU %s  TEMP %s  FAN %s  POW %s",
			padRight(optUnit(dyn.GPUClockMHz, "MHz"), 8),
			padRight(formatTemperature(dyn.TemperatureC, d.opts.Fahrenheit), 6),
			padRight(optUnit(dyn.FanRPM, "RPM"), 8),
			formatPower(dyn.PowerDrawMilliwatt)),
	}
	if d.opts.ShowInfoBar {
		lines = append(lines, s.faint.Render(d.infoBar(dev)))
	}

	half := (d.width - 2) / 2
	lines = append(lines,
		d.gauge("GPU", half, dyn.GPUUtilRate, optUnit(dyn.GPUUtilRate, "%"))+" "+
			d.gauge("MEM", half, dyn.MemUtilRate, memLabel(dyn)))
	if d.encDecVisible(dev, now) {
		lines = append(lines,
			d.gauge("ENC", half, dyn.EncoderRate, optUnit(dyn.EncoderRate, "%"))+" "+
				d.gauge("DEC", half, dyn.DecoderRate, optUnit(dyn.DecoderRate, "%")))
	}
	return lines
}

func (d *Dashboard) infoBar(dev *gpu.Device) string {
	kind := "Discrete"
	if dev.Static.IntegratedGraphics {
		kind = "Integrated"
	}
	driver := dev.Static.Driver
	if driver == "" {
		driver = notAvailable
	}
	query := "no"
	if dev.Static.HasMemoryQuery {
		query = "yes"
	}
	return fmt.Sprintf(" Driver %s | %s | memory query: %s | %d processes",
		driver, kind, query, len(dev.Processes))
}

func memLabel(dyn gpu.DynamicInfo) string {
	total, ok := dyn.TotalMemory.Get()
	if !ok {
		return notAvailable
	}
	return optBytes(dyn.UsedMemory) + "/" + formatBytes(total)
}

// gauge renders "NAME[|||||   label]" in width cells.
func (d *Dashboard) gauge(name string, width int, pct types.Optional[uint32], label string) string {
	v := pct.OrElse(0)
	fill, rest := bar(width-len(name), v, label)
	return d.styles.helpKey.Render(name) + "[" +
		d.styles.load(v).Render(fill) + d.styles.normal.Render(rest) + "]"
}

func (d *Dashboard) plotLines(snap *monitor.Snapshot) []string {
	var lines []string
	width := d.width - 10
	for _, dev := range snap.Devices {
		if !dev.Monitored {
			continue
		}
		series, ok := d.cfg.History.Series(dev.PDev)
		if !ok {
			continue
		}
		gpuVals := make([]types.Optional[uint32], len(series))
		memVals := make([]types.Optional[uint32], len(series))
		for i, sample := range series {
			gpuVals[i] = sample.GPUUtil
			memVals[i] = sample.MemUtil
		}
		lines = append(lines,
			fmt.Sprintf("%d GPU%%   ", dev.Index)+
				d.styles.plot.Render(sparkline(gpuVals, width, d.opts.PlotLeftToRight)),
			fmt.Sprintf("%d MEM%%   ", dev.Index)+
				d.styles.plot.Render(sparkline(memVals, width, d.opts.PlotLeftToRight)))
	}
	return lines
}

func (d *Dashboard) processLines(room int) []string {
	if room < 2 {
		return nil
	}
	lines := []string{d.styles.header.Render(d.tableHeader())}
	rows := room - 1

	// 滚动使选中行可见
	start := 0
	if d.selected >= rows {
		start = d.selected - rows + 1
	}
	for i := start; i < len(d.rows) && i < start+rows; i++ {
		line := d.processLine(d.rows[i])
		if i == d.selected {
			line = d.styles.selected.Render(padRight(line, d.width))
		}
		lines = append(lines, line)
	}
	return lines
}

func (d *Dashboard) tableHeader() string {
	cols := []struct {
		field SortField
		width int
		left  bool
	}{
		{SortPID, colPID, false},
		{SortUser, colUser, true},
		{SortDevice, colDev, false},
		{SortType, colType, true},
		{SortGPU, colPct, false},
		{SortEncode, colPct, false},
		{SortDecode, colPct, false},
		{SortMemory, colMem, false},
	}
	var b strings.Builder
	for _, c := range cols {
		name := c.field.String()
		if c.field == d.sortField {
			name = d.sortMarker() + name
		}
		if c.left {
			b.WriteString(padRight(name, c.width))
		} else {
			b.WriteString(padLeft(name, c.width))
		}
		b.WriteByte(' ')
	}
	b.WriteString(padLeft("MEM%", colPct))
	b.WriteByte(' ')
	cmd := SortCommand.String()
	if d.sortField == SortCommand {
		cmd = d.sortMarker() + cmd
	}
	b.WriteString(cmd)
	return b.String()
}

func (d *Dashboard) sortMarker() string {
	if d.sortDesc {
		return "▼"
	}
	return "▲"
}

func (d *Dashboard) processLine(r row) string {
	p := r.proc
	user := p.User
	if user == "" {
		user = notAvailable
	}
	cmd := []rune(p.Command)
	if d.hscroll < len(cmd) {
		cmd = cmd[d.hscroll:]
	} else {
		cmd = nil
	}
	return strings.Join([]string{
		padLeft(fmt.Sprint(p.PID), colPID),
		padRight(user, colUser),
		padLeft(fmt.Sprint(r.device), colDev),
		padRight(p.Type.String(), colType),
		padLeft(optUnit(p.GPUUsage, "%"), colPct),
		padLeft(optUnit(p.EncodeUsage, "%"), colPct),
		padLeft(optUnit(p.DecodeUsage, "%"), colPct),
		padLeft(optBytes(p.MemoryUsage), colMem),
		padLeft(optUnit(p.MemoryPercent, "%"), colPct),
		string(cmd),
	}, " ")
}

func (d *Dashboard) statusLine() string {
	if d.killPID != 0 {
		return d.styles.warning.Render(fmt.Sprintf("Send SIGTERM to %d? Enter to confirm, any other key to cancel", d.killPID))
	}
	if d.status != "" {
		return d.styles.warning.Render(d.status)
	}
	if d.freeze {
		return d.styles.warning.Render("Process list frozen (F5 to resume)")
	}
	return ""
}

func (d *Dashboard) setupLines() []string {
	s := d.styles
	check := func(on bool) string {
		if on {
			return "[x]"
		}
		return "[ ]"
	}
	lines := []string{
		"",
		s.header.Render("Setup"),
		fmt.Sprintf(" %s %s Temperature in Fahrenheit", s.helpKey.Render("1"), check(d.opts.Fahrenheit)),
		fmt.Sprintf(" %s %s Hide plot", s.helpKey.Render("2"), check(d.opts.HidePlot)),
		fmt.Sprintf(" %s %s Hide processes", s.helpKey.Render("3"), check(d.opts.HideProcesses)),
		fmt.Sprintf(" %s %s Show GPU info bar", s.helpKey.Render("4"), check(d.opts.ShowInfoBar)),
		fmt.Sprintf(" %s %s Plot newest on the left", s.helpKey.Render("5"), check(d.opts.PlotLeftToRight)),
		fmt.Sprintf(" %s %s Esc and F10 quit", s.helpKey.Render("6"), check(d.opts.EscapeQuits)),
	}
	if len(d.opts.Devices) > 0 {
		lines = append(lines, s.faint.Render(" Monitored devices (Up/Down select, Space toggle, applied at next start)"))
		for i, dev := range d.opts.Devices {
			cursor := "  "
			if i == d.setupDev {
				cursor = s.helpKey.Render(" >")
			}
			lines = append(lines, fmt.Sprintf("%s %s %s %s", cursor, check(dev.Monitored), dev.PDev, dev.Name))
		}
	}
	return append(lines, s.faint.Render(" F12 save, F2/Enter close"))
}

func (d *Dashboard) footer() string {
	s := d.styles
	quit := "q"
	if d.opts.EscapeQuits {
		quit = "F10"
	}
	keys := []struct{ key, label string }{
		{"F2", "Setup"},
		{"F5", "Freeze"},
		{"F6", "Sort"},
		{"F9", "Kill"},
		{quit, "Quit"},
		{"F12", "Save"},
	}
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(s.helpKey.Render(k.key))
		b.WriteString(s.faint.Render(k.label))
		b.WriteByte(' ')
	}
	return strings.TrimRight(b.String(), " ")
}
