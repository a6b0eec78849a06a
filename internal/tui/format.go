package tui

import (
	"fmt"
	"strings"

	"github.com/shepherd-project/gpuwatch/internal/types"
)

const notAvailable = "N/A"

// formatBytes renders a byte count with a binary unit, e.g. "1.5Gi".
func formatBytes(v uint64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%dB", v)
	}
	suffixes := []string{"Ki", "Mi", "Gi", "Ti", "Pi"}
	value := float64(v) / unit
	i := 0
	for value >= unit && i < len(suffixes)-1 {
		value /= unit
		i++
	}
	return fmt.Sprintf("%.1f%s", value, suffixes[i])
}

func optBytes(o types.Optional[uint64]) string {
	if v, ok := o.Get(); ok {
		return formatBytes(v)
	}
	return notAvailable
}

func optUnit(o types.Optional[uint32], unit string) string {
	if v, ok := o.Get(); ok {
		return fmt.Sprintf("%d%s", v, unit)
	}
	return notAvailable
}

// formatTemperature renders Celsius, or Fahrenheit when asked.
func formatTemperature(o types.Optional[uint32], fahrenheit bool) string {
	c, ok := o.Get()
	if !ok {
		return notAvailable
	}
	if fahrenheit {
		return fmt.Sprintf("%d°F", c*9/5+32)
	}
	return fmt.Sprintf("%d°C", c)
}

func formatPower(o types.Optional[uint32]) string {
	mw, ok := o.Get()
	if !ok {
		return notAvailable
	}
	return fmt.Sprintf("%dW", mw/1000)
}

// bar draws a fixed-width gauge "[|||||     label]". The label sits
// right-aligned inside the brackets.
func bar(width int, pct uint32, label string) (fill, rest string) {
	inner := width - 2
	if inner < 1 {
		return "", "[" + label + "]"
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct) * inner / 100

	cells := []rune(strings.Repeat(" ", inner))
	for i := 0; i < filled; i++ {
		cells[i] = '|'
	}
	lr := []rune(label)
	if len(lr) <= inner {
		copy(cells[inner-len(lr):], lr)
	}
	return string(cells[:filled]), string(cells[filled:])
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// sparkline draws one cell per value, oldest first. Absent values draw
// as a blank cell. When newestLeft is set the order is reversed.
func sparkline(values []types.Optional[uint32], width int, newestLeft bool) string {
	if width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}

	cells := make([]rune, 0, width)
	for _, o := range values {
		v, ok := o.Get()
		if !ok {
			cells = append(cells, ' ')
			continue
		}
		if v > 100 {
			v = 100
		}
		cells = append(cells, sparkLevels[int(v)*(len(sparkLevels)-1)/100])
	}
	pad := strings.Repeat(" ", width-len(cells))

	if newestLeft {
		for i, j := 0, len(cells)-1; i < j; i, j = i+1, j-1 {
			cells[i], cells[j] = cells[j], cells[i]
		}
		return string(cells) + pad
	}
	return pad + string(cells)
}

// padRight pads or truncates s to exactly width cells.
func padRight(s string, width int) string {
	r := []rune(s)
	if len(r) > width {
		return string(r[:width])
	}
	return s + strings.Repeat(" ", width-len(r))
}

func padLeft(s string, width int) string {
	r := []rune(s)
	if len(r) > width {
		return string(r[:width])
	}
	return strings.Repeat(" ", width-len(r)) + s
}
