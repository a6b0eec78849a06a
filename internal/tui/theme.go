package tui

import "github.com/charmbracelet/lipgloss"

// Theme is the dashboard palette, in ANSI 256-color codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color
	Header     lipgloss.Color
	Border     lipgloss.Color
	HelpKey    lipgloss.Color

	SelectedBackground lipgloss.Color
	SelectedForeground lipgloss.Color

	// Gauge fill by load: below 50%, below 80%, above.
	GaugeLow  lipgloss.Color
	GaugeMid  lipgloss.Color
	GaugeHigh lipgloss.Color

	Plot    lipgloss.Color
	Warning lipgloss.Color
}

// DefaultTheme is the dark-terminal palette.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),
	Header:     lipgloss.Color("75"),
	Border:     lipgloss.Color("240"),
	HelpKey:    lipgloss.Color("220"),

	SelectedBackground: lipgloss.Color("236"),
	SelectedForeground: lipgloss.Color("255"),

	GaugeLow:  lipgloss.Color("114"), // green
	GaugeMid:  lipgloss.Color("220"), // amber
	GaugeHigh: lipgloss.Color("196"), // red

	Plot:    lipgloss.Color("141"),
	Warning: lipgloss.Color("208"),
}

// styles are the theme resolved into lipgloss styles. Without color only
// bold and reverse video remain.
type styles struct {
	normal   lipgloss.Style
	faint    lipgloss.Style
	header   lipgloss.Style
	border   lipgloss.Style
	helpKey  lipgloss.Style
	selected lipgloss.Style
	low      lipgloss.Style
	mid      lipgloss.Style
	high     lipgloss.Style
	plot     lipgloss.Style
	warning  lipgloss.Style
}

func newStyles(theme Theme, color bool) styles {
	base := lipgloss.NewStyle()
	if !color {
		return styles{
			normal:   base,
			faint:    base,
			header:   base.Bold(true),
			border:   base,
			helpKey:  base.Bold(true),
			selected: base.Reverse(true),
			low:      base,
			mid:      base,
			high:     base.Bold(true),
			plot:     base,
			warning:  base.Bold(true),
		}
	}
	return styles{
		normal:   base.Foreground(theme.NormalText),
		faint:    base.Foreground(theme.FaintText),
		header:   base.Foreground(theme.Header).Bold(true),
		border:   base.Foreground(theme.Border),
		helpKey:  base.Foreground(theme.HelpKey).Bold(true),
		selected: base.Foreground(theme.SelectedForeground).Background(theme.SelectedBackground),
		low:      base.Foreground(theme.GaugeLow),
		mid:      base.Foreground(theme.GaugeMid),
		high:     base.Foreground(theme.GaugeHigh),
		plot:     base.Foreground(theme.Plot),
		warning:  base.Foreground(theme.Warning).Bold(true),
	}
}

// load picks the gauge style for a percentage.
func (s styles) load(pct uint32) lipgloss.Style {
	switch {
	case pct >= 80:
		return s.high
	case pct >= 50:
		return s.mid
	default:
		return s.low
	}
}
