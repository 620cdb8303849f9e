package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
)

// ColorTheme defines the colors used for each kind of message
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkColorTheme returns a color theme optimized for dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// ColorSystem applies colors when the output supports them
type ColorSystem struct {
	enabled  bool
	colorMap map[Color]*color.Color
}

// NewColorSystem creates a color system for w. Colors are used only when
// enabled is set and w is a color capable terminal.
func NewColorSystem(w io.Writer, enabled bool) *ColorSystem {
	cs := &ColorSystem{
		enabled: enabled && detectColorSupport(w),
		colorMap: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
		},
	}
	for _, c := range cs.colorMap {
		if cs.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

func detectColorSupport(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	// honors NO_COLOR, CLICOLOR and TERM=dumb
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Colorize applies clr to text if colors are enabled
func (cs *ColorSystem) Colorize(text string, clr Color) string {
	if !cs.enabled {
		return text
	}
	if c, ok := cs.colorMap[clr]; ok {
		return c.Sprint(text)
	}
	return text
}

// Sprintf formats text with color using format string
func (cs *ColorSystem) Sprintf(clr Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), clr)
}

// Enabled reports whether colors are applied
func (cs *ColorSystem) Enabled() bool {
	return cs.enabled
}

// StatusColor picks the theme color for a backup, restore or schedule status
func StatusColor(theme ColorTheme, status string) Color {
	switch status {
	case "completed", "active", "rolled_back":
		return theme.Success
	case "failed", "expired", "retired":
		return theme.Error
	case "processing", "pending", "awaiting_confirmation", "awaiting_resolution", "paused":
		return theme.Warning
	case "deleted", "superseded", "rotated":
		return theme.Muted
	default:
		return theme.Info
	}
}
