package console

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/rickgao/fleetsync/internal/notify"
)

// Palette
var (
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#eab308")
	colorDanger  = lipgloss.Color("#ef4444")
	colorInfo    = lipgloss.Color("#3b82f6")
	colorDimmed  = lipgloss.Color("#6b7280")
)

// Styles holds every style the console uses.
type Styles struct {
	Time    lipgloss.Style
	Info    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Header  lipgloss.Style
	Banner  lipgloss.Style
}

// NewStyles builds styles bound to w's color profile.
func NewStyles(w io.Writer) Styles {
	r := lipgloss.NewRenderer(w)
	return Styles{
		Time:    r.NewStyle().Foreground(colorDimmed),
		Info:    r.NewStyle().Foreground(colorInfo),
		Success: r.NewStyle().Foreground(colorHealthy),
		Warning: r.NewStyle().Foreground(colorWarning),
		Error:   r.NewStyle().Foreground(colorDanger).Bold(true),
		Dim:     r.NewStyle().Foreground(colorDimmed),
		Header:  r.NewStyle().Bold(true),
		Banner:  r.NewStyle().Foreground(colorWarning).Bold(true),
	}
}

// ForKind returns the style and marker for a notification kind.
func (s Styles) ForKind(k notify.Kind) (lipgloss.Style, string) {
	switch k {
	case notify.KindSuccess:
		return s.Success, "✓"
	case notify.KindWarning:
		return s.Warning, "!"
	case notify.KindError:
		return s.Error, "✗"
	default:
		return s.Info, "•"
	}
}
