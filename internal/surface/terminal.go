package surface

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/livesight/internal/voice"
)

var _ voice.Observer = (*Terminal)(nil)

const (
	colorPrimary = "#7C3AED"
	colorSuccess = "#10B981"
	colorWarning = "#F59E0B"
	colorError   = "#EF4444"
	colorMuted   = "#6B7280"
)

// Terminal prints a one-line status to w whenever it changes.
type Terminal struct {
	w io.Writer

	name  lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	faint lipgloss.Style

	mu   sync.Mutex
	last string
	who  string
}

// NewTerminal returns a terminal surface for the named assistant. Colors
// are used only when w is a terminal.
func NewTerminal(w io.Writer, assistant string) *Terminal {
	r := lipgloss.NewRenderer(w)
	return &Terminal{
		w:     w,
		who:   assistant,
		name:  r.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPrimary)),
		ok:    r.NewStyle().Foreground(lipgloss.Color(colorSuccess)),
		warn:  r.NewStyle().Foreground(lipgloss.Color(colorWarning)),
		bad:   r.NewStyle().Bold(true).Foreground(lipgloss.Color(colorError)),
		faint: r.NewStyle().Foreground(lipgloss.Color(colorMuted)).Italic(true),
	}
}

// OnState implements [voice.Observer].
func (t *Terminal) OnState(s voice.Snapshot) {
	line := t.Render(s)

	t.mu.Lock()
	defer t.mu.Unlock()
	if line == t.last {
		return
	}
	t.last = line
	fmt.Fprintln(t.w, line)
}

// Render formats s as a status line.
func (t *Terminal) Render(s voice.Snapshot) string {
	parts := []string{t.name.Render(t.who), t.phase(s)}

	if s.Phase == voice.PhaseOpen {
		parts = append(parts, string(s.Expression))
		if s.Muted {
			parts = append(parts, t.warn.Render("muted"))
		} else if s.Listening {
			parts = append(parts, t.ok.Render("mic on"))
		}
		if s.ScreenSharing {
			parts = append(parts, t.ok.Render("sharing screen"))
		}
	}
	if s.ShareError != "" {
		parts = append(parts, t.warn.Render(s.ShareError))
	}
	if s.Error != "" {
		parts = append(parts, t.bad.Render(s.Error))
	}
	return strings.Join(parts, "  •  ")
}

func (t *Terminal) phase(s voice.Snapshot) string {
	switch s.Phase {
	case voice.PhaseOpen:
		return t.ok.Render(s.Phase.String())
	case voice.PhaseError:
		return t.bad.Render(s.Phase.String())
	default:
		return t.faint.Render(s.Phase.String())
	}
}

// Help returns the key bindings line.
func (t *Terminal) Help() string {
	return t.faint.Render("m: mute  •  s: screen share  •  q: quit")
}
