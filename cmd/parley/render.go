package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/teslashibe/go-parley/pkg/conversation"
)

type styles struct {
	status lipgloss.Style
	model  lipgloss.Style
	label  lipgloss.Style
	dim    lipgloss.Style
	err    lipgloss.Style
}

func newStyles() styles {
	return styles{
		status: lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		model:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00ff9f")),
		label:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")).Italic(true),
		err:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f")),
	}
}

// renderer prints conversation events to a terminal.
type renderer struct {
	mu     sync.Mutex
	w      io.Writer
	styles styles
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w, styles: newStyles()}
}

func (r *renderer) line(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, s)
}

// Event renders one engine event.
func (r *renderer) Event(ev conversation.Event) {
	s := r.styles
	switch ev.Type {
	case conversation.EventSettingUp:
		r.line(s.status.Render("connecting..."))
	case conversation.EventReady:
		r.line(s.status.Render("ready"))
	case conversation.EventListening:
		r.line(s.status.Render("listening"))
	case conversation.EventUserSpeaking:
		r.line(s.dim.Render("(you are speaking)"))
	case conversation.EventAIResponseProcessing:
		r.line(s.dim.Render("thinking..."))
	case conversation.EventAIResponseReady:
		text := ev.Transcript
		if text == "" {
			text = ev.Text
		}
		if text != "" {
			r.line(s.label.Render("model") + " " + s.model.Render(text))
		}
	case conversation.EventWaitingForUser:
		r.line(s.status.Render("your turn"))
	case conversation.EventError:
		r.line(s.err.Render(string(ev.Kind)) + " " + ev.Message)
	case conversation.EventEnded:
		r.line(s.status.Render("conversation ended"))
	}
}

// Latency prints one turn's latency summary.
func (r *renderer) Latency(tm conversation.TurnMetrics) {
	r.line(r.styles.dim.Render(tm.FormatLatency()))
}

// Notice prints an informational line.
func (r *renderer) Notice(msg string) {
	r.line(r.styles.status.Render(msg))
}
