package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/biolink/internal/domain"
)

// ProfileObserver adapts profile watch callbacks to a channel for Bubble Tea.
type ProfileObserver struct {
	ch chan ProfileUpdatedMsg
}

// NewProfileObserver creates a new channel-based observer.
func NewProfileObserver(size int) *ProfileObserver {
	return &ProfileObserver{ch: make(chan ProfileUpdatedMsg, size)}
}

// OnProfile sends the update to the channel (non-blocking if full).
func (o *ProfileObserver) OnProfile(p *domain.Profile, local bool) {
	select {
	case o.ch <- ProfileUpdatedMsg{Profile: p, Local: local}:
	default: // Non-blocking if channel full
	}
}

// Wait returns a command that delivers the next update
func (o *ProfileObserver) Wait() tea.Cmd {
	return func() tea.Msg {
		return <-o.ch
	}
}
