package tui

import (
	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
)

// Message types for the TUI

// ErrMsg represents an error
type ErrMsg struct {
	Err     error
	Context string
}

// Error implements the error interface
func (e ErrMsg) Error() string {
	if e.Context != "" {
		return e.Context + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// ProfileUpdatedMsg carries a pushed profile state. Profile is nil when
// the profile was deleted.
type ProfileUpdatedMsg struct {
	Profile *domain.Profile
	Local   bool
}

// LinksLoadedMsg signals that the profile's links have been loaded
type LinksLoadedMsg struct {
	Links []domain.Link
}

// AnalyticsLoadedMsg signals that view and click totals have been loaded
type AnalyticsLoadedMsg struct {
	Analytics *domain.ProfileAnalytics
}

// ClickTrackedMsg signals that a click was recorded locally
type ClickTrackedMsg struct {
	LinkID string
}

// LinkUpdatedMsg signals a local link edit
type LinkUpdatedMsg struct {
	Link *domain.Link
}

// SyncedMsg signals the end of a manual flush
type SyncedMsg struct {
	Result datasync.DrainResult
	Err    error
}

// StatsMsg carries a periodic sync manager snapshot
type StatsMsg struct {
	Stats datasync.Stats
}

// ClearStatusMsg clears the status bar message
type ClearStatusMsg struct{}

// StatusMsg sets a temporary status message
type StatusMsg struct {
	Message string
	IsError bool
}
