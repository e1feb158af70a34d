package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/biolink/internal/profile"
)

const commandTimeout = 15 * time.Second

// LoadLinksCmd loads every link of a profile
func LoadLinksCmd(svc ProfileService, profileID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		links, err := svc.GetLinks(ctx, profileID)
		if err != nil {
			return ErrMsg{Err: err, Context: "loading links"}
		}
		return LinksLoadedMsg{Links: links}
	}
}

// LoadAnalyticsCmd loads view and click totals
func LoadAnalyticsCmd(svc ProfileService, profileID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		stats, err := svc.GetAnalytics(ctx, profileID)
		if err != nil {
			return ErrMsg{Err: err, Context: "loading analytics"}
		}
		return AnalyticsLoadedMsg{Analytics: stats}
	}
}

// TrackClickCmd records one click on a link
func TrackClickCmd(svc ProfileService, linkID, profileID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := svc.TrackLinkClick(ctx, linkID, profileID); err != nil {
			return ErrMsg{Err: err, Context: "recording click"}
		}
		return ClickTrackedMsg{LinkID: linkID}
	}
}

// ToggleLinkCmd shows or hides a link on the public page
func ToggleLinkCmd(svc ProfileService, linkID string, active bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		link, err := svc.UpdateLink(ctx, linkID, profile.LinkUpdate{IsActive: &active})
		if err != nil {
			return ErrMsg{Err: err, Context: "updating link"}
		}
		return LinkUpdatedMsg{Link: link}
	}
}

// FlushCmd pushes queued writes now
func FlushCmd(syncer Syncer) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		result, err := syncer.Flush(ctx)
		return SyncedMsg{Result: result, Err: err}
	}
}

// StatsTickCmd samples sync manager stats after a delay
func StatsTickCmd(syncer Syncer, delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return StatsMsg{Stats: syncer.Stats()}
	})
}

// ClearStatusCmd returns a command that clears status after a delay
func ClearStatusCmd(delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(t time.Time) tea.Msg {
		return ClearStatusMsg{}
	})
}
