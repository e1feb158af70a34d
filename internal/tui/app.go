// Package tui is the terminal dashboard for one bio-link profile: its
// links, click counts and sync state, updated live from the sync manager.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mmcdole/biolink/internal/datasync"
	"github.com/mmcdole/biolink/internal/domain"
	"github.com/mmcdole/biolink/internal/profile"
	"github.com/mmcdole/biolink/internal/tui/styles"
)

const (
	statsInterval = time.Second
	statusTimeout = 3 * time.Second
)

// ProfileService is the part of profile.Service the dashboard drives
type ProfileService interface {
	GetLinks(ctx context.Context, profileID string) ([]domain.Link, error)
	GetAnalytics(ctx context.Context, profileID string) (*domain.ProfileAnalytics, error)
	TrackLinkClick(ctx context.Context, linkID, profileID string) error
	UpdateLink(ctx context.Context, id string, upd profile.LinkUpdate) (*domain.Link, error)
	WatchProfile(id string, fn func(p *domain.Profile, local bool)) (stop func())
}

// Syncer exposes the sync manager's flush and stats
type Syncer interface {
	Flush(ctx context.Context) (datasync.DrainResult, error)
	Stats() datasync.Stats
}

// Model is the main Bubble Tea model for the dashboard
type Model struct {
	// Services
	svc    ProfileService
	syncer Syncer

	// UI Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	filter  textinput.Model

	// Data
	profile   *domain.Profile
	links     []domain.Link
	analytics *domain.ProfileAnalytics
	stats     datasync.Stats

	// Live profile updates
	observer  *ProfileObserver
	stopWatch func()

	// UI state
	cursor      int
	filtering   bool
	filteredIdx []int // indices into links; nil shows everything
	loading     bool
	syncing     bool
	showHelp    bool
	deleted     bool
	statusMsg   string
	statusIsErr bool
	width       int
	height      int
}

// NewModel creates the dashboard for p and starts watching it. Call Stop
// when the program exits.
func NewModel(svc ProfileService, syncer Syncer, p *domain.Profile) *Model {
	ti := textinput.New()
	ti.Placeholder = "type to filter..."
	ti.Prompt = "/ "
	ti.PromptStyle = styles.FilterPromptStyle
	ti.TextStyle = styles.FilterStyle

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.SpinnerStyle

	m := &Model{
		svc:      svc,
		syncer:   syncer,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		filter:   ti,
		profile:  p,
		observer: NewProfileObserver(16),
		loading:  true,
		stats:    syncer.Stats(),
	}
	m.stopWatch = svc.WatchProfile(p.ID, m.observer.OnProfile)
	return m
}

// Stop ends the live profile subscription
func (m *Model) Stop() {
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
}

// Init loads links and analytics and starts the background ticks
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		LoadLinksCmd(m.svc, m.profile.ID),
		LoadAnalyticsCmd(m.svc, m.profile.ID),
		StatsTickCmd(m.syncer, statsInterval),
		m.observer.Wait(),
	)
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case ProfileUpdatedMsg:
		if msg.Profile == nil {
			m.deleted = true
		} else {
			m.profile = msg.Profile
			m.deleted = false
		}
		return m, m.observer.Wait()

	case LinksLoadedMsg:
		m.loading = false
		m.links = msg.Links
		m.reapplyFilter()
		return m, nil

	case AnalyticsLoadedMsg:
		m.analytics = msg.Analytics
		return m, nil

	case ClickTrackedMsg:
		m.stats = m.syncer.Stats()
		return m, tea.Batch(
			m.setStatus("click recorded", false),
			LoadAnalyticsCmd(m.svc, m.profile.ID),
		)

	case LinkUpdatedMsg:
		for i := range m.links {
			if m.links[i].ID == msg.Link.ID {
				m.links[i] = *msg.Link
			}
		}
		m.stats = m.syncer.Stats()
		return m, nil

	case SyncedMsg:
		m.syncing = false
		m.stats = m.syncer.Stats()
		if msg.Err != nil {
			return m, m.setStatus("sync failed: "+msg.Err.Error(), true)
		}
		return m, tea.Batch(
			m.setStatus(fmt.Sprintf("synced %d, %d waiting", msg.Result.Sent, msg.Result.Requeued+msg.Result.Deferred), false),
			LoadLinksCmd(m.svc, m.profile.ID),
			LoadAnalyticsCmd(m.svc, m.profile.ID),
		)

	case StatsMsg:
		m.stats = msg.Stats
		return m, StatsTickCmd(m.syncer, statsInterval)

	case ErrMsg:
		m.loading = false
		return m, m.setStatus(msg.Error(), true)

	case StatusMsg:
		return m, m.setStatus(msg.Message, msg.IsError)

	case ClearStatusMsg:
		m.statusMsg = ""
		m.statusIsErr = false
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.filtering {
		return m.handleFilterKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp

	case key.Matches(msg, m.keys.Escape):
		m.clearFilter()

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.visible())-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Top):
		m.cursor = 0

	case key.Matches(msg, m.keys.Bottom):
		if n := len(m.visible()); n > 0 {
			m.cursor = n - 1
		}

	case key.Matches(msg, m.keys.Filter):
		m.filtering = true
		m.filter.Focus()
		return m, textinput.Blink

	case key.Matches(msg, m.keys.Open):
		if l, ok := m.selected(); ok {
			return m, TrackClickCmd(m.svc, l.ID, m.profile.ID)
		}

	case key.Matches(msg, m.keys.ToggleActive):
		if l, ok := m.selected(); ok {
			return m, ToggleLinkCmd(m.svc, l.ID, !l.IsActive)
		}

	case key.Matches(msg, m.keys.Refresh):
		m.loading = true
		return m, tea.Batch(
			LoadLinksCmd(m.svc, m.profile.ID),
			LoadAnalyticsCmd(m.svc, m.profile.ID),
		)

	case key.Matches(msg, m.keys.Sync):
		if !m.syncing {
			m.syncing = true
			return m, FlushCmd(m.syncer)
		}
	}
	return m, nil
}

func (m *Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.clearFilter()
		return m, nil
	case "enter":
		// Keep the results, leave typing mode
		m.filtering = false
		m.filter.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.reapplyFilter()
	m.cursor = 0
	return m, cmd
}

func (m *Model) clearFilter() {
	m.filtering = false
	m.filter.SetValue("")
	m.filter.Blur()
	m.filteredIdx = nil
	m.cursor = 0
}

func (m *Model) reapplyFilter() {
	if m.filter.Value() == "" {
		m.filteredIdx = nil
	} else {
		m.filteredIdx = filterLinks(m.filter.Value(), m.links)
	}
	if n := len(m.visible()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

// visible returns the links shown, in display order
func (m *Model) visible() []domain.Link {
	if m.filteredIdx == nil {
		return m.links
	}
	out := make([]domain.Link, len(m.filteredIdx))
	for i, idx := range m.filteredIdx {
		out[i] = m.links[idx]
	}
	return out
}

func (m *Model) selected() (domain.Link, bool) {
	links := m.visible()
	if m.cursor < 0 || m.cursor >= len(links) {
		return domain.Link{}, false
	}
	return links[m.cursor], true
}

func (m *Model) setStatus(text string, isErr bool) tea.Cmd {
	m.statusMsg = text
	m.statusIsErr = isErr
	return ClearStatusCmd(statusTimeout)
}
