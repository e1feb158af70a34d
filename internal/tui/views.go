package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mmcdole/biolink/internal/domain"
	"github.com/mmcdole/biolink/internal/profile"
	"github.com/mmcdole/biolink/internal/tui/styles"
)

const (
	defaultWidth = 80
	statsWidth   = 30
	barWidth     = 12
)

// View renders the dashboard
func (m *Model) View() string {
	width := m.width
	if width <= 0 {
		width = defaultWidth
	}

	var b strings.Builder
	b.WriteString(m.renderHeader(width))
	b.WriteString("\n")

	listWidth := width - statsWidth - 4
	if listWidth < 20 {
		listWidth = width - 2
		b.WriteString(m.renderLinks(listWidth))
		b.WriteString("\n")
		b.WriteString(m.renderStats())
	} else {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			styles.ActivePanelBorder.Width(listWidth).Render(m.renderLinks(listWidth-2)),
			styles.PanelBorder.Width(statsWidth).Render(m.renderStats()),
		))
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader(width int) string {
	p := m.profile
	title := styles.TitleStyle.Render(p.DisplayName) + " " + styles.SubtitleStyle.Render("@"+p.Username)

	badge := styles.BadgeStyle.Render("public")
	if !p.IsPublic {
		badge = styles.DimBadgeStyle.Render("private")
	}
	if m.deleted {
		badge = styles.ErrorStyle.Render("deleted")
	}

	sync := styles.OnlineDot + " online"
	if !m.stats.IsOnline {
		sync = styles.OfflineDot + " offline"
	}
	if m.stats.QueueSize > 0 {
		sync += styles.WarnStyle.Render(fmt.Sprintf(" %s%d queued", styles.PendingChar, m.stats.QueueSize))
	}
	if m.syncing {
		sync = m.spinner.View() + " syncing"
	}

	left := title + "  " + badge
	gap := width - lipgloss.Width(left) - lipgloss.Width(sync)
	if gap < 1 {
		gap = 1
	}
	header := left + strings.Repeat(" ", gap) + sync
	if p.Bio != "" {
		header += "\n" + styles.DimStyle.Render(styles.Truncate(p.Bio, width))
	}
	return header
}

func (m *Model) renderLinks(width int) string {
	var b strings.Builder

	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}

	if m.loading && m.links == nil {
		b.WriteString(m.spinner.View() + styles.DimStyle.Render(" Loading links..."))
		return b.String()
	}

	links := m.visible()
	if len(links) == 0 {
		if m.filteredIdx != nil {
			b.WriteString(styles.DimStyle.Render("no matches"))
		} else {
			b.WriteString(styles.DimStyle.Render("no links yet"))
		}
		return b.String()
	}

	clicks := m.clickCounts()
	for i, l := range links {
		b.WriteString(m.renderLinkRow(l, clicks[l.ID], i == m.cursor, width))
		if i < len(links)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m *Model) renderLinkRow(l domain.Link, clicks int, selected bool, width int) string {
	tag := fmt.Sprintf("[%s]", profile.SocialPlatform(l.URL))
	count := fmt.Sprintf("%d", clicks)
	titleWidth := width - len(tag) - len(count) - 6
	if titleWidth < 4 {
		titleWidth = 4
	}
	row := fmt.Sprintf("%-*s %s %s", titleWidth, styles.Truncate(l.Title, titleWidth), tag, count)

	switch {
	case selected:
		return styles.SelectedItemStyle.Render(row)
	case !l.IsActive:
		return styles.InactiveItemStyle.Render(row)
	default:
		return styles.NormalItemStyle.Render(row)
	}
}

func (m *Model) clickCounts() map[string]int {
	out := make(map[string]int)
	if m.analytics == nil {
		return out
	}
	for _, s := range m.analytics.TopLinks {
		out[s.Link.ID] = s.Clicks
	}
	return out
}

func (m *Model) renderStats() string {
	var b strings.Builder
	b.WriteString(styles.TitleStyle.Render("Analytics"))
	b.WriteString("\n")

	a := m.analytics
	if a == nil {
		b.WriteString(styles.DimStyle.Render("loading..."))
		return b.String()
	}

	fmt.Fprintf(&b, "%s %d\n", styles.SubtitleStyle.Render("views "), a.TotalViews)
	fmt.Fprintf(&b, "%s %d\n", styles.SubtitleStyle.Render("clicks"), a.TotalClicks)

	if len(a.TopLinks) > 0 && a.TopLinks[0].Clicks > 0 {
		b.WriteString("\n" + styles.AccentStyle.Render("Top links") + "\n")
		top := a.TopLinks[0].Clicks
		for _, s := range a.TopLinks {
			if s.Clicks == 0 {
				break
			}
			fmt.Fprintf(&b, "%s %s %d\n",
				styles.RenderBar(s.Clicks, top, barWidth),
				styles.Truncate(s.Link.Title, statsWidth-barWidth-6),
				s.Clicks)
		}
	}

	b.WriteString("\n" + styles.DimStyle.Render(fmt.Sprintf("cache %d  listeners %d", m.stats.CacheSize, m.stats.ListenerCount)))
	return b.String()
}

func (m *Model) renderFooter() string {
	if m.statusMsg != "" {
		if m.statusIsErr {
			return styles.ErrorStyle.Render(m.statusMsg)
		}
		return styles.SuccessStyle.Render(m.statusMsg)
	}
	return m.help.View(m.keys)
}
