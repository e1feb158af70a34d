package styles

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	Violet     = lipgloss.Color("#8B5CF6")
	SlateDark  = lipgloss.Color("#1F2937")
	SlateLight = lipgloss.Color("#374151")
	DimGray    = lipgloss.Color("#6B7280")
	LightGray  = lipgloss.Color("#9CA3AF")
	White      = lipgloss.Color("#F9FAFB")
	Green      = lipgloss.Color("#10B981")
	Red        = lipgloss.Color("#EF4444")
	Amber      = lipgloss.Color("#F59E0B")
)

// Borders
var (
	PanelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(DimGray).
			Padding(0, 1)

	ActivePanelBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(Violet).
				Padding(0, 1)
)

// Text styles
var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	DimStyle = lipgloss.NewStyle().
			Foreground(DimGray)

	AccentStyle = lipgloss.NewStyle().
			Foreground(Violet)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Green)

	WarnStyle = lipgloss.NewStyle().
			Foreground(Amber)
)

// Sync indicators
const (
	OnlineChar  = "●"
	OfflineChar = "○"
	PendingChar = "↑"
)

var (
	OnlineDot  = SuccessStyle.Render(OnlineChar)
	OfflineDot = WarnStyle.Render(OfflineChar)
)

// List item styles
var (
	SelectedItemStyle = lipgloss.NewStyle().
				Foreground(White).
				Background(SlateLight).
				Padding(0, 1)

	NormalItemStyle = lipgloss.NewStyle().
			Foreground(LightGray).
			Padding(0, 1)

	InactiveItemStyle = lipgloss.NewStyle().
				Foreground(DimGray).
				Strikethrough(true).
				Padding(0, 1)
)

// Help styles
var (
	HelpKeyStyle = lipgloss.NewStyle().
			Foreground(Violet)

	HelpDescStyle = lipgloss.NewStyle().
			Foreground(DimGray)
)

// Badge styles
var (
	BadgeStyle = lipgloss.NewStyle().
			Foreground(White).
			Background(Violet).
			Padding(0, 1)

	DimBadgeStyle = lipgloss.NewStyle().
			Foreground(LightGray).
			Background(SlateLight).
			Padding(0, 1)
)

// Spinner style
var (
	SpinnerStyle = lipgloss.NewStyle().
			Foreground(Violet)
)

// Filter styles
var (
	FilterStyle = lipgloss.NewStyle().
			Foreground(Violet)

	FilterPromptStyle = lipgloss.NewStyle().
				Foreground(Violet).
				Bold(true)
)

// Bar chart styles
var (
	BarFullStyle = lipgloss.NewStyle().
			Foreground(Violet)

	BarEmptyStyle = lipgloss.NewStyle().
			Foreground(SlateLight)
)

// Truncate shortens s to width cells, ending in an ellipsis
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}

// RenderBar renders value/total as a horizontal bar of width cells
func RenderBar(value, total, width int) string {
	if width < 1 {
		return ""
	}
	filled := 0
	if total > 0 {
		filled = value * width / total
	}
	if filled > width {
		filled = width
	}

	bar := ""
	for i := 0; i < filled; i++ {
		bar += BarFullStyle.Render("█")
	}
	for i := filled; i < width; i++ {
		bar += BarEmptyStyle.Render("░")
	}
	return bar
}
