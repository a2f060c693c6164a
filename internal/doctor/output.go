package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleSection = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3b82f6"))
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("#eab308"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7280"))
)

// categoryTitles orders the sections of the text report.
var categoryTitles = []struct {
	category Category
	title    string
}{
	{CategoryPermissions, "Permissions"},
	{CategoryRuntime, "Container backend"},
	{CategorySystem, "Host system"},
	{CategoryConfig, "Configuration"},
}

func categoryRank(c Category) int {
	for i, ct := range categoryTitles {
		if ct.category == c {
			return i
		}
	}
	return len(categoryTitles)
}

func categoryTitle(c Category) string {
	if i := categoryRank(c); i < len(categoryTitles) {
		return categoryTitles[i].title
	}
	return string(c)
}

// Output renders the text report, one section per category.
type Output struct {
	writer    io.Writer
	useColors bool
	section   Category
	started   bool
}

// NewOutput creates an Output writing to w, or to stdout when w is nil.
func NewOutput(w io.Writer, useColors bool) *Output {
	if w == nil {
		w = os.Stdout
	}
	return &Output{writer: w, useColors: useColors}
}

// Header prints the report title for a run of total checks.
func (o *Output) Header(total int) {
	fmt.Fprintf(o.writer, "%s %s\n", o.paint(styleTitle, "locker doctor"),
		o.paint(styleMuted, fmt.Sprintf("(%d checks)", total)))
}

// CheckResult prints one result, opening a new section when its category
// differs from the previous one.
func (o *Output) CheckResult(result CheckResult) {
	if !o.started || result.Category != o.section {
		o.started, o.section = true, result.Category
		fmt.Fprintf(o.writer, "\n%s\n", o.paint(styleSection, categoryTitle(result.Category)))
	}

	icon, style := statusIcon(result.Status)
	fmt.Fprintf(o.writer, "  %s %-18s %s\n", o.paint(style, icon), result.Name, result.Message)
	if result.Details != "" {
		fmt.Fprintf(o.writer, "      %s\n", o.paint(styleMuted, result.Details))
	}
	if result.Status != StatusOK && result.Hint != "" {
		fmt.Fprintf(o.writer, "      hint: %s\n", result.Hint)
	}
}

// Summary prints the totals and names the checks that need attention.
func (o *Output) Summary(report *Report) {
	s := report.Summary
	parts := []string{
		o.paint(styleOK, fmt.Sprintf("%d passed", s.Passed)),
		o.paint(styleError, fmt.Sprintf("%d failed", s.Failed)),
	}
	if s.Warned > 0 {
		parts = append(parts, o.paint(styleWarning, fmt.Sprintf("%d warnings", s.Warned)))
	}
	if s.Skipped > 0 {
		parts = append(parts, o.paint(styleMuted, fmt.Sprintf("%d skipped", s.Skipped)))
	}
	fmt.Fprintf(o.writer, "\nSummary: %s\n", strings.Join(parts, ", "))

	var failed, warned []string
	for _, c := range report.Checks {
		switch c.Status {
		case StatusError:
			failed = append(failed, c.Name)
		case StatusWarning:
			warned = append(warned, c.Name)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(o.writer, "Failing: %s\n", strings.Join(failed, ", "))
	}
	if len(warned) > 0 {
		fmt.Fprintf(o.writer, "Review:  %s\n", strings.Join(warned, ", "))
	}
}

func statusIcon(s Status) (string, lipgloss.Style) {
	switch s {
	case StatusOK:
		return "✓", styleOK
	case StatusWarning:
		return "!", styleWarning
	case StatusError:
		return "✗", styleError
	default:
		return "-", styleMuted
	}
}

func (o *Output) paint(style lipgloss.Style, s string) string {
	if !o.useColors {
		return s
	}
	return style.Render(s)
}
