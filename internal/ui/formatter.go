// Package ui renders reminders for the terminal.
package ui

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/notexe/nagbot/internal/reminder"
)

var (
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")). // Coral red
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")) // Warm yellow

	HeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81")).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")). // Green
			Bold(true)

	BorderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")) // Soft blue border
)

var tierStyles = map[reminder.Tier]lipgloss.Style{
	reminder.TierCritical:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	reminder.TierImportant: lipgloss.NewStyle().Foreground(lipgloss.Color("215")),
	reminder.TierNormal:    lipgloss.NewStyle().Foreground(lipgloss.Color("114")),
	reminder.TierOptional:  DimStyle,
}

type Formatter struct {
	colored bool
}

func NewFormatter(colored bool) *Formatter {
	return &Formatter{colored: colored}
}

func (f *Formatter) FormatError(err error) string {
	prefix := "Error: "
	if f.colored {
		prefix = ErrorStyle.Render("Error: ")
	}
	return prefix + err.Error()
}

func (f *Formatter) FormatInfo(info string) string {
	if f.colored {
		return InfoStyle.Render(info)
	}
	return info
}

func (f *Formatter) FormatSuccess(msg string) string {
	if f.colored {
		return SuccessStyle.Render(msg)
	}
	return msg
}

var tableHeaders = []string{"ID", "SUBJECT", "TITLE", "PRIORITY", "STATE", "FIRES", "NEXT"}

// FormatReminders renders rs as a table. Next fire times are shown
// relative to now.
func (f *Formatter) FormatReminders(rs []reminder.Reminder, now time.Time) string {
	if len(rs) == 0 {
		return f.FormatInfo("No active reminders.")
	}

	rows := make([][]string, 0, len(rs))
	for _, r := range rs {
		rows = append(rows, []string{
			shortID(r.ID),
			r.SubjectRef,
			r.Title,
			string(r.Priority),
			string(r.State),
			strconv.Itoa(r.FireCount),
			formatNext(r.NextFireAt, now),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(tableHeaders...).
		Rows(rows...)

	if f.colored {
		t = t.BorderStyle(BorderStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				base := lipgloss.NewStyle().Padding(0, 1)
				if row == table.HeaderRow {
					return HeaderStyle.Padding(0, 1)
				}
				if col == 3 && row >= 0 && row < len(rs) {
					if s, ok := tierStyles[rs[row].Priority]; ok {
						return s.Padding(0, 1)
					}
				}
				return base
			})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style {
			return lipgloss.NewStyle().Padding(0, 1)
		})
	}

	return t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatNext(next *time.Time, now time.Time) string {
	if next == nil {
		return "-"
	}
	d := next.Sub(now).Round(time.Minute)
	switch {
	case d < 0:
		return fmt.Sprintf("overdue %s", formatDuration(-d))
	case d == 0:
		return "now"
	}
	return "in " + formatDuration(d)
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m == 0 {
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
