package usage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// FormatUptime renders d as HH:MM:SS. Hours are not wrapped at a day.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// FormatMB renders a megabyte amount with two decimals.
func FormatMB(mb float64) string {
	return fmt.Sprintf("%.2f MB", mb)
}

// FormatPercent renders a percentage with two decimals.
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.2f%%", p)
}

// RoomsTable renders the per-room samples as a plain text table.
// Rooms that could not be sampled show "unavailable".
func (r Report) RoomsTable() string {
	if len(r.Rooms) == 0 {
		return "No rooms are running."
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.SeparateColumns = false
	tw.AppendHeader(table.Row{"Room", "PID", "CPU", "Memory"})
	for _, s := range r.Rooms {
		title := s.Title
		if title == "" {
			title = "-"
		}
		if s.Err != nil {
			tw.AppendRow(table.Row{title, s.PID, "unavailable", "unavailable"})
			continue
		}
		tw.AppendRow(table.Row{title, s.PID, FormatPercent(s.CPUPercent), FormatMB(s.MemoryMB())})
	}
	return strings.TrimSpace(tw.Render())
}
