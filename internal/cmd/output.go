package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Iron-Ham/taskmesh/internal/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	statusStyle = map[string]lipgloss.Style{
		"queued":      lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		"assigned":    lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
		"running":     lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBF24")),
		"completed":   lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		"failed":      lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
		"cancelled":   lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF")).Strikethrough(true),
		"alive":       lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		"unreachable": lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")),
	}
)

func styledStatus(s string) string {
	if st, ok := statusStyle[s]; ok {
		return st.Render(s)
	}
	return s
}

// terminalWidth returns stdout's width, or 0 when it is not a terminal.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		return w
	}
	return 0
}

// renderTable lays out rows in padded columns under a styled header. Cells
// may already carry ANSI styling; widths are measured with lipgloss.
func renderTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = lipgloss.PlaceHorizontal(widths[i], lipgloss.Left, cell)
		}
		out := strings.TrimRight(strings.Join(parts, "  "), " ")
		if tw := terminalWidth(); tw > 0 && lipgloss.Width(out) > tw {
			out = lipgloss.NewStyle().MaxWidth(tw).Render(out)
		}
		return out
	}

	_, _ = fmt.Fprintln(w, line(header, &headerStyle))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, line(row, nil))
	}
}

func taskRows(tasks []protocol.TaskInfo) [][]string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			t.Type,
			styledStatus(t.Status),
			fmt.Sprintf("%d", t.Priority),
			fmt.Sprintf("%d%%", t.Progress),
			orDash(t.AssignedWorker),
			age(t.CreatedAt),
		})
	}
	return rows
}

func workerRows(ws []protocol.WorkerStatus) [][]string {
	rows := make([][]string, 0, len(ws))
	for _, w := range ws {
		load := "-"
		if w.Stats != nil {
			load = fmt.Sprintf("cpu %.0f%% mem %.0f%%", w.Stats.CPUPercent, w.Stats.MemoryPercent)
		}
		rows = append(rows, []string{
			w.ID,
			styledStatus(w.Status),
			orDash(w.CurrentTask),
			strings.Join(w.Capabilities, ","),
			age(w.LastHeartbeat),
			load,
		})
	}
	return rows
}

func printTask(w io.Writer, t *protocol.TaskInfo) {
	field := func(name, value string) {
		_, _ = fmt.Fprintf(w, "%s %s\n", mutedStyle.Render(fmt.Sprintf("%-9s", name)), value)
	}
	field("task", t.ID)
	field("type", t.Type)
	field("status", styledStatus(t.Status))
	field("priority", fmt.Sprintf("%d", t.Priority))
	field("progress", fmt.Sprintf("%d%%", t.Progress))
	if t.AssignedWorker != "" {
		field("worker", t.AssignedWorker)
	}
	field("created", t.CreatedAt.Local().Format(time.DateTime))
	field("updated", t.UpdatedAt.Local().Format(time.DateTime))
	if len(t.Result) > 0 {
		field("result", string(t.Result))
	}
	if t.Error != "" {
		field("error", statusStyle["failed"].Render(t.Error))
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
