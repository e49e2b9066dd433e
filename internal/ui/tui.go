// Package ui provides optional terminal interfaces.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nibzard/mangrove/internal/persist"
)

// RunTUI starts the tree and backup status viewer.
func RunTUI(ctx context.Context, store *persist.Store, refresh time.Duration) error {
	if !IsTTY(os.Stdout) {
		return fmt.Errorf("tui requires a TTY")
	}
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	model := newTUIModel(store, refresh)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

type tuiModel struct {
	store        *persist.Store
	tickInterval time.Duration
	loadErr      error
	rows         []treeRow
	cursor       int
	showHelp     bool
}

type treeRow struct {
	ID          string
	Tasks       int
	Progress    float64
	BackupCount int
	BackupBytes int64
	Newest      time.Time
	Oldest      time.Time
	LoadErr     error
}

type tickMsg time.Time

func newTUIModel(store *persist.Store, tick time.Duration) *tuiModel {
	return &tuiModel{store: store, tickInterval: tick}
}

func (m *tuiModel) Init() tea.Cmd {
	m.refresh()
	return tickCmd(m.tickInterval)
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r", "f5":
			m.refresh()
			return m, nil
		case "h", "?":
			m.showHelp = !m.showHelp
			return m, nil
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
			return m, nil
		}
	case tickMsg:
		m.refresh()
		return m, tickCmd(m.tickInterval)
	}
	return m, nil
}

func (m *tuiModel) View() string {
	var b strings.Builder
	writeTitle(&b)

	if m.showHelp {
		writeHelp(&b)
		writeFooter(&b, m.tickInterval)
		return b.String()
	}

	if m.loadErr != nil {
		b.WriteString("Error reading storage:\n")
		b.WriteString("  " + m.loadErr.Error() + "\n\n")
		writeFooter(&b, m.tickInterval)
		return b.String()
	}

	if len(m.rows) == 0 {
		b.WriteString("No trees in storage yet.\n\n")
		writeFooter(&b, m.tickInterval)
		return b.String()
	}

	b.WriteString("Trees\n\n")
	for i, row := range m.rows {
		marker := "  "
		if i == m.cursor {
			marker = "> "
		}
		if row.LoadErr != nil {
			b.WriteString(fmt.Sprintf("%s%-20s  unreadable: %v\n", marker, row.ID, row.LoadErr))
			continue
		}
		b.WriteString(fmt.Sprintf("%s%-20s  %3d tasks  %3.0f%% done\n", marker, row.ID, row.Tasks, row.Progress*100))
	}
	b.WriteString("\n")

	if m.cursor < len(m.rows) {
		writeBackupDetail(&b, m.rows[m.cursor])
	}

	writeFooter(&b, m.tickInterval)
	return b.String()
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *tuiModel) refresh() {
	ids, err := m.store.ListTrees()
	if err != nil {
		m.loadErr = err
		m.rows = nil
		return
	}
	m.loadErr = nil

	// Include trees that only exist as backups.
	seen := make(map[string]bool)
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range m.store.TreeIDsWithBackups() {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	rows := make([]treeRow, 0, len(ids))
	for _, id := range ids {
		row := treeRow{ID: id}
		root, err := m.store.Load(id)
		if err != nil {
			row.LoadErr = err
		} else {
			row.Tasks = root.Size()
			row.Progress = root.Progress()
		}
		for _, backup := range m.store.Backups(id) {
			row.BackupCount++
			row.BackupBytes += backup.Size
			if row.Newest.IsZero() || backup.ModTime.After(row.Newest) {
				row.Newest = backup.ModTime
			}
			if row.Oldest.IsZero() || backup.ModTime.Before(row.Oldest) {
				row.Oldest = backup.ModTime
			}
		}
		rows = append(rows, row)
	}
	m.rows = rows
	if m.cursor >= len(m.rows) {
		m.cursor = 0
	}
}

func writeTitle(b *strings.Builder) {
	title := "Mangrove Storage"
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", len(title)) + "\n\n")
}

func writeBackupDetail(b *strings.Builder, row treeRow) {
	b.WriteString(fmt.Sprintf("Backups for %s\n\n", row.ID))
	if row.BackupCount == 0 {
		b.WriteString("  No backups yet.\n\n")
		return
	}
	b.WriteString(fmt.Sprintf("  Count: %d  Size: %s\n", row.BackupCount, FormatSize(row.BackupBytes)))
	b.WriteString(fmt.Sprintf("  Newest: %s\n", row.Newest.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("  Oldest: %s\n\n", row.Oldest.Format("2006-01-02 15:04:05")))
}

func writeHelp(b *strings.Builder) {
	b.WriteString("Keyboard Shortcuts\n\n")
	b.WriteString("  q, ctrl+c    Quit\n")
	b.WriteString("  r, F5        Refresh data\n")
	b.WriteString("  up/k down/j  Select tree\n")
	b.WriteString("  h, ?         Toggle this help screen\n\n")
}

func writeFooter(b *strings.Builder, interval time.Duration) {
	b.WriteString(fmt.Sprintf("Press h for help | q to quit | Refreshing every %s\n", interval))
}

// FormatSize formats a byte count in human readable units.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// IsTTY returns true if w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
