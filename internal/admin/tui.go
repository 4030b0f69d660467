package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/autodelete/internal/store"
	"github.com/xiy/autodelete/pkg/types"
)

const refreshEvery = 2 * time.Second

type tickMsg time.Time

type snapshotMsg struct {
	stats    store.Stats
	sweeps   []types.SweepLog
	pending  []types.Record
	err      error
	duration time.Duration
}

type dashboardStore interface {
	Stats(ctx context.Context, now time.Time, lifetime time.Duration) (store.Stats, error)
	RecentSweepLogs(ctx context.Context, limit int) ([]types.SweepLog, error)
	Oldest(ctx context.Context, limit int) ([]types.Record, error)
}

type model struct {
	ctx      context.Context
	st       dashboardStore
	lifetime time.Duration
	now      func() time.Time

	stats    store.Stats
	sweeps   []types.SweepLog
	pending  []types.Record
	lastErr  error
	lastTick time.Time
	events   []string
	rows     int
	width    int
	height   int
}

// Run shows a read-only dashboard over st until the user quits.
func Run(ctx context.Context, st dashboardStore, lifetime time.Duration) error {
	m := newModel(ctx, st, lifetime)
	m = m.logf("dashboard started, lifetime %s", lifetime)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func newModel(ctx context.Context, st dashboardStore, lifetime time.Duration) model {
	return model{
		ctx:      ctx,
		st:       st,
		lifetime: lifetime,
		now:      time.Now,
		rows:     8,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if s := msg.String(); s == "q" || s == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(m.refresh(), tick())
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			m = m.logf("refresh failed: %v", msg.err)
			break
		}
		if msg.stats.Pending != m.stats.Pending || len(m.events) <= 1 {
			m = m.logf("pending=%d expired=%d (%s)", msg.stats.Pending, msg.stats.Expired, shortDuration(msg.duration))
		}
		m.stats, m.sweeps, m.pending = msg.stats, msg.sweeps, msg.pending
	}
	return m, nil
}

func (m model) View() string {
	header := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("autodelete"),
		lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(
			fmt.Sprintf("lifetime %s • refresh %s • q quits", m.lifetime, refreshEvery)),
	)

	w, h := 54, 9
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}

	events := "(nothing yet)"
	if len(m.events) > 0 {
		events = strings.Join(m.events, "\n")
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		"",
		lipgloss.JoinHorizontal(lipgloss.Top, pane("Records", m.statsBody(), w, h), " ", pane("Events", events, w, h)),
		lipgloss.JoinHorizontal(lipgloss.Top,
			pane("Sweeps", sweepLines(m.sweeps), w, h), " ",
			pane("Next to expire", pendingLines(m.pending, m.lifetime, m.now()), w, h)),
	)
}

func (m model) statsBody() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pending:        %d\n", m.stats.Pending)
	fmt.Fprintf(&b, "Expired now:    %d\n", m.stats.Expired)
	fmt.Fprintf(&b, "Oldest:         %s\n", unixClock(m.stats.Oldest))
	fmt.Fprintf(&b, "Newest:         %s\n", unixClock(m.stats.Newest))
	fmt.Fprintf(&b, "Last refresh:   %s", clock(m.lastTick))
	if m.lastErr != nil {
		b.WriteString("\n\nError: " + clip(m.lastErr.Error(), 120))
	}
	return b.String()
}

func (m model) refresh() tea.Cmd {
	ctx, st, lifetime, rows, now := m.ctx, m.st, m.lifetime, m.rows, m.now
	return func() tea.Msg {
		started := time.Now()
		out := snapshotMsg{}
		out.stats, out.err = st.Stats(ctx, now(), lifetime)
		if out.err == nil {
			out.sweeps, out.err = st.RecentSweepLogs(ctx, rows)
		}
		if out.err == nil {
			out.pending, out.err = st.Oldest(ctx, rows)
		}
		out.duration = time.Since(started)
		return out
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) logf(format string, args ...any) model {
	m.events = append(m.events, clock(time.Now())+" "+fmt.Sprintf(format, args...))
	if len(m.events) > 10 {
		m.events = m.events[len(m.events)-10:]
	}
	return m
}

func pane(title, body string, width, height int) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(1, 2).
		Width(width).
		Height(height).
		Render(lipgloss.NewStyle().Bold(true).Render(title) + "\n\n" + body)
}

func sweepLines(rows []types.SweepLog) string {
	if len(rows) == 0 {
		return "(no sweeps recorded)"
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		line := fmt.Sprintf("%s removed %-5d %5dms", clock(r.CreatedAt), r.Removed, max(0, r.DurationMS))
		if !r.Success {
			line = fmt.Sprintf("%s FAILED %s", clock(r.CreatedAt), clip(r.ErrorText, 48))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func pendingLines(rows []types.Record, lifetime time.Duration, now time.Time) string {
	if len(rows) == 0 {
		return "(no pending records)"
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		due := "due"
		if !r.Expired(now, lifetime) {
			due = "in " + r.ExpiresAt(lifetime).Sub(now).Round(time.Second).String()
		}
		lines = append(lines, fmt.Sprintf("chat %-16d msg %-10d %s", r.OriginID, r.RecordID, due))
	}
	return strings.Join(lines, "\n")
}

func unixClock(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func shortDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func clip(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
