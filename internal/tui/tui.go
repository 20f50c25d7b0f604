// Package tui renders a live status banner for a coordinator connected to
// the agent and lets the operator drive its operations from the keyboard.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-offline/internal/coordinator"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Actions is the slice of the coordinator the monitor drives.
type Actions interface {
	Status() coordinator.Status
	Tags() []string
	ApplyUpdate(ctx context.Context) coordinator.Result
	CheckForUpdate(ctx context.Context) coordinator.Result
	ClearAllCaches(ctx context.Context) coordinator.Result
	PromptInstall(ctx context.Context) coordinator.Result
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	ctx     context.Context
	actions Actions
	snap    coordinator.Status
	feed    *ActivityFeed
	seq     int
	started time.Time
}

type tickMsg time.Time

type resultMsg struct {
	id     string
	result coordinator.Result
}

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newModel(ctx context.Context, actions Actions) model {
	return model{ctx: ctx, actions: actions, snap: actions.Status(), feed: NewActivityFeed(), started: time.Now()}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			m.feed.Toggle()
		case "u":
			return m.run("apply update", m.actions.ApplyUpdate)
		case "c":
			return m.run("check for update", m.actions.CheckForUpdate)
		case "x":
			return m.run("clear caches", m.actions.ClearAllCaches)
		case "i":
			return m.run("install", m.actions.PromptInstall)
		}
	case tickMsg:
		m.snap = m.actions.Status()
		m.feed.CleanupOld(time.Minute)
		return m, tickCmd()
	case resultMsg:
		if msg.result.OK {
			m.feed.Complete(msg.id, "✓", "")
		} else {
			m.feed.Complete(msg.id, "✗", humanError(errors.New(msg.result.Reason)))
		}
		m.snap = m.actions.Status()
	}
	return m, nil
}

// run starts op off the update loop and records it in the feed.
func (m model) run(label string, op func(context.Context) coordinator.Result) (tea.Model, tea.Cmd) {
	m.seq++
	id := strconv.Itoa(m.seq)
	m.feed.Add(ActivityItem{ID: id, Icon: "…", Message: label, StartedAt: time.Now()})
	ctx := m.ctx
	return m, func() tea.Msg {
		return resultMsg{id: id, result: op(ctx)}
	}
}

func (m model) View() string {
	s := m.snap
	var b strings.Builder
	b.WriteString(titleStyle.Render("Offline Agent") + "\n\n")

	switch {
	case !s.Connected:
		b.WriteString(offlineStyle.Render("○ agent unreachable") + "\n")
	case !s.Online:
		b.WriteString(offlineStyle.Render("○ offline, serving from cache") + "\n")
	default:
		line := "● online"
		if s.Quality != coordinator.QualityUnknown {
			line += fmt.Sprintf(" (%s, %dms)", s.Quality, s.LatencyMS)
		}
		b.WriteString(onlineStyle.Render(line) + "\n")
	}

	active := s.ActiveVersion
	if active == "" {
		active = "(none)"
	}
	fmt.Fprintf(&b, "Active Version: %s\n", active)
	if s.UpdateAvailable {
		msg := fmt.Sprintf("Update %s available, press u to apply", s.WaitingVersion)
		if s.ReleaseNotes != "" {
			msg += ": " + s.ReleaseNotes
		}
		b.WriteString(noticeStyle.Render(msg) + "\n")
	}
	if s.InstallPromptAvailable {
		b.WriteString(noticeStyle.Render("Install available, press i") + "\n")
	}

	tags := "(none)"
	if t := m.actions.Tags(); len(t) > 0 {
		tags = strings.Join(t, ", ")
	}
	fmt.Fprintf(&b, "Sync Tags: %s\n", tags)
	if !s.LastSync.IsZero() {
		fmt.Fprintf(&b, "Last Sync: %s ago\n", time.Since(s.LastSync).Truncate(time.Second))
	}
	lastErr := s.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}
	fmt.Fprintf(&b, "Last Error: %s\n", lastErr)
	fmt.Fprintf(&b, "Uptime: %s\n\n", time.Since(m.started).Truncate(time.Second))

	b.WriteString(m.feed.View())
	b.WriteString(dimStyle.Render("u apply update · c check · x clear caches · i install · a activity · q quit") + "\n")
	return b.String()
}

func Run(ctx context.Context, actions Actions) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(newModel(ctx, actions))

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
