// Package dashboard renders an optional single-screen live view of a run in
// progress. It is driven entirely by the run loop's non-blocking Event
// stream (internal/runloop); the run loop never waits on the dashboard.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/phase-golem/phase-golem/internal/runloop"
)

const maxLogLines = 12

// eventMsg wraps a runloop.Event as a Bubble Tea message.
type eventMsg runloop.Event

// haltedMsg signals that the run loop has returned, carrying its final
// result so the dashboard can render a summary before quitting.
type haltedMsg struct {
	result runloop.Result
	err    error
}

// logLine is one rendered entry in the scrolling activity log.
type logLine struct {
	at   time.Time
	text string
}

// Model is the Bubble Tea model for the run dashboard.
type Model struct {
	events <-chan runloop.Event
	done   <-chan haltedMsg

	running map[string]string // item id -> phase currently executing
	log     []logLine
	result  *runloop.Result
	err     error
	quit    bool
}

func newModel(events <-chan runloop.Event, done <-chan haltedMsg) Model {
	return Model{
		events:  events,
		done:    done,
		running: make(map[string]string),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForDone(m.done))
}

func waitForEvent(ch <-chan runloop.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func waitForDone(ch <-chan haltedMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quit = true
			return m, tea.Quit
		}
		return m, nil

	case eventMsg:
		m.apply(runloop.Event(msg))
		return m, waitForEvent(m.events)

	case haltedMsg:
		res := msg.result
		m.result = &res
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(ev runloop.Event) {
	switch ev.Kind {
	case runloop.EventActionStarted:
		m.running[ev.ItemID] = ev.Phase
		m.appendLog(fmt.Sprintf("%-10s %-16s started", ev.ItemID, ev.Phase))
	case runloop.EventActionFinished:
		delete(m.running, ev.ItemID)
		line := fmt.Sprintf("%-10s %-16s %s", ev.ItemID, ev.Phase, ev.Transition)
		if ev.Summary != "" {
			line += ": " + ev.Summary
		}
		m.appendLog(line)
	case runloop.EventHalted:
		m.appendLog(fmt.Sprintf("halted: %s", ev.Halt))
	}
}

func (m *Model) appendLog(text string) {
	m.log = append(m.log, logLine{at: time.Now(), text: text})
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("62")).Foreground(lipgloss.Color("15")).Padding(0, 1)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	runStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

func (m Model) View() string {
	if m.quit {
		return ""
	}

	var b []string
	b = append(b, titleStyle.Render("phase-golem run"))
	b = append(b, "")

	if len(m.running) == 0 {
		b = append(b, dimStyle.Render("(idle)"))
	} else {
		ids := make([]string, 0, len(m.running))
		for id := range m.running {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b = append(b, runStyle.Render(fmt.Sprintf("  %-10s running %s", id, m.running[id])))
		}
	}
	b = append(b, "")
	b = append(b, dimStyle.Render("recent activity"))
	for _, l := range m.log {
		b = append(b, fmt.Sprintf("  %s  %s", l.at.Format("15:04:05"), l.text))
	}

	if m.result != nil {
		b = append(b, "")
		b = append(b, titleStyle.Render(fmt.Sprintf("halted: %s", m.result.Halt)))
		b = append(b, fmt.Sprintf("phases executed: %d", m.result.PhasesExecuted))
		if len(m.result.ItemsCompleted) > 0 {
			b = append(b, fmt.Sprintf("completed: %v", m.result.ItemsCompleted))
		}
		if len(m.result.ItemsBlocked) > 0 {
			b = append(b, fmt.Sprintf("blocked: %v", m.result.ItemsBlocked))
		}
	}
	if m.err != nil {
		b = append(b, "", fmt.Sprintf("error: %v", m.err))
	}
	b = append(b, "", dimStyle.Render("press q to quit"))

	out := ""
	for _, line := range b {
		out += line + "\n"
	}
	return out
}

// Run drives a Bubble Tea program that renders events from the run loop
// until loopFn returns, then displays its result and exits. It returns
// whatever loopFn returned.
func Run(ctx context.Context, events <-chan runloop.Event, loopFn func(ctx context.Context) (runloop.Result, error)) (runloop.Result, error) {
	doneCh := make(chan haltedMsg, 1)
	go func() {
		res, err := loopFn(ctx)
		doneCh <- haltedMsg{result: res, err: err}
	}()

	p := tea.NewProgram(newModel(events, doneCh))
	finalModel, runErr := p.Run()
	if runErr != nil {
		// Drain the loop goroutine's result even if the TUI itself failed.
		msg := <-doneCh
		return msg.result, runErr
	}

	fm := finalModel.(Model)
	if fm.result != nil {
		return *fm.result, fm.err
	}
	// The program quit before the loop finished (e.g. user pressed q);
	// wait for the loop to actually stop since it owns the lock.
	msg := <-doneCh
	return msg.result, msg.err
}
