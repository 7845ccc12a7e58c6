package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/config"
	"github.com/wippyai/wasm-boot/runtime"
	"github.com/wippyai/wasm-boot/worker"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const maxLogLines = 12

type interactiveModel struct {
	err      error
	cfg      config.Config
	logger   *zap.Logger
	send     func(tea.Msg)
	rt       *runtime.Runtime
	instance *runtime.Instance
	status   string
	funcs    []string
	log      []string
	input    textinput.Model
	selected int
	nextID   int64
	state    modelState
}

type modelState int

const (
	stateLoading modelState = iota
	stateSelectFunc
	stateInputPayload
)

func newInteractiveModel(cfg config.Config, logger *zap.Logger) *interactiveModel {
	return &interactiveModel{
		cfg:    cfg,
		logger: logger,
		state:  stateLoading,
		nextID: 1,
	}
}

type loadedMsg struct {
	err   error
	rt    *runtime.Runtime
	inst  *runtime.Instance
	funcs []string
}

type responseMsg struct {
	resp worker.Response
}

type statusMsg struct {
	status string
}

type postedMsg struct {
	err error
	fn  string
	id  int64
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.load
}

func (m *interactiveModel) load() tea.Msg {
	ctx := context.Background()

	rt, err := newRuntime(ctx, m.cfg, m.logger)
	if err != nil {
		return loadedMsg{err: err}
	}
	mod, err := rt.LoadFile(ctx, m.cfg.Module)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}

	opts := instanceOptions(m.cfg)
	opts.Stdin, opts.Stdout, opts.Stderr = nil, nil, nil
	opts.SetStatus = func(status string) { m.send(statusMsg{status: status}) }
	opts.Responder = worker.ResponderFunc(func(_ context.Context, r worker.Response) error {
		m.send(responseMsg{resp: r})
		return nil
	})

	inst, err := mod.Instantiate(ctx, opts)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}
	if err := inst.Start(ctx, nil); err != nil {
		inst.Close(ctx)
		rt.Close(ctx)
		return loadedMsg{err: err}
	}

	var funcs []string
	for _, e := range mod.Exports() {
		if workerCallable(e.Name) {
			funcs = append(funcs, e.Name)
		}
	}
	return loadedMsg{rt: rt, inst: inst, funcs: funcs}
}

// workerCallable hides runtime plumbing from the function list.
func workerCallable(name string) bool {
	for _, prefix := range []string{"_", "emscripten_", "asyncify_", "stack"} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	switch name {
	case "main", "malloc", "free", "memory":
		return false
	}
	return true
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.close()
			return m, tea.Quit

		case "q":
			if m.state != stateInputPayload {
				m.close()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				ti := textinput.New()
				ti.Placeholder = "payload"
				ti.Prompt = "data: "
				ti.Width = 60
				ti.Focus()
				m.input = ti
				m.state = stateInputPayload
				return m, nil

			case stateInputPayload:
				m.state = stateSelectFunc
				return m, m.post(m.funcs[m.selected], m.input.Value())
			}

		case "esc":
			if m.state == stateInputPayload {
				m.state = stateSelectFunc
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.instance = msg.inst
		m.funcs = msg.funcs
		m.state = stateSelectFunc

	case statusMsg:
		m.status = msg.status

	case postedMsg:
		if msg.err != nil {
			m.appendLog(errorStyle.Render(fmt.Sprintf("#%d %s: %v", msg.id, msg.fn, msg.err)))
		}

	case responseMsg:
		kind := "partial"
		if msg.resp.Final {
			kind = "final"
		}
		m.appendLog(resultStyle.Render(fmt.Sprintf("#%d %s %q", msg.resp.CallbackID, kind, msg.resp.Payload)))
	}

	if m.state == stateInputPayload {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) post(fn, payload string) tea.Cmd {
	id := m.nextID
	m.nextID++
	inst := m.instance
	m.appendLog(fmt.Sprintf("#%d -> %s %q", id, funcStyle.Render(fn), payload))
	return func() tea.Msg {
		msg := worker.Message{FunctionName: fn, CallbackID: id}
		if payload != "" {
			msg.Payload = []byte(payload)
		}
		return postedMsg{err: inst.Post(context.Background(), msg), fn: fn, id: id}
	}
}

func (m *interactiveModel) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *interactiveModel) close() {
	ctx := context.Background()
	if m.instance != nil {
		m.instance.Close(ctx)
	}
	if m.rt != nil {
		m.rt.Close(ctx)
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.state == stateLoading {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Worker"))
	b.WriteString(" ")
	b.WriteString(m.cfg.Module)
	b.WriteString(" ")
	b.WriteString(statusStyle.Render(m.instance.State().String()))
	if m.status != "" {
		b.WriteString(" ")
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("The module exports no worker functions.\n")
		} else {
			b.WriteString("Select a function to message:\n\n")
		}
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + f))
			} else {
				b.WriteString("  " + funcStyle.Render(f))
			}
			b.WriteString("\n")
		}

	case stateInputPayload:
		b.WriteString(fmt.Sprintf("Message to %s\n\n", funcStyle.Render(m.funcs[m.selected])))
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}

	if len(m.log) > 0 {
		b.WriteString("\n")
		for _, line := range m.log {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.state == stateInputPayload {
		b.WriteString(helpStyle.Render("enter send • esc back"))
	} else {
		b.WriteString(helpStyle.Render("↑/↓ select • enter compose • q quit"))
	}
	return b.String()
}

func runInteractive(cfg config.Config, logger *zap.Logger) error {
	m := newInteractiveModel(cfg, logger)
	p := tea.NewProgram(m, tea.WithAltScreen())
	m.send = p.Send
	_, err := p.Run()
	return err
}
