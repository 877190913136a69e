package cli

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"depot-packer/internal/depotdl"
	"depot-packer/internal/job"
	"depot-packer/internal/model"
)

const maxViewLines = 14

// jobControl is the part of job.Runner the view drives.
type jobControl interface {
	Cancel() error
	SubmitCode(code string) error
	ResolveConflict(jobID string, choice model.OutputConflictChoice) error
}

type downloadMode int

const (
	downloadModeWatch downloadMode = iota
	downloadModeCode
	downloadModeConflict
)

type conflictOption struct {
	Choice model.OutputConflictChoice
	Key    string
	Label  string
	Help   string
}

var conflictOptions = []conflictOption{
	{Choice: model.ConflictOverwrite, Key: "o", Label: "Overwrite", Help: "replace the existing folder"},
	{Choice: model.ConflictCopy, Key: "c", Label: "Keep both", Help: "write to a numbered copy next to it"},
	{Choice: model.ConflictCancel, Key: "x", Label: "Cancel", Help: "keep the existing folder and discard this download"},
}

type statusMsg model.StatusEvent

type logMsg model.LogEvent

type conflictMsg model.OutputConflictPrompt

type jobDoneMsg struct {
	outcome job.Outcome
}

type actionMsg struct {
	message string
	err     error
}

type cancelMsg struct {
	err error
}

var (
	viewTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	viewMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	viewErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	viewOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	viewPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	viewSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

type downloadModel struct {
	ctl     jobControl
	jobID   string
	req     model.JobRequest
	tracker *statusTracker
	spinner spinner.Model
	input   textinput.Model
	mode    downloadMode
	width   int
	height  int

	lines    []string
	conflict model.OutputConflictPrompt
	cursor   int

	statusMessage string
	statusIsError bool
	cancelling    bool
	outcome       *job.Outcome
}

func newDownloadModel(ctl jobControl, jobID string, req model.JobRequest) downloadModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	in := textinput.New()
	in.Placeholder = "Steam Guard code"
	in.CharLimit = 16
	in.Prompt = "code> "
	return downloadModel{
		ctl:     ctl,
		jobID:   jobID,
		req:     req,
		tracker: &statusTracker{},
		spinner: sp,
		input:   in,
		mode:    downloadModeWatch,
		width:   80,
	}
}

func (m downloadModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m downloadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case statusMsg:
		m.tracker.Status(model.StatusEvent(msg))
		return m, nil
	case logMsg:
		return m.handleLog(model.LogEvent(msg))
	case conflictMsg:
		m.conflict = model.OutputConflictPrompt(msg)
		m.mode = downloadModeConflict
		m.cursor = 0
		m.input.Blur()
		return m, nil
	case actionMsg:
		m.setStatus(msg.message, msg.err)
		return m, nil
	case cancelMsg:
		m.cancelling = false
		if errors.Is(msg.err, job.ErrNotRunning) {
			m.setStatus("", errors.New("nothing to cancel: DepotDownloader is not running"))
			return m, nil
		}
		m.setStatus("cancel requested", msg.err)
		return m, nil
	case jobDoneMsg:
		out := msg.outcome
		m.outcome = &out
		return m, tea.Quit
	case tea.KeyMsg:
		switch m.mode {
		case downloadModeCode:
			return m.updateCode(msg)
		case downloadModeConflict:
			return m.updateConflict(msg)
		default:
			return m.updateWatch(msg)
		}
	}
	return m, nil
}

func (m downloadModel) handleLog(ev model.LogEvent) (tea.Model, tea.Cmd) {
	m.tracker.Log(ev)
	if line := strings.TrimRight(ev.Line, " \t"); line != "" {
		m.lines = append(m.lines, line)
		if len(m.lines) > maxViewLines {
			m.lines = append([]string(nil), m.lines[len(m.lines)-maxViewLines:]...)
		}
	}
	if depotdl.IsAuthPrompt(ev.Line) && m.mode == downloadModeWatch {
		return m.openCodeInput()
	}
	return m, nil
}

func (m downloadModel) openCodeInput() (tea.Model, tea.Cmd) {
	m.mode = downloadModeCode
	m.input.Reset()
	m.setStatus("DepotDownloader is waiting for a Steam Guard code", nil)
	return m, m.input.Focus()
}

func (m downloadModel) updateWatch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		if m.cancelling {
			return m, nil
		}
		m.cancelling = true
		m.setStatus("cancelling...", nil)
		return m, cancelCmd(m.ctl)
	case "a":
		return m.openCodeInput()
	}
	return m, nil
}

func (m downloadModel) updateCode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.mode = downloadModeWatch
		m.input.Blur()
		m.cancelling = true
		m.setStatus("cancelling...", nil)
		return m, cancelCmd(m.ctl)
	case "esc":
		m.mode = downloadModeWatch
		m.input.Blur()
		m.setStatus("", nil)
		return m, nil
	case "enter":
		code := strings.TrimSpace(m.input.Value())
		if code == "" {
			m.setStatus("", job.ErrEmptyCode)
			return m, nil
		}
		m.mode = downloadModeWatch
		m.input.Blur()
		m.setStatus("sending code...", nil)
		return m, submitCodeCmd(m.ctl, code)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m downloadModel) updateConflict(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key := msg.String(); key {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j", "tab":
		if m.cursor < len(conflictOptions)-1 {
			m.cursor++
		}
		return m, nil
	case "enter":
		return m.chooseConflict(conflictOptions[m.cursor].Choice)
	case "esc", "ctrl+c":
		return m.chooseConflict(model.ConflictCancel)
	default:
		for _, opt := range conflictOptions {
			if key == opt.Key {
				return m.chooseConflict(opt.Choice)
			}
		}
	}
	return m, nil
}

func (m downloadModel) chooseConflict(choice model.OutputConflictChoice) (tea.Model, tea.Cmd) {
	m.mode = downloadModeWatch
	m.setStatus("output conflict: "+string(choice), nil)
	return m, resolveConflictCmd(m.ctl, m.conflict.JobID, choice)
}

func (m *downloadModel) setStatus(message string, err error) {
	m.statusIsError = err != nil
	if err != nil {
		m.statusMessage = err.Error()
		return
	}
	m.statusMessage = message
}

func cancelCmd(ctl jobControl) tea.Cmd {
	return func() tea.Msg {
		return cancelMsg{err: ctl.Cancel()}
	}
}

func submitCodeCmd(ctl jobControl, code string) tea.Cmd {
	return func() tea.Msg {
		if err := ctl.SubmitCode(code); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{message: "code sent"}
	}
}

func resolveConflictCmd(ctl jobControl, jobID string, choice model.OutputConflictChoice) tea.Cmd {
	return func() tea.Msg {
		if err := ctl.ResolveConflict(jobID, choice); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{message: "output conflict: " + string(choice)}
	}
}

func (m downloadModel) View() string {
	width := maxInt(m.width, 40)
	target := fmt.Sprintf("app %s  %s", m.req.AppID, depotdl.PlatformLabel(m.req.OS))
	if b := strings.TrimSpace(m.req.Branch); b != "" {
		target += "  branch " + b
	}
	header := viewTitleStyle.Render("depot-packer") + "  " + target + "\n" +
		viewMutedStyle.Render("job "+m.jobID)

	status := m.spinner.View() + " " + m.tracker.render()

	body := make([]string, 0, maxViewLines)
	for _, l := range m.lines {
		body = append(body, truncateRunes(l, width-4))
	}
	if len(body) == 0 {
		body = append(body, viewMutedStyle.Render("waiting for output..."))
	}
	logPanel := viewPanelStyle.Width(width - 2).Render(strings.Join(body, "\n"))

	var prompt, hints string
	switch m.mode {
	case downloadModeCode:
		prompt = viewPanelStyle.Width(width - 2).Render(
			viewTitleStyle.Render("Steam Guard") + "\n" + m.input.View())
		hints = "enter: send code | esc: back | ctrl+c: cancel job"
	case downloadModeConflict:
		prompt = m.conflictView(width)
		hints = "up/down: move | enter: choose | o/c/x: overwrite/copy/cancel"
	default:
		hints = "a: enter auth code | q/ctrl+c: cancel job"
	}

	footer := ""
	if m.statusMessage != "" {
		style := viewOKStyle
		if m.statusIsError {
			style = viewErrorStyle
		}
		footer = style.Render(m.statusMessage)
	}

	parts := []string{header, status, logPanel}
	if prompt != "" {
		parts = append(parts, prompt)
	}
	parts = append(parts, viewMutedStyle.Render(hints))
	if footer != "" {
		parts = append(parts, footer)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m downloadModel) conflictView(width int) string {
	lines := []string{
		viewTitleStyle.Render("Output already exists"),
		truncateRunes(m.conflict.OutputPath, width-6),
		"",
	}
	for i, opt := range conflictOptions {
		row := fmt.Sprintf("[%s] %-10s %s", opt.Key, opt.Label, opt.Help)
		if i == m.cursor {
			row = viewSelStyle.Render(row)
		}
		lines = append(lines, row)
	}
	return viewPanelStyle.Width(width - 2).Render(strings.Join(lines, "\n"))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// eventQueue adapts job events to a bubbletea program without ever blocking
// the job: events are buffered and a pump goroutine forwards them in order.
type eventQueue struct {
	mu    sync.Mutex
	items []tea.Msg
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *eventQueue) push(msg tea.Msg) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) Status(ev model.StatusEvent) { q.push(statusMsg(ev)) }

func (q *eventQueue) Log(ev model.LogEvent) { q.push(logMsg(ev)) }

func (q *eventQueue) NotifyConflict(p model.OutputConflictPrompt) error {
	q.push(conflictMsg(p))
	return nil
}

func (q *eventQueue) pump(send func(tea.Msg)) {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		q.mu.Lock()
		items := q.items
		q.items = nil
		q.mu.Unlock()
		for _, msg := range items {
			send(msg)
		}
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}
