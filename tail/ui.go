package tail

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Frame is one event as published on the daemon's observer socket.
type Frame struct {
	Source string          `json:"source"`
	Time   time.Time       `json:"time"`
	Event  json.RawMessage `json:"event"`

	raw []byte
}

// eventView pulls out the fields shared across broker and gateway
// events. Unknown fields stay in the raw frame for the JSON view.
type eventView struct {
	Kind         string `json:"kind"`
	SessionID    string `json:"session_id"`
	Text         string `json:"text"`
	Message      string `json:"message"`
	Seq          int    `json:"seq"`
	ChunkCount   int    `json:"chunk_count"`
	QueueDepth   int    `json:"queue_depth"`
	DroppedCount uint64 `json:"dropped_count"`
	PCMB64       string `json:"pcm_b64"`
	SampleRate   int    `json:"sample_rate"`
}

type connClosedMsg struct{}

type model struct {
	viewport viewport.Model
	lines    []string
	rawLines []string
	ready    bool
	frames   chan Frame
	url      string
	closed   bool
	showRaw  bool
}

func initialModel(frames chan Frame, url string) model {
	return model{
		lines:    []string{},
		rawLines: []string{},
		ready:    false,
		frames:   frames,
		url:      url,
	}
}

func (m model) Init() tea.Cmd {
	return waitForFrame(m.frames)
}

func waitForFrame(frames chan Frame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-frames
		if !ok {
			return connClosedMsg{}
		}
		return f
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "tab":
			m.showRaw = !m.showRaw
			m.viewport.SetContent(m.contentView())
			m.viewport.GotoBottom()
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}

	case Frame:
		m.lines = append(m.lines, formatFrame(msg))
		m.rawLines = append(m.rawLines, string(msg.raw))
		m.viewport.SetContent(m.contentView())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForFrame(m.frames))

	case connClosedMsg:
		m.closed = true
		notice := lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Render("-- connection closed --")
		m.lines = append(m.lines, notice)
		m.rawLines = append(m.rawLines, notice)
		m.viewport.SetContent(m.contentView())
		m.viewport.GotoBottom()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "\n  Connecting..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.footerView(),
	)
}

func (m model) headerView() string {
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("#25A065")).
		Padding(0, 1).
		Render("Session Events · " + m.url)
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, line)
}

func (m model) footerView() string {
	info := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFDF5")).
		Background(lipgloss.Color("#25A065")).
		Padding(0, 1).
		Render("Press q to quit, Tab for raw JSON")
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m model) contentView() string {
	lines := m.lines
	if m.showRaw {
		lines = m.rawLines
	}
	var content strings.Builder
	for _, line := range lines {
		content.WriteString(line)
		content.WriteString("\n")
	}
	return content.String()
}

func formatFrame(f Frame) string {
	var ev eventView
	if err := json.Unmarshal(f.Event, &ev); err != nil {
		return string(f.raw)
	}

	ts := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Render(f.Time.Format("15:04:05"))
	source := lipgloss.NewStyle().
		Foreground(sourceColor(f.Source)).
		Render(fmt.Sprintf("%-7s", f.Source))

	line := fmt.Sprintf("%s %s %-15s %s", ts, source, ev.Kind, ev.SessionID)
	switch {
	case ev.Text != "":
		line += fmt.Sprintf(" %q", ev.Text)
		if ev.ChunkCount > 0 {
			line += fmt.Sprintf(" chunks=%d", ev.ChunkCount)
		}
	case ev.Message != "":
		line += " " + ev.Message
	case ev.PCMB64 != "":
		line += fmt.Sprintf(" seq=%d pcm=%db", ev.Seq, base64Len(ev.PCMB64))
	case ev.DroppedCount > 0:
		line += fmt.Sprintf(" queue=%d dropped=%d", ev.QueueDepth, ev.DroppedCount)
	}
	return line
}

func sourceColor(source string) lipgloss.Color {
	switch source {
	case "stt":
		return lipgloss.Color("#25A065")
	case "tts":
		return lipgloss.Color("#5A56E0")
	case "gateway":
		return lipgloss.Color("#FFFF00")
	default:
		return lipgloss.Color("#FFFFFF")
	}
}

// base64Len gives the decoded size without paying for a decode.
func base64Len(s string) int {
	n := len(s) / 4 * 3
	if strings.HasSuffix(s, "==") {
		return n - 2
	}
	if strings.HasSuffix(s, "=") {
		return n - 1
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
