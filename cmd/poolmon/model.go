package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2ecc71"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f1c40f"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

type poolStats struct {
	Total          int     `json:"Total"`
	Healthy        int     `json:"Healthy"`
	Quarantined    int     `json:"Quarantined"`
	Expired        int     `json:"Expired"`
	Revoked        int     `json:"Revoked"`
	AvgFailureRate float64 `json:"AvgFailureRate"`
}

type statsSnapshot struct {
	Pool    poolStats `json:"pool"`
	Breaker string    `json:"breaker_state"`
}

type tickMsg time.Time

type statsMsg struct {
	snapshot statsSnapshot
	err      error
}

type model struct {
	serverURL string
	token     string
	interval  time.Duration
	client    *http.Client

	spinner  spinner.Model
	snapshot statsSnapshot
	history  []float64
	lastErr  error
	width    int
}

func newModel(serverURL, token string, intervalSeconds int) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return model{
		serverURL: serverURL,
		token:     token,
		interval:  time.Duration(intervalSeconds) * time.Second,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
		spinner: sp,
		width:   80,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchStats(), tickEvery(m.interval))
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetchStats() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, strings.TrimSuffix(m.serverURL, "/")+"/admin/stats", nil)
		if err != nil {
			return statsMsg{err: err}
		}
		req.Header.Set("Authorization", "Bearer "+m.token)
		resp, err := m.client.Do(req)
		if err != nil {
			return statsMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statsMsg{err: fmt.Errorf("admin/stats returned status %d", resp.StatusCode)}
		}
		var snap statsSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return statsMsg{err: err}
		}
		return statsMsg{snapshot: snap}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetchStats()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchStats(), tickEvery(m.interval))

	case statsMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.snapshot = msg.snapshot
		m.history = append(m.history, msg.snapshot.Pool.AvgFailureRate*100)
		if len(m.history) > 120 {
			m.history = m.history[len(m.history)-120:]
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("cookierelay poolmon") + "  " + helpStyle.Render(m.serverURL) + "\n\n")

	if m.lastErr != nil {
		b.WriteString(m.spinner.View() + " " + errorStyle.Render("last poll failed: "+m.lastErr.Error()) + "\n\n")
	}

	s := m.snapshot.Pool
	b.WriteString(fmt.Sprintf("total       %d\n", s.Total))
	b.WriteString(healthyStyle.Render(fmt.Sprintf("healthy     %d", s.Healthy)) + "\n")
	b.WriteString(warnStyle.Render(fmt.Sprintf("quarantined %d", s.Quarantined)) + "\n")
	b.WriteString(errorStyle.Render(fmt.Sprintf("expired     %d", s.Expired)) + "\n")
	b.WriteString(errorStyle.Render(fmt.Sprintf("revoked     %d", s.Revoked)) + "\n\n")

	breakerStyle := healthyStyle
	switch m.snapshot.Breaker {
	case "open":
		breakerStyle = errorStyle
	case "half_open":
		breakerStyle = warnStyle
	}
	b.WriteString("circuit breaker: " + breakerStyle.Render(m.snapshot.Breaker) + "\n\n")

	if len(m.history) >= 2 {
		width := m.width - 10
		if width < 20 {
			width = 20
		}
		graph := asciigraph.Plot(m.history,
			asciigraph.Height(8),
			asciigraph.Width(width),
			asciigraph.Caption("avg failure rate % (recent)"),
		)
		b.WriteString(graph + "\n\n")
	}

	b.WriteString(helpStyle.Render("r refresh · q quit"))
	return b.String()
}
