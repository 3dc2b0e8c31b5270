package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"memsub/internal/search"
	"memsub/internal/service"
)

var (
	borderColor = lipgloss.Color("240")
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// browseResultsMsg carries search results back into the model.
type browseResultsMsg struct {
	results []search.HybridResult
	err     error
}

type browseModel struct {
	svc        *service.Service
	ctx        context.Context
	queryInput textinput.Model
	table      table.Model
	results    []search.HybridResult
	renderer   *glamour.TermRenderer
	err        string
	width      int
	height     int
}

func newBrowseModel(ctx context.Context, svc *service.Service) browseModel {
	qi := textinput.New()
	qi.Placeholder = "Search memory..."
	qi.Focus()
	qi.Width = 60

	columns := []table.Column{
		{Title: "Score", Width: 6},
		{Title: "Layer", Width: 5},
		{Title: "Type", Width: 12},
		{Title: "Content", Width: 60},
	}
	t := table.New(table.WithColumns(columns), table.WithFocused(false), table.WithHeight(15))

	return browseModel{svc: svc, ctx: ctx, queryInput: qi, table: t}
}

func (m browseModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.queryInput.Width = m.width - 10
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.queryInput.Focused() {
				query := strings.TrimSpace(m.queryInput.Value())
				if query == "" {
					return m, nil
				}
				return m, m.runQuery(query)
			}
		case tea.KeyTab:
			if m.queryInput.Focused() {
				m.queryInput.Blur()
				m.table.Focus()
			} else {
				m.table.Blur()
				m.queryInput.Focus()
			}
			return m, nil
		}

	case browseResultsMsg:
		if msg.err != nil {
			m.err = msg.err.Error()
			m.results = nil
		} else {
			m.err = ""
			m.results = msg.results
		}
		m.rebuildTable()
		return m, nil
	}

	var cmd tea.Cmd
	if m.queryInput.Focused() {
		m.queryInput, cmd = m.queryInput.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m *browseModel) rebuildTable() {
	rows := make([]table.Row, 0, len(m.results))
	for _, r := range m.results {
		content := strings.ReplaceAll(r.Content, "\n", " ")
		if len(content) > 57 {
			content = content[:57] + "..."
		}
		rows = append(rows, table.Row{fmt.Sprintf("%.2f", r.Score), string(r.Layer), string(r.Type), content})
	}
	m.table.SetRows(rows)
}

func (m browseModel) runQuery(query string) tea.Cmd {
	return func() tea.Msg {
		results, err := m.svc.Search(m.ctx, query, search.HybridOptions{
			SearchOptions: search.SearchOptions{Limit: 20},
		})
		return browseResultsMsg{results: results, err: err}
	}
}

func (m browseModel) View() string {
	if m.width == 0 {
		return "loading..."
	}

	queryLine := "  " + m.queryInput.View()

	var resultsView string
	switch {
	case m.err != "":
		resultsView = errorStyle.Render("  error: " + m.err)
	case len(m.results) == 0:
		resultsView = mutedStyle.Render("  Enter a query and press Enter. Tab switches focus, Esc quits.")
	default:
		header := mutedStyle.Render(fmt.Sprintf("  %d results", len(m.results)))
		tableView := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Render(m.table.View())
		resultsView = header + "\n" + tableView + "\n" + m.detailView()
	}

	return lipgloss.JoinVertical(lipgloss.Left, queryLine, "", resultsView)
}

// detailView renders the currently-selected result's full content as
// Markdown, so a consolidated fact or a long episode reads the way it
// would in its on-disk file.
func (m *browseModel) detailView() string {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.results) {
		return ""
	}
	selected := m.results[i]

	if m.renderer == nil {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(m.width-4))
		if err != nil {
			return "\n  " + selected.Content
		}
		m.renderer = r
	}

	rendered, err := m.renderer.Render(selected.Content)
	if err != nil {
		return "\n  " + selected.Content
	}
	return "\n" + boldStyle.Render("  Detail:") + "\n" + rendered
}

// runBrowse launches the interactive memory browser.
func runBrowse(ctx context.Context, svc *service.Service) error {
	m := newBrowseModel(ctx, svc)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
