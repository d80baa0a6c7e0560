package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/latebit/kbgraph/internal/app"
	"github.com/latebit/kbgraph/internal/config"
	"github.com/latebit/kbgraph/internal/graph"
	"github.com/latebit/kbgraph/internal/health"
	"github.com/latebit/kbgraph/internal/logging"
	"github.com/latebit/kbgraph/internal/tokens"
)

type model struct {
	app  *app.App
	ctx  context.Context
	root string

	viewport  viewport.Model
	spinner   spinner.Model
	items     []treeItem
	cursor    int
	collapsed map[string]bool
	details   bool

	busy   string
	status string
	err    error
	width  int
	height int
	ready  bool
}

// opResult is sent when an asynchronous graph operation finishes.
type opResult struct {
	op      string
	summary string
	err     error
}

func initialModel(ctx context.Context, a *app.App, root string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return model{
		app:       a,
		ctx:       ctx,
		root:      root,
		spinner:   sp,
		collapsed: make(map[string]bool),
		busy:      "fetching " + root,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.seed())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		if m.ready {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2 // title + divider
		footerHeight := 2 // divider + status bar
		viewportHeight := max(1, m.height-headerHeight-footerHeight)
		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if m.busy == "" {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case opResult:
		m.busy = ""
		m.err = msg.err
		m.status = msg.summary
		m.refresh()
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	}
	if m.details {
		switch msg.String() {
		case "esc", "d", "enter":
			m.details = false
			m.refresh()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "j", "down":
		m.moveCursor(1)
		return m, nil
	case "k", "up":
		m.moveCursor(-1)
		return m, nil
	case "g", "home":
		m.moveCursor(-len(m.items))
		return m, nil
	case "G", "end":
		m.moveCursor(len(m.items))
		return m, nil
	case " ", "left", "right", "h", "l":
		if item, ok := m.selected(); ok && item.hasChildren {
			m.collapsed[item.node.ID] = !m.collapsed[item.node.ID]
			m.refresh()
		}
		return m, nil
	case "d":
		if _, ok := m.selected(); ok {
			m.details = true
			m.refresh()
			m.viewport.GotoTop()
		}
		return m, nil
	}

	if m.busy != "" {
		return m, nil
	}
	item, ok := m.selected()
	var cmd tea.Cmd
	switch msg.String() {
	case "enter", "e":
		if ok {
			cmd = m.expand(item.node.ID, false)
		}
	case "r":
		if ok {
			cmd = m.expand(item.node.ID, true)
		}
	case "t":
		cmd = m.fetchTitles()
	case "c":
		cmd = m.check()
	case "x":
		cmd = m.toggleExternals()
	}
	if cmd == nil {
		return m, nil
	}
	return m, tea.Batch(m.spinner.Tick, cmd)
}

func (m *model) moveCursor(delta int) {
	m.cursor = max(0, min(m.cursor+delta, len(m.items)-1))
	m.refresh()
	if !m.ready {
		return
	}
	// Keep the cursor row on screen.
	switch {
	case m.cursor < m.viewport.YOffset:
		m.viewport.SetYOffset(m.cursor)
	case m.cursor >= m.viewport.YOffset+m.viewport.Height:
		m.viewport.SetYOffset(m.cursor - m.viewport.Height + 1)
	}
}

func (m model) selected() (treeItem, bool) {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return treeItem{}, false
	}
	return m.items[m.cursor], true
}

// refresh rebuilds the rows from the graph and redraws the viewport.
func (m *model) refresh() {
	var selectedID string
	if item, ok := m.selected(); ok {
		selectedID = item.node.ID
	}
	m.items = flattenTree(m.app.Model, m.collapsed)
	m.cursor = min(m.cursor, max(0, len(m.items)-1))
	for i, item := range m.items {
		if item.node.ID == selectedID {
			m.cursor = i
			break
		}
	}
	if !m.ready {
		return
	}
	if m.details {
		m.viewport.SetContent(m.detailsView())
		return
	}
	m.viewport.SetContent(renderTree(m.items, m.cursor, m.width))
}

func (m model) detailsView() string {
	item, ok := m.selected()
	if !ok {
		return ""
	}
	md := nodeDetails(item.node, m.app.Config.Instance, m.app.Model.Neighbors(item.node.ID))
	rendered, err := renderMarkdown(md, m.width)
	if err != nil {
		return md
	}
	return rendered
}

// Commands. Each runs one graph operation off the UI goroutine.

func (m *model) start(op string) {
	m.busy = op
	m.err = nil
}

func (m model) seed() tea.Cmd {
	a, ctx, root := m.app, m.ctx, m.root
	return func() tea.Msg {
		exp, err := a.Seed(ctx, root)
		if err != nil {
			return opResult{op: "seed", err: err}
		}
		return opResult{op: "seed", summary: fmt.Sprintf("%s: %d links", a.Model.Root(), len(exp.NewNodes))}
	}
}

func (m *model) expand(id string, retry bool) tea.Cmd {
	m.start("expanding " + id)
	a, ctx := m.app, m.ctx
	return func() tea.Msg {
		op := a.Model.ExpandNode
		if retry {
			op = a.Model.RetryExpansion
		}
		exp, err := op(ctx, id)
		switch {
		case errors.Is(err, graph.ErrAlreadyExpanded):
			return opResult{op: "expand", summary: id + " already expanded"}
		case err != nil:
			return opResult{op: "expand", err: err}
		}
		if exp.Empty() && !exp.CapacityReached {
			return opResult{op: "expand", summary: id + ": no new links"}
		}
		summary := fmt.Sprintf("%s: +%d nodes, +%d links", id, len(exp.NewNodes), len(exp.NewEdges))
		if exp.CapacityReached {
			summary += fmt.Sprintf(" (node limit reached, %d dropped)", exp.Rejected)
		}
		return opResult{op: "expand", summary: summary}
	}
}

func (m *model) fetchTitles() tea.Cmd {
	m.start("fetching titles")
	a, ctx := m.app, m.ctx
	return func() tea.Msg {
		changed, err := a.Model.FetchTitlesForUnexpanded(ctx)
		return opResult{op: "titles", summary: fmt.Sprintf("%d titles updated", len(changed)), err: err}
	}
}

func (m *model) check() tea.Cmd {
	m.start("checking links")
	a, ctx := m.app, m.ctx
	return func() tea.Msg {
		pending := health.Pending(a.Model.Nodes())
		changed, err := a.Checker.CheckBatch(ctx, a.Model, pending)
		return opResult{op: "check", summary: fmt.Sprintf("checked %d, %d changed", len(pending), len(changed)), err: err}
	}
}

func (m *model) toggleExternals() tea.Cmd {
	on := !m.app.Model.ShowExternal()
	m.start("updating external links")
	a := m.app
	return func() tea.Msg {
		added, removed := a.Model.SetExternalVisibility(on)
		if on {
			return opResult{op: "externals", summary: fmt.Sprintf("external links shown (+%d)", len(added.NewNodes))}
		}
		return opResult{op: "externals", summary: fmt.Sprintf("external links hidden (-%d)", removed)}
	}
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder
	title := lipgloss.NewStyle().Bold(true).Padding(0, 1).Width(m.width)
	heading := "kbgraph " + m.root
	if m.details {
		heading += "  details"
	}
	b.WriteString(title.Render(heading))
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("─", m.width))
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(strings.Repeat("─", m.width))
	b.WriteByte('\n')
	b.WriteString(m.statusBarView())
	return b.String()
}

func (m model) statusBarView() string {
	style := lipgloss.NewStyle().Width(m.width).Padding(0, 1)

	if m.busy != "" {
		return style.Render(m.spinner.View() + " " + m.busy + "...")
	}
	if m.err != nil {
		return style.Foreground(lipgloss.Color("9")).Render("Error: " + m.err.Error())
	}
	if m.details {
		return style.Faint(true).Render("[esc] back  [q] quit")
	}

	g := m.app.Model
	parts := []string{fmt.Sprintf("%d/%d nodes", g.NodeCount(), g.MaxNodes()), fmt.Sprintf("%d links", g.EdgeCount())}
	if untitled := len(g.Unresolved()); untitled > 0 {
		parts = append(parts, fmt.Sprintf("%d untitled", untitled))
	}
	if m.status != "" {
		parts = append(parts, m.status)
	}
	parts = append(parts, "[enter] expand [r] retry [t] titles [c] check [x] external [d] details [q] quit")
	if g.NodeCount() >= g.MaxNodes() {
		style = style.Foreground(lipgloss.Color("11"))
	}
	return style.Render(strings.Join(parts, "  "))
}

func renderMarkdown(body string, width int) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(20, width-4)),
	)
	if err != nil {
		return "", err
	}
	return r.Render(body)
}

func main() {
	configPath := flag.String("config", "", "config file (default ~/.kbgraph/config.toml if present)")
	instance := flag.String("instance", "", "instance URL (env: KBGRAPH_INSTANCE)")
	token := flag.String("token", "", "session token (env: KBGRAPH_TOKEN)")
	articlesDir := flag.String("articles-dir", "", "read articles from a directory instead of the instance")
	external := flag.Bool("external", false, "show external links from the start")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: kbgraph-tui [-instance URL] [-articles-dir DIR] KB0010001\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(config.Locate(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *instance != "" {
		cfg.Instance = *instance
	}
	if *articlesDir != "" {
		cfg.ArticlesDir = *articlesDir
	}
	if *external {
		cfg.ShowExternal = true
	}
	cfg.Token = app.ResolveToken(*token, cfg, tokens.DefaultPath())

	// The terminal belongs to the UI; logs are dropped unless a file is set.
	var logOut io.Writer = io.Discard
	if path := os.Getenv("KBGRAPH_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()
		logOut = f
	}
	a, err := app.New(cfg, logging.New(cfg.LogFormat, cfg.LogLevel, logOut))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(
		initialModel(ctx, a, flag.Arg(0)),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
