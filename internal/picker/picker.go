// Copyright 2026 The Otpclip Authors
// SPDX-License-Identifier: Apache-2.0

// Package picker implements an interactive fuzzy account chooser for
// the terminal. It renders the account list with an fzf-scored filter
// line; typing narrows the list, Enter accepts the highlighted entry,
// and Escape aborts without a choice.
package picker

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/junegunn/fzf/src/util"
)

// ErrAborted is returned by Run when the user leaves without
// accepting an entry.
var ErrAborted = errors.New("picker: aborted")

// KeyMap defines the picker key bindings.
type KeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Accept key.Binding
	Cancel key.Binding
}

// DefaultKeyMap is the built-in binding set.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "ctrl+p", "ctrl+k"),
		key.WithHelp("↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "ctrl+n", "ctrl+j"),
		key.WithHelp("↓", "down"),
	),
	Accept: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "copy"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc", "ctrl+c"),
		key.WithHelp("esc", "cancel"),
	),
}

// styles groups the lipgloss styles used by the view. Kept in one
// place so Run can build them once for the active color profile.
type styles struct {
	prompt    lipgloss.Style
	cursor    lipgloss.Style
	selected  lipgloss.Style
	normal    lipgloss.Style
	highlight lipgloss.Style
	count     lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		prompt:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		cursor:    lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		selected:  lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Bold(true),
		normal:    lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		count:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// fzf slab sizes, matching the defaults fzf itself allocates per
// matcher goroutine.
const (
	slab16Size = 100 * 1024
	slab32Size = 2048
)

// Model is the bubbletea model for the account chooser.
type Model struct {
	accounts []string
	keys     KeyMap
	styles   styles
	slab     *util.Slab

	query   string
	matches []match
	cursor  int
	width   int
	height  int

	chosen  string
	aborted bool
	done    bool
}

// NewModel builds a picker over the given account labels.
func NewModel(accounts []string) Model {
	m := Model{
		accounts: append([]string(nil), accounts...),
		keys:     DefaultKeyMap,
		styles:   defaultStyles(),
		slab:     util.MakeSlab(slab16Size, slab32Size),
		width:    80,
		height:   24,
	}
	m.matches = rank(m.accounts, "", m.slab)
	return m
}

// Chosen returns the accepted label, or "" when the picker was
// aborted or is still running.
func (m Model) Chosen() string {
	if m.aborted {
		return ""
	}
	return m.chosen
}

// Aborted reports whether the user cancelled.
func (m Model) Aborted() bool { return m.aborted }

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Cancel):
			m.aborted = true
			m.done = true
			return m, tea.Quit

		case key.Matches(msg, m.keys.Accept):
			if len(m.matches) > 0 {
				m.chosen = m.matches[m.cursor].label
				m.done = true
				return m, tea.Quit
			}
			return m, nil

		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case key.Matches(msg, m.keys.Down):
			if m.cursor < len(m.matches)-1 {
				m.cursor++
			}
			return m, nil
		}

		switch msg.Type {
		case tea.KeyRunes, tea.KeySpace:
			m.query += string(msg.Runes)
			m.refilter()
		case tea.KeyBackspace:
			if m.query != "" {
				runes := []rune(m.query)
				m.query = string(runes[:len(runes)-1])
				m.refilter()
			}
		}
	}
	return m, nil
}

// refilter re-ranks the accounts for the current query and clamps the
// cursor back into range.
func (m *Model) refilter() {
	m.matches = rank(m.accounts, m.query, m.slab)
	if m.cursor >= len(m.matches) {
		m.cursor = max(0, len(m.matches)-1)
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.done {
		return ""
	}

	var lines []string
	prompt := m.styles.prompt.Render("> ") + m.query + m.styles.cursor.Render("▎")
	counter := m.styles.count.Render(fmt.Sprintf("  %d/%d", len(m.matches), len(m.accounts)))
	lines = append(lines, ansi.Truncate(prompt+counter, m.width, "…"))

	// Leave one row for the prompt line.
	visible := m.height - 1
	if visible < 1 {
		visible = 1
	}
	offset := 0
	if m.cursor >= visible {
		offset = m.cursor - visible + 1
	}

	for i := offset; i < len(m.matches) && i-offset < visible; i++ {
		entry := m.matches[i]
		selected := i == m.cursor

		marker := "  "
		rowStyle := m.styles.normal
		if selected {
			marker = m.styles.cursor.Render("▌ ")
			rowStyle = m.styles.selected
		}
		line := marker + highlightLabel(entry, rowStyle, m.styles.highlight)
		lines = append(lines, ansi.Truncate(line, m.width, "…"))
	}

	out := ""
	for _, line := range lines {
		out += line + "\n"
	}
	return out
}

// highlightLabel renders a label with the fzf match positions in the
// highlight style and everything else in the base style.
func highlightLabel(entry match, base, highlight lipgloss.Style) string {
	if len(entry.positions) == 0 {
		return base.Render(entry.label)
	}

	matched := make(map[int]bool, len(entry.positions))
	for _, pos := range entry.positions {
		matched[pos] = true
	}

	var out string
	var run []rune
	runHighlighted := false
	flush := func() {
		if len(run) == 0 {
			return
		}
		if runHighlighted {
			out += highlight.Render(string(run))
		} else {
			out += base.Render(string(run))
		}
		run = run[:0]
	}
	for i, r := range []rune(entry.label) {
		if matched[i] != runHighlighted {
			flush()
			runHighlighted = matched[i]
		}
		run = append(run, r)
	}
	flush()
	return out
}

// Run displays the picker on the controlling terminal and returns the
// accepted account label. The UI draws to stderr so stdout stays
// clean for scripting.
func Run(accounts []string) (string, error) {
	program := tea.NewProgram(NewModel(accounts), tea.WithOutput(os.Stderr))
	final, err := program.Run()
	if err != nil {
		return "", fmt.Errorf("running picker: %w", err)
	}
	model := final.(Model)
	if model.Aborted() || model.Chosen() == "" {
		return "", ErrAborted
	}
	return model.Chosen(), nil
}
