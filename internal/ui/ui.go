package ui

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Logger is the package-level structured logger. It always writes to
// stderr; stdout carries command output and hook responses.
var Logger *log.Logger

var (
	headerStyle  lipgloss.Style
	successStyle lipgloss.Style
	warningStyle lipgloss.Style
	errorStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	promptStyle  lipgloss.Style
	accentStyle  lipgloss.Style
)

func init() {
	Logger = log.New(os.Stderr)
}

// Init sets up color detection, lipgloss styles, and the structured logger.
// Call this once at CLI startup. The logger level is Warn unless debug is
// set or HARNESS_DEBUG is non-empty.
func Init(noColorFlag, debug bool) {
	noColor := noColorFlag || os.Getenv("NO_COLOR") != ""

	if IsTerminal(os.Stderr) {
		SanitizeTerminal()
	}

	// Pre-set dark background to prevent termenv OSC query
	lipgloss.SetHasDarkBackground(true)

	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.NewOutput(os.Stderr).EnvColorProfile())
	}

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle = lipgloss.NewStyle().Faint(true)
	boldStyle = lipgloss.NewStyle().Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))

	Logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
		Prefix:          "harness",
		Level:           log.WarnLevel,
	})
	if debug || os.Getenv("HARNESS_DEBUG") != "" {
		Logger.SetLevel(log.DebugLevel)
		Logger.SetReportTimestamp(true)
	}
	if noColor {
		Logger.SetStyles(log.DefaultStyles())
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SanitizeTerminal resets a terminal left in raw mode by a previous process.
func SanitizeTerminal() {
	cmd := exec.Command("stty", "sane")
	cmd.Stdin = os.Stdin
	_ = cmd.Run()
	fmt.Fprint(os.Stderr, "\033[0m\r")
}

func Bold(s string) string   { return boldStyle.Render(s) }
func Dim(s string) string    { return dimStyle.Render(s) }
func Red(s string) string    { return errorStyle.Render(s) }
func Green(s string) string  { return successStyle.Render(s) }
func Yellow(s string) string { return warningStyle.Render(s) }

// StatusBadge colors a feature status name.
func StatusBadge(status string) string {
	switch status {
	case "verified":
		return Green(status)
	case "failed":
		return Red(status)
	case "implemented":
		return Yellow(status)
	case "in_progress":
		return accentStyle.Render(status)
	}
	return Dim(status)
}

// ProgressBar renders done/total as a fixed-width bar.
func ProgressBar(done, total, width int) string {
	if total <= 0 || width <= 0 {
		return dimStyle.Render(strings.Repeat("░", max(width, 0)))
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return successStyle.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", width-filled))
}

// Warning prints a styled warning message.
func Warning(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningStyle.Render("⚠"), msg)
}

// Error prints a styled error message.
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("✗"), msg)
}

// Info prints a styled informational message.
func Info(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Table prints a formatted table with headers and rows.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, boldStyle.Render(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Success prints a green check with a message.
func Success(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render("✓"), msg)
}

// Detail prints an indented key-value detail line.
func Detail(key, value string) {
	label := dimStyle.Render(fmt.Sprintf("  %s", key))
	fmt.Fprintf(os.Stderr, "%s %s\n", label, value)
}

// KeyValue prints a bold key with a value, for structured output blocks.
func KeyValue(key, value string) {
	fmt.Fprintf(os.Stderr, "  %s  %s\n", boldStyle.Render(key), value)
}

func SectionHeader(label string) {
	line := headerStyle.Render(fmt.Sprintf("── %s ──", label))
	fmt.Fprintf(os.Stderr, "\n%s\n\n", line)
}

func EmptyState(msg string) {
	fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(msg))
}

// CommandBanner renders a small branded banner for a command.
func CommandBanner(command string, subtitle string) {
	fmt.Fprint(os.Stderr, "\r")

	brand := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Render("H A R N E S S")

	cmdLine := accentStyle.Render(fmt.Sprintf("─── %s ───", strings.ToUpper(command)))

	content := fmt.Sprintf("%s\n%s", brand, cmdLine)
	if subtitle != "" {
		content += "\n" + dimStyle.Render(subtitle)
	}

	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(1).
		PaddingRight(1).
		Render(content)

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

// confirmModel asks a yes/no question before a destructive step. The
// selection starts on No so a stray enter keeps existing state.
type confirmModel struct {
	prompt   string
	yes      bool
	decided  bool
	accepted bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y":
		m.yes = true
	case "n", "N", "esc", "ctrl+c", "q":
		m.yes = false
	case "tab", "left", "right", "h", "l":
		m.yes = !m.yes
		return m, nil
	case "enter":
	default:
		return m, nil
	}
	m.decided, m.accepted = true, m.yes
	return m, tea.Quit
}

func (m confirmModel) View() string {
	choice := func(label string, selected bool) string {
		if selected {
			return promptStyle.Render("[" + label + "]")
		}
		return dimStyle.Render(" " + label + " ")
	}
	return fmt.Sprintf("%s  %s %s\n%s",
		warningStyle.Render(m.prompt),
		choice("yes", m.yes), choice("no", !m.yes),
		dimStyle.Render("y/n answers, tab switches, enter accepts"))
}

// Confirm asks prompt on stderr and reports whether the user agreed.
func Confirm(prompt string) (bool, error) {
	final, err := tea.NewProgram(confirmModel{prompt: prompt}, tea.WithOutput(os.Stderr)).Run()
	if err != nil {
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	fmt.Fprintln(os.Stderr)
	return final.(confirmModel).accepted, nil
}

// Spinner shows progress for a slow step, such as tracker calls, on
// stderr together with the elapsed time.
type Spinner struct {
	msg  string
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSpinner starts a spinner labelled msg. Callers must Stop it.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{msg: msg, quit: make(chan struct{})}
	s.wg.Add(1)
	go s.loop(time.Now())
	return s
}

func (s *Spinner) loop(start time.Time) {
	defer s.wg.Done()
	const frames = `|/-\`
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for n := 0; ; n++ {
		elapsed := time.Since(start).Truncate(time.Second)
		fmt.Fprintf(os.Stderr, "\r%s %s %s", accentStyle.Render(string(frames[n%len(frames)])), s.msg, dimStyle.Render(elapsed.String()))
		select {
		case <-tick.C:
		case <-s.quit:
			fmt.Fprint(os.Stderr, "\r\033[K")
			return
		}
	}
}

// Stop clears the spinner line. Repeated calls are no-ops.
func (s *Spinner) Stop() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}
