package display

import (
	"os"

	"golang.org/x/term"
)

// TerminalCapabilities represents what the terminal supports
type TerminalCapabilities struct {
	SupportsColor bool
	Width         int
	IsInteractive bool
	IsPiped       bool
}

// DetectCapabilities inspects stdout and the environment
func DetectCapabilities() TerminalCapabilities {
	fd := int(os.Stdout.Fd())
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = 80
	}
	return TerminalCapabilities{
		SupportsColor: colorEnabled(term.IsTerminal(fd)),
		Width:         width,
		IsInteractive: term.IsTerminal(int(os.Stdin.Fd())),
		IsPiped:       isPiped(),
	}
}

func colorEnabled(tty bool) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if !tty || isCI() {
		return false
	}
	return os.Getenv("TERM") != "dumb"
}

func isCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "JENKINS_URL", "BUILDKITE"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func isPiped() bool {
	stat, err := os.Stdout.Stat()
	if err != nil {
		return true
	}
	return stat.Mode()&os.ModeCharDevice == 0
}
