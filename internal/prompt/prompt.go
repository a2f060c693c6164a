// Package prompt asks the operator for confirmation before destructive
// steps.
package prompt

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// Terminal confirms on the controlling terminal. Without a terminal on
// stdin every question is declined.
type Terminal struct {
	interactive func() bool
	ask         func(question string) (bool, error)
}

// NewTerminal returns a Terminal reading from stdin.
func NewTerminal() *Terminal {
	return &Terminal{
		interactive: stdinIsTerminal,
		ask:         askHuh,
	}
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func askHuh(question string) (bool, error) {
	var answer bool
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&answer).
		WithTheme(huh.ThemeBase()).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return answer, err
}

// Confirm asks question and reports whether the operator agreed.
func (t *Terminal) Confirm(question string) (bool, error) {
	if !t.interactive() {
		return false, nil
	}
	return t.ask(question)
}

// Fixed answers every question the same way, for -x and scripted use.
type Fixed bool

// Confirm returns the fixed answer.
func (f Fixed) Confirm(string) (bool, error) {
	return bool(f), nil
}
