package listener

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// Listener wraps the readline instance behind the REPL. Async event output
// goes through it so background prints never tear the line being typed.
type Listener struct {
	rl        *readline.Instance
	mu        sync.Mutex
	holdAsync bool
	heldLines []string
}

func New(prompt string) (*Listener, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "",
		EOFPrompt:       "",
	})
	if err != nil {
		return nil, err
	}
	return &Listener{rl: rl}, nil
}

func (l *Listener) Close() {
	if l.rl != nil {
		_ = l.rl.Close()
	}
}

// BeginInteractive holds async prints until EndInteractive, so a multi-line
// exchange (plan preview, confirmation) is not interleaved with event output.
func (l *Listener) BeginInteractive() {
	l.mu.Lock()
	l.holdAsync = true
	l.mu.Unlock()
}

func (l *Listener) EndInteractive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdAsync = false
	for _, s := range l.heldLines {
		l.printAboveUnlocked(s)
	}
	l.heldLines = nil
	if l.rl != nil {
		l.rl.Refresh()
	}
}

func (l *Listener) printAboveUnlocked(s string) {
	if l.rl == nil {
		fmt.Println(s)
		return
	}
	_, _ = l.rl.Write([]byte("\r\n" + s + "\r\n"))
	l.rl.Refresh()
}

func (l *Listener) PrintAbove(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.printAboveUnlocked(s)
}

func (l *Listener) GetInput() string {
	line, err := l.rl.Readline()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// GetConfirmation swaps the prompt for one line and restores it.
func (l *Listener) GetConfirmation(prompt string) string {
	l.mu.Lock()
	old := l.rl.Config.Prompt
	l.rl.SetPrompt(prompt)
	l.mu.Unlock()

	line, err := l.rl.Readline()
	if err != nil {
		line = ""
	}
	ans := strings.TrimSpace(strings.ToLower(line))

	l.mu.Lock()
	l.rl.SetPrompt(old)
	l.mu.Unlock()
	return ans
}

// AsyncPrintln prints a line from a background goroutine without breaking the
// current input. Held while an interactive exchange is in progress.
func (l *Listener) AsyncPrintln(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holdAsync {
		l.heldLines = append(l.heldLines, s)
		return
	}
	l.printAboveUnlocked(s)
}

// AskYesNo loops until the user gives a yes/no answer. Callers hold async
// output with BeginInteractive when the question follows other printed text.
func (l *Listener) AskYesNo(question string) bool {
	for {
		value, ok := parseYesNo(l.GetConfirmation(question + " [y/n] > "))
		if ok {
			return value
		}
		l.PrintAbove("Invalid input. Please enter 'y' or 'n'.")
	}
}

func parseYesNo(ans string) (value, ok bool) {
	switch ans {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	}
	return false, false
}
