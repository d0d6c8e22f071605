package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/chaz8081/readerlink/internal/supervisor"
)

// Prompter asks the operator for a reader password. On a terminal input is
// read with echo off; otherwise one line is read from the input stream.
// An empty answer, EOF or a done context counts as cancel.
type Prompter struct {
	out io.Writer

	mu       sync.Mutex
	lines    *bufio.Reader
	readPass func() ([]byte, error) // nil when input is not a terminal
	pending  chan answer            // read still running from a cancelled prompt
}

// NewPrompter prompts on out and reads from in, disabling echo when in is a
// terminal.
func NewPrompter(in *os.File, out io.Writer) *Prompter {
	p := &Prompter{out: out, lines: bufio.NewReader(in)}
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		p.readPass = func() ([]byte, error) { return term.ReadPassword(fd) }
	}
	return p
}

// NewLinePrompter reads answers line by line from in.
func NewLinePrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{out: out, lines: bufio.NewReader(in)}
}

var _ supervisor.CredentialPrompter = (*Prompter)(nil)

type answer struct {
	text string
	err  error
}

// RequestCredential implements supervisor.CredentialPrompter.
func (p *Prompter) RequestCredential(ctx context.Context, deviceName string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "Password for %s (empty to keep current): ", deviceName)

	if p.pending == nil {
		ch := make(chan answer, 1)
		go func() {
			text, err := p.read()
			ch <- answer{text, err}
		}()
		p.pending = ch
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", false
	case a := <-p.pending:
		p.pending = nil
		if p.readPass != nil {
			// Echo was off, so the newline never reached the terminal.
			fmt.Fprintln(p.out)
		}
		if a.err != nil && a.err != io.EOF {
			slog.Warn("[SUP] password prompt failed", "error", a.err)
			return "", false
		}
		if a.text == "" {
			return "", false
		}
		return a.text, true
	}
}

func (p *Prompter) read() (string, error) {
	if p.readPass != nil {
		b, err := p.readPass()
		return strings.TrimRight(string(b), "\r\n"), err
	}
	line, err := p.lines.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}
