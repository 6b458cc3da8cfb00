// Package shell is an interactive line interface to a managed database.
// Lines starting with "/" are commands; every notification raised by the
// manager is echoed to the terminal as it happens.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/term"

	"strata/internal/access"
	"strata/internal/logging"
	"strata/internal/notify"
)

var logger = logging.For("shell")

// Shell runs commands against one manager and its current handle.
type Shell struct {
	m   *access.Manager
	reg *CommandRegistry

	mu sync.Mutex
	h  *access.Handle
}

// New creates a shell over an already opened handle. The registry holds
// the builtin and record commands and is frozen.
func New(m *access.Manager, h *access.Handle) *Shell {
	reg := NewCommandRegistry()
	RegisterRecordCommands(reg)
	reg.RegisterBuiltins()
	reg.Freeze()
	return &Shell{m: m, reg: reg, h: h}
}

// Registry returns the shell's command registry.
func (s *Shell) Registry() *CommandRegistry { return s.reg }

// Manager returns the manager the shell drives.
func (s *Shell) Manager() *access.Manager { return s.m }

// Handle returns the current database handle.
func (s *Shell) Handle() *access.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// Reopen closes the current handle and opens a fresh one with the
// manager's descriptor.
func (s *Shell) Reopen(ctx context.Context) (*access.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != nil {
		_ = s.h.Close()
	}
	h, err := s.m.OpenDb(ctx)
	if err != nil {
		s.h = nil
		return nil, err
	}
	s.h = h
	return h, nil
}

// Exec dispatches a single line and reports whether the shell should exit.
func (s *Shell) Exec(ctx context.Context, line string, out io.Writer) bool {
	return s.reg.Dispatch(ctx, line, s, out)
}

func (s *Shell) prompt() string {
	h := s.Handle()
	if h == nil || !h.Open() {
		return "strata (closed)> "
	}
	return fmt.Sprintf("%s@v%d> ", h.Name(), h.Version())
}

// Run reads lines from rw until /quit, EOF, or ctx is cancelled.
func (s *Shell) Run(ctx context.Context, rw io.ReadWriter) error {
	t := term.NewTerminal(rw, s.prompt())
	cancel := s.m.Subscribe(func(n notify.Notification) {
		writeNotification(t, n)
	})
	defer cancel()

	logger.Debug("shell started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading line: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_, _ = fmt.Fprintln(t, "Commands start with / (try /help)")
			continue
		}
		if s.Exec(ctx, line, t) {
			return nil
		}
		t.SetPrompt(s.prompt())
	}
}

func writeNotification(w io.Writer, n notify.Notification) {
	mark := "*"
	if n.Failed {
		mark = "!"
	}
	_, _ = fmt.Fprintf(w, "%s [%s] %s\n", mark, n.ActionName, n.Message)
}
