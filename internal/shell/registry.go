package shell

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// CommandContext holds the state available to command handlers.
type CommandContext struct {
	Ctx   context.Context
	Out   io.Writer
	Shell *Shell
	Args  []string
	// Rest is the raw text after the command name, so JSON arguments keep
	// their spacing.
	Rest string
}

// CommandHandler runs a shell command. It returns true when the shell
// should exit.
type CommandHandler func(ctx CommandContext) bool

// Command describes a registered shell command.
type Command struct {
	Usage   string // full usage for help (e.g., "/get <store> <key>"); defaults to command name
	Help    string
	Handler CommandHandler
}

// CommandRegistry maps command names to handlers and produces help text.
// Once frozen, no new commands can be registered.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string // insertion order for stable help output
	frozen   bool
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]Command),
	}
}

// Register adds a command. The name includes the leading slash.
// Registering the same name twice overwrites the previous entry.
// Panics if cmd.Handler is nil or if the registry is frozen.
func (r *CommandRegistry) Register(name string, cmd Command) {
	if cmd.Handler == nil {
		panic("shell: Register called with nil handler for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("shell: Register called on frozen registry for " + name)
	}
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

// Freeze prevents further registration.
func (r *CommandRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Dispatch parses a command line and calls the matching handler.
// Returns true if the shell should exit.
func (r *CommandRegistry) Dispatch(ctx context.Context, line string, sh *Shell, out io.Writer) bool {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	name := parts[0]

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		_, _ = fmt.Fprintf(out, "Unknown command: %s (try /help)\n", name)
		return false
	}

	return cmd.Handler(CommandContext{
		Ctx:   ctx,
		Out:   out,
		Shell: sh,
		Args:  parts[1:],
		Rest:  strings.TrimSpace(strings.TrimPrefix(line, name)),
	})
}

// HelpText lists all registered commands in registration order.
func (r *CommandRegistry) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.order {
		cmd := r.commands[name]
		display := name
		if cmd.Usage != "" {
			display = cmd.Usage
		}
		_, _ = fmt.Fprintf(&b, "  %-28s %s\n", display, cmd.Help)
	}
	return b.String()
}

// RegisterBuiltins registers /help and /quit.
func (r *CommandRegistry) RegisterBuiltins() {
	r.Register("/quit", Command{
		Help: "leave the shell",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprintln(ctx.Out, "Goodbye.")
			return true
		},
	})

	r.Register("/help", Command{
		Help: "show this help",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprint(ctx.Out, r.HelpText())
			return false
		},
	})
}
