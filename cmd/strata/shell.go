package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"strata/internal/access"
	"strata/internal/shell"
)

type stdio struct {
	io.Reader
	io.Writer
}

func newShellCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive console on the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withHandle(cmd, func(ctx context.Context, e *env, h *access.Handle) error {
				rw := stdio{Reader: cmd.InOrStdin(), Writer: cmd.OutOrStdout()}
				if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
					prev, err := term.MakeRaw(int(f.Fd()))
					if err != nil {
						return fmt.Errorf("entering raw mode: %w", err)
					}
					defer term.Restore(int(f.Fd()), prev)
				}
				sh := shell.New(e.manager, h)
				fmt.Fprintf(rw, "Connected to %s v%d. Type /help for commands.\r\n", h.Name(), h.Version())
				err := sh.Run(ctx, rw)
				// The shell may have reopened the database.
				if cur := sh.Handle(); cur != nil && cur != h {
					cur.Close()
				}
				return err
			})
		},
	}
}
