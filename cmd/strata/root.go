package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"strata/internal/access"
	"strata/internal/config"
	"strata/internal/engine"
	"strata/internal/kv"
	"strata/internal/kv/bolt"
	"strata/internal/kv/sqlite"
	"strata/internal/logging"
	"strata/internal/notify"
)

var logger = logging.For("cli")

var validFormats = []string{"text", "json"}

// rootOptions holds global flags and the configuration they produce.
type rootOptions struct {
	configPath string
	dataDir    string
	backend    string
	format     string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "strata",
		Short: "Versioned object-store databases with change notifications",
		Long: `strata manages named, versioned object-store databases on disk.

Every operation raises a notification. The serve command streams them to
WebSocket clients and accepts host messages in return.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file (default ~/.strata/config.toml)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&opts.backend, "backend", "", "storage backend: bolt or sqlite (overrides config)")
	flags.StringVar(&opts.format, "format", "text", "output format (text|json)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")

	cmd.AddCommand(
		newOpenCommand(opts),
		newStateCommand(opts),
		newDbsCommand(opts),
		newWriteCommand(opts, "add", false),
		newWriteCommand(opts, "put", true),
		newGetCommand(opts),
		newListCommand(opts),
		newDeleteCommand(opts),
		newClearCommand(opts),
		newQueryCommand(opts),
		newAddStoreCommand(opts),
		newDropCommand(opts),
		newShellCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// load reads the config file, applies flag overrides and configures
// logging.
func (o *rootOptions) load(cmd *cobra.Command) error {
	if !slices.Contains(validFormats, o.format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.format, validFormats)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.Storage.DataDir = o.dataDir
	}
	if o.backend != "" {
		cfg.Storage.Backend = o.backend
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logging.InitWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	o.cfg = cfg
	return nil
}

func (o *rootOptions) opener() (kv.Opener, error) {
	dir := o.cfg.DataDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	switch o.cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlite.NewOpener(dir)
	default:
		timeout, err := o.cfg.OpenTimeout()
		if err != nil {
			return nil, err
		}
		return bolt.NewOpener(dir, timeout)
	}
}

// env is the engine and manager behind one command invocation.
type env struct {
	factory *engine.Factory
	manager *access.Manager
	out     *output
}

func (o *rootOptions) env(cmd *cobra.Command) (*env, error) {
	opener, err := o.opener()
	if err != nil {
		return nil, err
	}
	desc, err := o.cfg.Descriptor()
	if err != nil {
		return nil, err
	}
	f := engine.NewFactory(opener)
	m, err := access.New(f, desc, access.CloseOnVersionChange(o.cfg.Database.CloseOnVersionChange))
	if err != nil {
		f.Close()
		return nil, err
	}
	m.Subscribe(func(n notify.Notification) {
		logger.Debug("notification", "action", n.ActionName, "failed", n.Failed, "message", n.Message)
	})
	return &env{
		factory: f,
		manager: m,
		out:     &output{format: o.format, w: cmd.OutOrStdout()},
	}, nil
}

func (e *env) Close() error {
	return e.factory.Close()
}

// handle opens the database after raising the descriptor to the stored
// version, so stores created by add-store stay reachable.
func (e *env) handle(ctx context.Context) (*access.Handle, error) {
	if _, err := e.manager.SyncVersion(ctx); err != nil {
		return nil, err
	}
	return e.manager.OpenDb(ctx)
}

// withHandle runs fn against an open handle and tears everything down
// afterwards.
func (o *rootOptions) withHandle(cmd *cobra.Command, fn func(ctx context.Context, e *env, h *access.Handle) error) error {
	e, err := o.env(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	h, err := e.handle(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(ctx, e, h)
}

// output writes command results as text or indented JSON.
type output struct {
	format string
	w      io.Writer
}

func (o *output) emit(data any, text func(w io.Writer)) error {
	if o.format == "json" {
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	text(o.w)
	return nil
}
