package main

import (
	"context"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"strata/internal/access"
	"strata/internal/bridge"
	"strata/internal/config"
	"strata/internal/schema"
	"strata/internal/watch"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		listen  string
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve notifications over WebSocket and follow schema file changes",
		Long: `Open the configured database and serve the host bridge.

Every notification is sent as JSON to all connected clients; text frames
from clients are raised as HostMessage notifications. When the database is
declared in a schema file, edits that raise its version re-open the
database, upgrading it in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				opts.cfg.Bridge.Listen = listen
			}
			return runServe(cmd, opts, !noWatch)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "bridge listen address (overrides config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch the schema file")
	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions, watchSchema bool) error {
	e, err := opts.env(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	h, err := e.handle(ctx)
	if err != nil {
		return err
	}
	cur := &currentHandle{h: h}
	defer cur.close()

	bc := opts.cfg.Bridge
	srv := bridge.NewServer(bridge.Options{
		Addr:          bc.Listen,
		Path:          bc.Path,
		MaxMsgsPerSec: float64(bc.MaxMsgsPerSec),
	}, e.manager)
	if err := srv.Listen(); err != nil {
		return err
	}
	unsubscribe := e.manager.Subscribe(srv.Notify)
	defer unsubscribe()

	var fw *watch.FileWatcher
	if file := opts.cfg.Database.SchemaFile; watchSchema && file != "" {
		fw, err = watch.New(config.ExpandHome(file), watch.DefaultDebounce, func(path string) {
			reloadSchema(ctx, e.manager, cur, path)
		})
		if err != nil {
			srv.Stop()
			return err
		}
	}

	logger.Info("bridge listening", "addr", srv.Addr(), "path", srv.Path(), "db", h.Name(), "version", h.Version())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if fw != nil {
		g.Go(func() error { return fw.Run(gctx) })
	}
	err = g.Wait()
	logger.Info("bridge stopped")
	return err
}

// currentHandle is the handle serve is working with; schema reloads swap
// it.
type currentHandle struct {
	mu sync.Mutex
	h  *access.Handle
}

func (c *currentHandle) get() *access.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *currentHandle) swap(h *access.Handle) {
	c.mu.Lock()
	old := c.h
	c.h = h
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (c *currentHandle) close() {
	c.swap(nil)
}

// reloadSchema re-opens the database when the schema file declares a newer
// version. The old handle receives a VersionChange and closes.
func reloadSchema(ctx context.Context, m *access.Manager, cur *currentHandle, path string) {
	d, err := schema.Load(path)
	if err != nil {
		logger.Warn("schema reload failed", "path", path, "err", err)
		return
	}
	if h := cur.get(); h != nil && d.Version <= h.Version() {
		logger.Info("schema changed without a version bump, ignoring", "path", path, "version", d.Version)
		return
	}
	if err := m.SetDescriptor(d); err != nil {
		logger.Warn("schema reload rejected", "path", path, "err", err)
		return
	}
	h, err := m.OpenDb(ctx)
	if err != nil {
		logger.Error("re-opening database failed", "db", d.Name, "err", err)
		return
	}
	cur.swap(h)
	logger.Info("database re-opened", "db", h.Name(), "version", h.Version())
}
