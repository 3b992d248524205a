package main

import (
	"fmt"
	"os"

	"github.com/operatorhq/operator/internal/api"
	"github.com/operatorhq/operator/internal/config"
	"github.com/operatorhq/operator/internal/launcher"
	"github.com/operatorhq/operator/internal/logging"
	"github.com/operatorhq/operator/internal/notify"
	"github.com/operatorhq/operator/internal/schema"
	"github.com/operatorhq/operator/internal/supervisor"
	"github.com/operatorhq/operator/internal/ticket"
	"github.com/operatorhq/operator/internal/tmux"
)

// app bundles the collaborators every command needs.
type app struct {
	cfg   *config.Config
	paths config.Paths
	reg   *schema.Registry
	store *ticket.Store
}

// loadApp loads config and the registry rooted at the current directory.
func loadApp(configPath string) (*app, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root, configPath)
	if err != nil {
		return nil, err
	}
	paths := config.PathsFor(root, cfg)

	if err := logging.Init(cfg.Logging, paths.LogsDir()); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	reg, err := schema.Load(schema.LoadOptions{
		IssueTypesDir:    paths.IssueTypesDir(),
		ActiveCollection: cfg.Collections.Active,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:   cfg,
		paths: paths,
		reg:   reg,
		store: ticket.NewStore(paths, reg),
	}, nil
}

// ensureDirs creates the tickets tree when missing, so first runs work in
// a fresh workspace.
func (a *app) ensureDirs() error {
	for _, dir := range []string{
		a.paths.QueueDir(), a.paths.InProgressDir(), a.paths.CompletedDir(), a.paths.OperatorDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// dispatcher wires the configured notification sinks.
func (a *app) dispatcher() *notify.Dispatcher {
	d := notify.NewDispatcher()
	d.Register(notify.NewDesktopSink(a.cfg.Notifications.Desktop))
	for _, wh := range a.cfg.Notifications.Webhooks {
		d.Register(notify.NewWebhookSink(wh))
	}
	return d
}

// launcher builds the session launcher over the real tmux client.
func (a *app) launcher() (*launcher.Launcher, *tmux.Client) {
	tm := tmux.NewClient()
	return launcher.New(a.cfg, a.paths, a.reg, a.store, tm), tm
}

// supervisor wires a supervisor over the real launcher and tmux.
func (a *app) supervisor(d *notify.Dispatcher) (*supervisor.Supervisor, error) {
	if err := a.ensureDirs(); err != nil {
		return nil, err
	}
	l, tm := a.launcher()
	return supervisor.New(a.cfg, a.paths, a.reg, a.store, l, tm, d, launcher.Options{}), nil
}

// apiStream registers the websocket event stream with the dispatcher.
func (a *app) apiStream(d *notify.Dispatcher) *api.EventStream {
	stream := api.NewEventStream()
	d.Register(stream)
	return stream
}

// apiServer builds the REST server over the supervisor.
func (a *app) apiServer(sup *supervisor.Supervisor, stream *api.EventStream) *api.Server {
	l, _ := a.launcher()
	return api.NewServer(a.cfg, a.paths, a.reg, a.store, sup, l, stream)
}
