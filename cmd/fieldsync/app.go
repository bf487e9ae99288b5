package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cerdas-survey/fieldsync/internal/engine"
	"github.com/cerdas-survey/fieldsync/internal/events"
	"github.com/cerdas-survey/fieldsync/internal/gateway"
	"github.com/cerdas-survey/fieldsync/internal/logging"
	"github.com/cerdas-survey/fieldsync/internal/netstate"
	"github.com/cerdas-survey/fieldsync/internal/reconcile"
	"github.com/cerdas-survey/fieldsync/internal/session"
	"github.com/cerdas-survey/fieldsync/internal/store"
	"github.com/cerdas-survey/fieldsync/internal/ui"
	"github.com/cerdas-survey/fieldsync/internal/workflow"
)

// app bundles the components a logged-in command works with.
type app struct {
	store      *store.Store
	session    *session.Session
	client     *gateway.Client
	bus        *events.Bus
	monitor    *netstate.Monitor
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
	workflow   *workflow.Workflow
	out        *ui.Printer
}

func newPrinter() *ui.Printer {
	return &ui.Printer{Format: format, Out: rootCmd.OutOrStdout()}
}

// baseURL resolves the backend root: configuration wins over the URL
// remembered at login.
func baseURL(sess *session.Session) (string, error) {
	if cfg.BaseURL != "" {
		return cfg.BaseURL, nil
	}
	if sess != nil && sess.BaseURL != "" {
		return sess.BaseURL, nil
	}
	return "", fmt.Errorf("no backend configured: set base_url or pass --base-url")
}

// openApp loads the session and opens the database. It fails when nobody
// is logged in.
func openApp(ctx context.Context) (*app, error) {
	sess, err := session.Load(session.Path(cfg.DataDir))
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return nil, fmt.Errorf("not logged in: run 'fieldsync login' first")
		}
		return nil, err
	}
	root, err := baseURL(sess)
	if err != nil {
		return nil, err
	}

	client, err := gateway.New(gateway.Config{
		BaseURL: root,
		Timeout: cfg.HTTPTimeout,
		Token:   sess.Token,
		Logger:  logging.Component(logger, "gateway"),
	})
	if err != nil {
		return nil, err
	}

	st, err := store.OpenContext(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logging.Component(logger, "events"))

	monitor := netstate.New(client, &netstate.Config{
		Interval: cfg.Sync.PingInterval,
		Logger:   logging.Component(logger, "netstate"),
	})
	if offline {
		monitor.Set(false)
	}

	engCfg := engine.DefaultConfig(sess.UserID)
	engCfg.Tuning = cfg.Tuning()
	if cfg.Sync.RequestTimeout > 0 {
		engCfg.RequestTimeout = cfg.Sync.RequestTimeout
	}
	engCfg.Connectivity = monitor
	engCfg.Logger = logging.Component(logger, "engine")
	eng, err := engine.New(st, client, bus, engCfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	rec, err := reconcile.New(st, client, bus, reconcile.Config{
		UserID: sess.UserID,
		Logger: logging.Component(logger, "reconcile"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	var actions workflow.ActionsGateway = client
	if offline {
		actions = nil
	}
	wf, err := workflow.New(st, eng, actions, workflow.Config{
		UserID:   sess.UserID,
		SatkerID: sess.SatkerID,
		Logger:   logging.Component(logger, "workflow"),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		store:      st,
		session:    sess,
		client:     client,
		bus:        bus,
		monitor:    monitor,
		engine:     eng,
		reconciler: rec,
		workflow:   wf,
		out:        newPrinter(),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.WithError(err).Warn("failed to close database")
	}
}

// userID is the logged-in user.
func (a *app) userID() string {
	return a.session.UserID
}

// flush drains the queue once so that a just-queued action reaches the
// backend before the command exits. Offline runs leave the queue alone.
func (a *app) flush(ctx context.Context) *engine.DrainResult {
	if offline {
		return nil
	}
	res, err := a.engine.Drain(ctx)
	if err != nil {
		logger.WithError(err).Warn("drain failed; changes stay queued")
		return nil
	}
	return res
}

// reportFlush prints what flush did in text mode.
func (a *app) reportFlush(res *engine.DrainResult) {
	if a.out.Structured() {
		return
	}
	switch {
	case res == nil:
		fmt.Println(ui.RenderMuted("  queued; will be sent when online"))
	case res.Offline:
		fmt.Println(ui.RenderWarn("  offline; change stays queued"))
	case res.Attempted > 0:
		fmt.Println(ui.RenderMuted("  sync: " + res.String()))
	}
}
