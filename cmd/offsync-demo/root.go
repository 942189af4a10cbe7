package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/medirec/offsync/connectivity"
	"github.com/medirec/offsync/engine"
	"github.com/medirec/offsync/repo"
	"github.com/medirec/offsync/resolve"
	"github.com/medirec/offsync/storage/sqlite"
	transporthttp "github.com/medirec/offsync/transport/http"
)

var rootCmd = &cobra.Command{
	Use:          "offsync-demo",
	Short:        "Offline-first record sync over a remote document store",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, demoCmd, conflictsCmd)
}

// app bundles the client-side pieces the commands share.
type app struct {
	cfg      *config
	store    *sqlite.Store
	remote   *transporthttp.Client
	engine   *engine.Engine
	resolver *resolve.Resolver
	monitor  *connectivity.Monitor
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.NewWithDataSource(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	remote := transporthttp.NewClient(cfg.RemoteURL)
	eng := engine.New(store, remote, engine.Config{
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
	})
	monitor := connectivity.NewMonitor(
		connectivity.HTTPProbe(cfg.RemoteURL, 5*time.Second),
		eng,
		connectivity.Config{Interval: time.Duration(cfg.ProbeSeconds) * time.Second},
	)
	monitor.Subscribe(func(online bool) {
		eng.Bus().Publish(engine.Event{Kind: engine.EventConnectivityChanged, Online: online})
	})

	return &app{
		cfg:      cfg,
		store:    store,
		remote:   remote,
		engine:   eng,
		resolver: resolve.New(store),
		monitor:  monitor,
	}, nil
}

func (a *app) repository(collection string) *repo.Collection {
	return repo.New(collection, a.cfg.FacilityID, a.store, a.resolver, a.engine)
}

func (a *app) close() {
	a.monitor.Stop()
	_ = a.engine.Close()
	_ = a.remote.Close()
	_ = a.store.Close()
}
