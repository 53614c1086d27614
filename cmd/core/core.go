// Package main is the ingestion core's process entrypoint.
//
// Architecture:
//
//	cmd/core/core.go           — Core struct: composition root wiring every worker
//	cmd/core/main.go           — entry point: loads config, starts Core, waits for SIGINT/SIGTERM
//	internal/poller            — cycle loop: fetch, normalize, classify, upsert
//	internal/wsclient          — WebSocket connect/reconnect/backoff, frame dispatch
//	internal/pricerouter       — implements wsclient.Dispatcher, writes per-outcome prices
//	internal/subscription      — keeps the WS Client's subscribed set in sync with live positions
//	internal/tpsl              — periodic take-profit/stop-loss scan, emits trigger events
//	internal/redeemable        — classifies on-chain positions against resolved markets
//	internal/store             — Postgres persistence (markets_poll, markets_ws, poller_state, …)
//	internal/coordination      — in-process manual-resync flag and cache-invalidation signal
package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-core/internal/config"
	"polymarket-core/internal/coordination"
	"polymarket-core/internal/gammaapi"
	"polymarket-core/internal/poller"
	"polymarket-core/internal/pricerouter"
	"polymarket-core/internal/redeemable"
	"polymarket-core/internal/store"
	"polymarket-core/internal/subscription"
	"polymarket-core/internal/tpsl"
	"polymarket-core/internal/wsclient"
)

const drainBudget = 5 * time.Second

// Core is the process-level composition root: it holds every long-lived
// dependency and assembles the workers from them, handing each only the
// subset it needs. No package-level globals.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.Store
	gamma       *gammaapi.Client
	ws          *wsclient.Client
	router      *pricerouter.Router
	poller      *poller.Poller
	subMgr      *subscription.Manager
	tpslMon     *tpsl.Monitor
	redeemer    *redeemable.Detector
	resync      *coordination.ResyncFlag
	invalidator *coordination.Invalidator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCore assembles every worker from cfg, connecting to Postgres and
// building the Gamma/WS clients. It starts no worker loops; the only
// goroutine it starts is the Redeemable Detector's invalidation watcher.
func NewCore(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	st, err := store.Open(cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gamma := gammaapi.NewClient(cfg.API.GammaBaseURL, cfg.API.CLOBBaseURL, logger)
	router := pricerouter.New(st, logger)
	resync := coordination.NewResyncFlag()
	invalidator := coordination.NewInvalidator()

	creds := wsclient.Credentials{APIKey: cfg.API.APIKey, Secret: cfg.API.Secret, Passphrase: cfg.API.Passphrase}
	ws := wsclient.New(cfg.API.WSSURL, creds, router, logger)

	p := poller.New(gamma, st, logger, cfg.Poller.PollInterval)
	subMgr := subscription.New(st, ws, resync, logger, cfg.Streamer.SubscriptionInterval)
	tpslMon := tpsl.New(st, logger, cfg.TPSL.ScanInterval)
	redeemer := redeemable.New(st, invalidator, logger)

	return &Core{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		gamma:       gamma,
		ws:          ws,
		router:      router,
		poller:      p,
		subMgr:      subMgr,
		tpslMon:     tpslMon,
		redeemer:    redeemer,
		resync:      resync,
		invalidator: invalidator,
	}, nil
}

// Start launches every enabled worker as a tracked goroutine. Disabled
// workers (POLLER_ENABLED=false etc.) are simply never started.
func (c *Core) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.Poller.Enabled {
		c.spawn("poller", func(ctx context.Context) { c.poller.Run(ctx) })
	}
	if c.cfg.Streamer.Enabled {
		c.spawn("wsclient", func(ctx context.Context) {
			if err := c.ws.Run(ctx); err != nil {
				c.logger.Error("websocket client exited", "error", err)
			}
		})
		c.spawn("subscription", func(ctx context.Context) { c.subMgr.Run(ctx) })
	}
	if c.cfg.TPSL.Enabled {
		c.spawn("tpsl", func(ctx context.Context) { c.tpslMon.Run(ctx) })
	}

	c.logger.Info("core started",
		"poller_enabled", c.cfg.Poller.Enabled,
		"streamer_enabled", c.cfg.Streamer.Enabled,
		"tpsl_enabled", c.cfg.TPSL.Enabled,
	)
}

func (c *Core) spawn(name string, run func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		run(c.ctx)
	}()
	c.logger.Info("worker started", "worker", name)
}

// TPSLTriggers exposes the TP/SL Monitor's trigger channel for the
// external trade-execution layer to consume.
func (c *Core) TPSLTriggers() <-chan tpsl.Trigger {
	return c.tpslMon.TriggerCh()
}

// Redeemable exposes the Redeemable Detector for on-demand classification
// requests from the external wallet layer.
func (c *Core) Redeemable() *redeemable.Detector {
	return c.redeemer
}

// Stop signals every worker to cancel, waits up to drainBudget, records
// last_sync, and closes the Store.
func (c *Core) Stop() {
	c.logger.Info("shutting down...")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainBudget):
		c.logger.Warn("drain budget exceeded, closing store anyway")
	}

	syncCtx, cancel := context.WithTimeout(context.Background(), drainBudget)
	defer cancel()
	if err := c.store.UpdatePollerLastSync(syncCtx, time.Now()); err != nil {
		c.logger.Error("failed to persist last_sync on shutdown", "error", err)
	}

	if err := c.store.Close(); err != nil {
		c.logger.Error("failed to close store", "error", err)
	}
}
