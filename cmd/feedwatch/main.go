package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"arena-feed/internal/config"
	"arena-feed/pkg/balance"
	"arena-feed/pkg/events"
	"arena-feed/pkg/events/wsstream"
	"arena-feed/pkg/feed"
	"arena-feed/pkg/journal"
	"arena-feed/pkg/reconcile"
	"arena-feed/pkg/scheduler"
	"arena-feed/pkg/source"
	"arena-feed/pkg/store"
)

var configFile = flag.String("f", "etc/feed.yaml", "the config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	logx.Must(err)
	logx.MustSetup(cfg.Log)
	defer logx.Close()

	fc, err := cfg.FilterContext()
	logx.Must(err)

	entries := store.MustNew(store.Config{Name: cfg.Cache.Name, Limit: cfg.Cache.Limit, TTL: cfg.Cache.TTL})
	defer entries.Close()

	client, err := source.NewHTTPClient(source.HTTPConfig{
		BaseURL:       cfg.Source.BaseURL,
		Timeout:       cfg.Source.Timeout,
		RatePerSecond: cfg.Source.RatePerSecond,
		Burst:         cfg.Source.Burst,
	})
	logx.Must(err)

	engine, err := reconcile.New(reconcile.Config{
		Store:    entries,
		Adapters: client,
		Filter:   fc,
		Observer: logView,
	})
	logx.Must(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Stream.URL != "" {
		hub, err := wsstream.New(wsstream.Config{
			URL:        cfg.Stream.URL,
			MinBackoff: cfg.Stream.MinBackoff,
			MaxBackoff: cfg.Stream.MaxBackoff,
		})
		logx.Must(err)
		decoder, err := events.NewDecoder(events.DecoderOptions{ValidateSchema: cfg.Stream.ValidateSchema})
		logx.Must(err)

		ingestor := events.NewIngestor(hub, decoder, engine)
		ingestor.Start()
		defer ingestor.Close()

		if cfg.Journal.Record {
			recorder, err := journal.NewRecorder(cfg.Journal.Dir)
			logx.Must(err)
			detach := recorder.Attach(hub)
			defer detach()
		}

		hub.Start(ctx)
		defer hub.Close()
	} else {
		logx.Info("feedwatch: no stream url configured, running on snapshots only")
	}

	sched, err := scheduler.New(scheduler.Config{
		Engine:       engine,
		PollInterval: cfg.Scheduler.PollInterval,
		OnFilterChange: func(fc feed.FilterContext) {
			logx.Infof("feedwatch: filter switched key=%s", fc.Key())
		},
	})
	logx.Must(err)
	defer sched.Close()

	if err := engine.LoadAccounts(ctx); err != nil {
		logx.Errorf("feedwatch: account list unavailable err=%v", err)
	}
	sched.ActivateTab(feed.StreamTrades)
	sched.RequestRefresh()

	loader := balance.NewLoader(client)
	threading.GoSafe(func() {
		watchBalances(ctx, loader, engine, cfg.Scheduler.PollInterval)
	})

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		logx.Errorf("feedwatch: scheduler stopped err=%v", err)
	}
	logx.Info("feedwatch: shutting down")
}

func logView(v reconcile.View) {
	trades := v.Status(feed.StreamTrades)
	decisions := v.Status(feed.StreamDecisions)
	positions := v.Status(feed.StreamPositions)
	logx.Infof("feedwatch: view key=%s trades=%d(%s) decisions=%d(%s) positions=%d(%s) accounts=%d",
		v.Key, len(v.Trades), trades.Phase, len(v.Decisions), decisions.Phase,
		len(v.Positions), positions.Phase, len(v.AccountOptions))
}

func watchBalances(ctx context.Context, loader *balance.Loader, engine *reconcile.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = scheduler.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view := engine.View()
		accounts := balance.AccountsFromMeta(view.AccountOptions)
		summary, err := loader.Load(ctx, view.Filter.Environment, view.Filter.Account, accounts)
		switch {
		case errors.Is(err, balance.ErrUnsupportedEnvironment):
		case err != nil:
			logx.Errorf("feedwatch: balances loaded=%d/%d err=%v", summary.Loaded(), len(summary.Accounts), err)
		default:
			logx.Infof("feedwatch: balances loaded=%d updated=%s", summary.Loaded(), summary.LastUpdated.Format(time.RFC3339))
		}
		for _, acc := range summary.Accounts {
			if status, ok := acc.Margin(); ok {
				logx.Infof("feedwatch: account=%d name=%s equity=%.2f margin=%.2f%% status=%s",
					acc.AccountID, acc.AccountName, acc.Balance.TotalEquity, acc.Balance.MarginUsagePercent, status)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
