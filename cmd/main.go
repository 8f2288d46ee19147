// Command satstacker runs recurring bitcoin purchases on cron schedules.
//
// Usage:
//
//	satstacker --config config.yaml          run the scheduler and HTTP API
//	satstacker --config config.yaml --setup  create a schedule interactively
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vadiminshakov/satstacker/config"
	"github.com/vadiminshakov/satstacker/internal/metrics"
	"github.com/vadiminshakov/satstacker/internal/scheduler"
	"github.com/vadiminshakov/satstacker/internal/services/gateway"
	"github.com/vadiminshakov/satstacker/internal/services/lifecycle"
	"github.com/vadiminshakov/satstacker/internal/services/notifier"
	"github.com/vadiminshakov/satstacker/internal/services/runner"
	"github.com/vadiminshakov/satstacker/internal/services/wallet"
	"github.com/vadiminshakov/satstacker/internal/setup"
	"github.com/vadiminshakov/satstacker/internal/storage/eventlog"
	"github.com/vadiminshakov/satstacker/internal/storage/keystore"
	"github.com/vadiminshakov/satstacker/internal/storage/registrations"
	"github.com/vadiminshakov/satstacker/internal/storage/schedules"
	"github.com/vadiminshakov/satstacker/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("satstacker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := schedules.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	keys, err := keystore.NewStore(cfg.KeysDir())
	if err != nil {
		return errors.Wrap(err, "open key store")
	}

	journal, err := eventlog.NewWALStore(cfg.EventsWALDir())
	if err != nil {
		return errors.Wrap(err, "open event journal")
	}
	defer journal.Close()

	pending, err := registrations.NewWALStore(cfg.RegistrationsWALDir())
	if err != nil {
		return errors.Wrap(err, "open registration journal")
	}
	defer pending.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(registry, logger)

	events := notifier.New(journal, notifier.NewBroadcaster(256), logger)
	gateways := gateway.NewProvider(cfg.Retry, cfg.SimulateDir(), logger)

	runnerOpts := []runner.Option{runner.WithNotifier(events), runner.WithMetrics(sink)}
	if cfg.WalletEnabled() {
		node, err := wallet.NewBitcoindService(cfg.Wallet, logger)
		if err != nil {
			return errors.Wrap(err, "configure wallet")
		}
		runnerOpts = append(runnerOpts, runner.WithWallet(node))
	}
	executor := runner.New(store, keys, gateways, cfg, logger, runnerOpts...)

	triggers := scheduler.NewTriggerStore(ctx, executor.RunSchedule, cfg.Location, logger)
	manager := lifecycle.NewManager(lifecycle.Deps{
		Store:    store,
		Keys:     keys,
		Triggers: triggers,
		Journal:  pending,
		Runner:   executor,
		Gateways: gateways,
		Options:  cfg,
	}, logger, lifecycle.WithNotifier(events), lifecycle.WithMetrics(sink))

	if err := triggers.Restore(ctx, store, scheduler.MisfireDoNothing); err != nil {
		logger.Error("some schedules were not restored", zap.Error(err))
	}
	if err := manager.Reconcile(ctx); err != nil {
		logger.Warn("some pending registrations could not be reconciled", zap.Error(err))
	}

	if cfg.Setup {
		return setup.RunTUI(ctx, manager, triggers, cfg.Location)
	}

	triggers.Start()
	defer triggers.Stop()

	server := web.NewServer(cfg.HTTPAddr, manager, events, registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.AutocertDomain != "" {
			return server.StartWithAutoTLS(gctx, cfg.AutocertDomain, cfg.CertCacheDir())
		}
		return server.Start(gctx)
	})

	logger.Info("satstacker started",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("timezone", cfg.Location.String()),
		zap.String("data_dir", cfg.DataDir))

	return g.Wait()
}
