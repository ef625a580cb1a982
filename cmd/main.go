// Command bridged runs the bridge ledger: it sequences signed actions, commits
// the ledger state, relays deposits and oracle prices from the external chain,
// and settles finalized withdrawals.
//
// Usage:
//
//	bridged --config config.yaml
//
// Environment variables:
//
//	BRIDGE_OPERATOR_KEY        operator private key (hex), overrides operator.key
//	BRIDGE_KEYSTORE_PASSPHRASE passphrase for operator.keystore
package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vadiminshakov/bridgeledger/config"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/clients"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/engine"
	"github.com/vadiminshakov/bridgeledger/internal/events"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
	"github.com/vadiminshakov/bridgeledger/internal/sequencer"
	"github.com/vadiminshakov/bridgeledger/internal/services/relay"
	"github.com/vadiminshakov/bridgeledger/internal/storage/actionlog"
	"github.com/vadiminshakov/bridgeledger/internal/storage/checkpoints"
	"github.com/vadiminshakov/bridgeledger/internal/storage/cursors"
	"github.com/vadiminshakov/bridgeledger/internal/storage/releases"
	"github.com/vadiminshakov/bridgeledger/internal/web"
	"github.com/vadiminshakov/bridgeledger/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const notificationBuffer = 256

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogDevelopment)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal("bridge stopped with error", zap.Error(err))
	}
	logger.Info("bridge stopped")
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	operator, err := cfg.Operator()
	if err != nil {
		return errors.Wrap(err, "load operator key")
	}
	logger.Info("operator loaded", zap.Stringer("address", operator.Address()))

	genesis, err := ledger.LoadGenesis(cfg.GenesisPath)
	if err != nil {
		return err
	}
	eng, err := engine.New(genesis, engine.Params{
		Operator:          operator.Address(),
		SecondaryDecimals: cfg.SecondaryDecimals,
		RejectStalePrice:  cfg.RejectStalePrice,
	})
	if err != nil {
		return err
	}
	schema := actions.NewSchema(cfg.Domain)

	actionLog, err := actionlog.NewWALStore(cfg.Dir("actions"))
	if err != nil {
		return err
	}
	defer actionLog.Close()
	checkpointStore, err := checkpoints.NewWALStore(cfg.Dir("checkpoints"))
	if err != nil {
		return err
	}
	defer checkpointStore.Close()
	journal, err := releases.Open(cfg.Dir("releases"))
	if err != nil {
		return err
	}
	defer journal.Close()
	cursor, err := cursors.NewWALStore(cfg.Dir("cursor"))
	if err != nil {
		return err
	}
	defer cursor.Close()

	bus := events.NewNotificationBroadcaster(notificationBuffer)
	seq := sequencer.New(logger.Named("sequencer"), schema, eng, actionLog, checkpointStore, bus, sequencer.Config{
		InboxSize:          cfg.QueueSize,
		CheckpointEvery:    cfg.CheckpointEvery,
		CheckpointInterval: cfg.CheckpointInterval,
	})
	if err := seq.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover ledger")
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return errors.Wrapf(err, "dial %s", cfg.RPCURL)
	}
	defer rpc.Close()

	watcher, err := clients.NewChainWatcher(logger.Named("watcher"), rpc, cursor, clients.WatcherConfig{
		Bridge:        cfg.BridgeContract,
		EventNames:    cfg.EventNames,
		Confirmations: cfg.Confirmations,
		PollInterval:  cfg.PollInterval,
		StartBlock:    cfg.StartBlock,
		MaxBlockRange: cfg.MaxBlockRange,
	})
	if err != nil {
		return err
	}
	settlement, err := clients.NewSettlementClient(logger.Named("settlement"), rpc, operator, clients.SettlementConfig{
		Contract: cfg.SettlementContract,
		ChainID:  big.NewInt(cfg.Domain.ChainID),
		GasLimit: cfg.ReleaseGasLimit,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bridge, err := relay.New(
		logger.Named("relay"),
		relay.Config{
			FinalizedStatus:       cfg.FinalizedStatus,
			MaxConcurrentReleases: cfg.MaxConcurrentReleases,
			RetryFailedOnStart:    cfg.RetryFailedOnStart,
			AwaitTimeout:          cfg.ReleaseAwaitTimeout,
		},
		schema, operator, seq, seq, settlement, journal,
		relay.NewMetrics(registry),
		retrier.WithInitialInterval(cfg.Retry.InitialInterval),
		retrier.WithMaxInterval(cfg.Retry.MaxInterval),
		retrier.WithMaxRetries(cfg.Retry.MaxRetries),
		retrier.WithMultiplier(cfg.Retry.Multiplier),
	)
	if err != nil {
		return err
	}

	server := &web.Server{
		Addr:              cfg.HTTPAddr,
		L:                 logger.Named("http"),
		Gatherer:          registry,
		Checkpoints:       checkpointStore,
		Statuses:          seq,
		Notifications:     bus,
		Releases:          bridge,
		SecondaryDecimals: cfg.SecondaryDecimals,
	}

	// the relay follows the stream losslessly; it must not be dropped as a slow reader
	finality := bus.SubscribeReliable()
	defer bus.Unsubscribe(finality)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return seq.Run(gctx)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	// the sequencer keeps publishing while it drains its inbox, after the relay
	// has stopped reading
	context.AfterFunc(gctx, func() { bus.Unsubscribe(finality) })
	g.Go(func() error {
		return bridge.Run(gctx, relay.Sources{
			NativeDeposits: watcher.Events(domain.EventNativeDeposit),
			AssetDeposits:  watcher.Events(domain.EventAssetDeposit),
			Prices:         watcher.Events(domain.EventPriceFeed),
			Notifications:  finality.C,
			Acks:           watcher,
		})
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("bridge started",
		zap.String("http", cfg.HTTPAddr),
		zap.Stringer("bridge_contract", cfg.BridgeContract),
		zap.Stringer("settlement_contract", cfg.SettlementContract))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
