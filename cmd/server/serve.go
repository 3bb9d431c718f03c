package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"matchcore/api/grpcserver"
	"matchcore/domain/tx"
	"matchcore/infra/config"
	"matchcore/infra/kafka"
	"matchcore/infra/logging"
	"matchcore/infra/outbox"
	"matchcore/infra/verify"
	"matchcore/infra/wal"
	"matchcore/jobs/broadcaster"
	"matchcore/service"
	"matchcore/snapshot"
)

func serveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, closer, err := logging.New(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	f := cmd.Flags()
	f.String("log.level", "info", "log level")
	f.String("server.grpc_addr", ":9090", "gRPC listen address")
	f.String("server.metrics_addr", ":9100", "metrics listen address")
	f.Bool("engine.strict_invariants", false, "panic on internal consistency failures")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	// ---------------- Metrics ----------------

	engineMetrics := service.PrometheusMetrics(namespace)
	relayMetrics := broadcaster.PrometheusMetrics(namespace)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	// ---------------- Verifier ----------------

	verifier, err := verify.New(verify.Config{
		Workers:    cfg.Verify.Workers,
		MonitorKey: cfg.Verify.MonitorPubkey,
	}, log)
	if err != nil {
		return errors.Wrap(err, "verifier init failed")
	}

	// ---------------- Engine ----------------

	watermarks := make(map[tx.Chain]uint64, len(cfg.Deposits.Watermarks))
	for chain, block := range cfg.Deposits.Watermarks {
		watermarks[tx.ChainOf(chain).Upper()] = block
	}
	engine := service.New(service.Options{
		TradeTTL:         cfg.Engine.TradeTTL,
		StrictInvariants: cfg.Engine.StrictInvariants,
		Watermarks:       watermarks,
		Logger:           log,
		Metrics:          engineMetrics,
	})

	// ---------------- gRPC ----------------
	// up before recovery so health checks see NOT_SERVING

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return errors.Wrap(err, "listen failed")
	}
	api := grpcserver.NewServer(engine, log)
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(api.LogUnary))
	api.Register(grpcSrv)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	defer func() {
		cancel()
		_ = g.Wait()
	}()
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		api.Shutdown()
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	// ---------------- Snapshot ----------------

	store, err := openStore(cfg.Storage)
	if err != nil {
		return errors.Wrap(err, "snapshot store init failed")
	}
	defer store.Close()

	if err := restore(gctx, engine, store, cfg.Storage.RemoteSnapshotURL, log); err != nil {
		return errors.Wrap(err, "restore failed")
	}

	// ---------------- Outbox ----------------

	ob, err := outbox.Open(cfg.Storage.OutboxDir, log)
	if err != nil {
		return errors.Wrap(err, "outbox init failed")
	}
	defer ob.Close()

	// ---------------- WAL REPLAY ----------------

	journal, err := wal.Open(wal.Config{
		Dir:             cfg.Storage.WALDir,
		SegmentSize:     cfg.Storage.WALSegmentBytes,
		SegmentDuration: time.Minute,
	}, log)
	if err != nil {
		return errors.Wrap(err, "WAL init failed")
	}
	defer journal.Close()

	if _, err := service.ReplayFromWAL(gctx, cfg.Storage.WALDir, engine, verifier, ob, log); err != nil {
		return err
	}

	// ---------------- Background Jobs ----------------

	eventsProducer, err := broadcaster.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	sink := broadcaster.NewSaramaSink(eventsProducer, cfg.Kafka.EventsTopic)
	defer sink.Close()
	notifier := broadcaster.NewNotifier(cfg.Engine.NotifyQueue, sink, log, relayMetrics)

	withdrawProducer, err := broadcaster.NewProducer(cfg.Kafka.Brokers)
	if err != nil {
		return err
	}
	relay := broadcaster.New(ob, withdrawProducer, broadcaster.Config{
		Topic:      cfg.Kafka.WithdrawTopic,
		Interval:   cfg.Relay.Interval,
		MaxRetries: cfg.Relay.MaxRetries,
		PurgeAcked: cfg.Relay.PurgeAcked,
	}, log, relayMetrics)
	defer relay.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.TxTopic,
		GroupID: cfg.Kafka.Group,
	}, log)
	defer reader.Close()

	runner := service.NewRunner(service.RunnerConfig{SnapshotEvery: cfg.Engine.SnapshotEvery}, engine, service.RunnerDeps{
		Source:   reader,
		Verifier: verifier,
		Journal:  journal,
		Outbox:   ob,
		Notifier: notifier,
		Store:    store,
		Logger:   log,
		Metrics:  engineMetrics,
	})

	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })

	api.SetServing()
	last, _ := engine.LastIndex()
	log.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Uint64("last_index", last).
		Msg("🚀 matchcore running")

	return g.Wait()
}

func openStore(cfg config.Storage) (snapshot.Store, error) {
	if cfg.SnapshotBackend == "pebble" {
		return snapshot.OpenPebbleStore(cfg.SnapshotDir, 3)
	}
	return snapshot.NewFileStore(cfg.SnapshotDir, 3)
}

// restore loads the newest local snapshot, or on a cold node the remote
// one, which is then kept locally.
func restore(ctx context.Context, e *service.Engine, store snapshot.Store, url string, log zerolog.Logger) error {
	index, blob, err := store.Latest()
	switch {
	case err == nil:
		log.Info().Uint64("index", index).Int("bytes", len(blob)).Msg("restoring local snapshot")
		return e.Restore(blob)
	case !errors.Is(err, snapshot.ErrNoSnapshot):
		return err
	case url == "":
		log.Info().Msg("no snapshot, starting from genesis")
		return nil
	}

	log.Info().Str("url", url).Msg("fetching remote snapshot")
	blob, st, err := snapshot.Fetch(ctx, &http.Client{Timeout: 5 * time.Minute}, url)
	if err != nil {
		return err
	}
	if err := e.Load(st); err != nil {
		return err
	}
	if st.HasIndex {
		return store.Save(st.Index, blob)
	}
	return nil
}
