// Command crashd runs the crash game server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pumpcrash/internal/chat"
	"pumpcrash/internal/config"
	"pumpcrash/internal/fairness"
	"pumpcrash/internal/game"
	"pumpcrash/internal/history"
	"pumpcrash/internal/ledger"
	"pumpcrash/internal/metrics"
	"pumpcrash/internal/protocol"
	"pumpcrash/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	log := newLogger(cfg)
	m := metrics.New()

	store, err := openStore(cfg, log, m)
	if err != nil {
		log.WithError(err).Fatal("open storage")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lastID, err := store.LastRoundID(ctx)
	if err != nil {
		log.WithError(err).Fatal("read last round")
	}
	ring := history.NewRing(cfg.HistorySize)
	recent, err := store.RecentRounds(ctx, cfg.HistorySize)
	if err != nil {
		log.WithError(err).Fatal("read recent rounds")
	}
	ring.Load(recent)
	if b, err := store.Bankroll(ctx); err == nil {
		log.WithFields(logrus.Fields{"last_round": lastID, "bankroll": b}).Info("storage ready")
	} else {
		log.WithError(err).Warn("bankroll unavailable")
	}

	hub := protocol.NewHub(protocol.Options{
		Sessions:       store,
		Chat:           chat.New(cfg.ChatHistorySize),
		History:        ring,
		Bankroll:       store.Bankroll,
		BetGranularity: cfg.BetGranularity,
		MaxBet:         cfg.MaxBet,
		Logger:         log,
		Metrics:        m,
	})
	engine := game.New(store, hub, game.Options{
		StartDelay:     cfg.StartDelay,
		TickInterval:   cfg.TickInterval,
		PauseDelay:     cfg.PauseDelay,
		GrowthRate:     cfg.GrowthRate,
		BetGranularity: cfg.BetGranularity,
		MaxBet:         cfg.MaxBet,
		BonusBPS:       cfg.BonusBPS,
		LastRoundID:    lastID,
		Logger:         log,
		Metrics:        m,
	})
	hub.SetEngine(engine)

	srv := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: server.NewRouter(server.Deps{
			Hub:          hub,
			Storage:      store,
			Metrics:      m,
			HouseEdgeBPS: cfg.HouseEdgeBPS,
			Logger:       log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The engine gets its own context so a signal lets the current round
	// finish instead of abandoning it.
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	g := new(errgroup.Group)
	g.Go(func() error {
		err := engine.Run(engineCtx)
		shutdownHTTP(srv, log)
		return err
	})
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancelEngine()
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-engine.Done():
			return nil
		}
		log.Info("signal received, stopping after the current round")
		if err := engine.Shutdown(context.Background()); err != nil && !errors.Is(err, game.ErrStopped) {
			return err
		}
		// a second signal aborts the round
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case <-sig:
			log.Warn("second signal, aborting")
			cancelEngine()
		case <-engine.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("bye")
}

func shutdownHTTP(srv *http.Server, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Warn("bad LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func openStore(cfg config.Config, log *logrus.Logger, m *metrics.Metrics) (ledger.Store, error) {
	if cfg.Storage == config.StorageMemory {
		return openMemory(cfg, log)
	}

	db, err := ledger.Open(cfg.DatabaseURL, cfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	retry := ledger.DefaultRetryPolicy()
	retry.Attempts = cfg.StorageRetries
	retry.Timeout = cfg.StorageTimeout
	retry.Backoff = cfg.StorageBackoff
	retry.OnRetry = func(op string, attempt int, err error) {
		m.OnRetry(op, attempt, err)
		log.WithError(err).WithFields(logrus.Fields{"op": op, "attempt": attempt}).Warn("retrying storage call")
	}
	pg := ledger.NewPostgres(db, ledger.PostgresOptions{
		HouseEdgeBPS:   cfg.HouseEdgeBPS,
		BankrollOffset: cfg.BankrollOffset,
		Genesis:        cfg.GenesisID,
		Retry:          retry,
		Logger:         log,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func openMemory(cfg config.Config, log *logrus.Logger) (ledger.Store, error) {
	seed := cfg.ChainSeed
	if seed == "" {
		var err error
		if seed, err = fairness.GenerateSeed(); err != nil {
			return nil, err
		}
		log.Warn("CHAIN_SEED not set, using a random chain")
	}
	chain, err := fairness.Generate(seed, cfg.GenesisID, cfg.ChainLength)
	if err != nil {
		return nil, err
	}
	if chain.Anchor() != cfg.GenesisHash {
		log.WithField("anchor", chain.Anchor()).Warn("chain anchor differs from GENESIS_HASH")
	}

	mem := ledger.NewMemory(chain, cfg.GenesisID, cfg.HouseEdgeBPS)
	mem.AutoRegister = true
	mem.BankrollOffset = cfg.BankrollOffset
	log.WithFields(logrus.Fields{"rounds": chain.Horizon() - chain.Genesis()}).Info("using in-memory storage")
	return mem, nil
}
