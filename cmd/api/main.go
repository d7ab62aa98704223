package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"marketcore.org/internal/auth"
	"marketcore.org/internal/clock"
	"marketcore.org/internal/config"
	"marketcore.org/internal/domain"
	"marketcore.org/internal/httpapi"
	"marketcore.org/internal/ledger"
	"marketcore.org/internal/market"
	"marketcore.org/internal/obs"
	"marketcore.org/internal/rpc"
	"marketcore.org/internal/store/memory"
	"marketcore.org/internal/store/pg"
	"marketcore.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, ready, closeStore := openStore(cfg, log)
	defer closeStore()

	clk := clock.NewSystem()
	hub := stream.New()
	led := ledger.NewService(store, clk, ledger.WithConfig(cfg.Ledger()))
	svc := market.NewService(store, led, clk,
		market.WithConfig(cfg.Market()),
		market.WithNotifier(hub),
	)

	var verifier *auth.Verifier
	if cfg.AuthSecret != "" {
		verifier, err = auth.NewVerifier(cfg.AuthSecret)
		if err != nil {
			log.WithError(err).Fatal("auth")
		}
	} else {
		log.Warn("MARKET_AUTH_SECRET is not set; authenticated routes answer 503")
	}

	api := httpapi.New(httpapi.Deps{
		Market:   svc,
		Verifier: verifier,
		Hub:      hub,
		Ready:    ready,
		Version:  version,
		Clock:    clk,
	})
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// no WriteTimeout: /v1/events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}

	var grpcOpts []grpc.ServerOption
	if verifier != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(rpc.AuthInterceptor(verifier)))
	}
	gs := grpc.NewServer(grpcOpts...)
	health := rpc.Register(gs, rpc.NewServer(led))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		return gs.Serve(lis)
	})

	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			runSweeper(ctx, led, cfg.SweepInterval, log)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gs.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server stopped")
		closeStore()
		os.Exit(1)
	}
	log.Info("stopped")
}

// openStore uses Postgres when a DSN is configured and an in-memory store
// with demo data otherwise.
func openStore(cfg config.Config, log logrus.FieldLogger) (market.Store, httpapi.ReadyProbe, func()) {
	if cfg.PGDSN == "" {
		log.Warn("MARKET_PG_DSN is not set; using the in-memory store with demo data")
		return seedDemo(memory.New()), nil, func() {}
	}
	st, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres")
	}
	return st, st, func() { _ = st.Close() }
}

func seedDemo(st *memory.Store) *memory.Store {
	st.PutUser(domain.User{ID: "demo-seller", IsActive: true})
	st.PutUser(domain.User{ID: "demo-buyer", Credit: 100_000, IsActive: true})
	st.PutProduct(domain.Product{
		ID:           "demo-logo",
		SellerID:     "demo-seller",
		Title:        "Logo design",
		Price:        5_000,
		DeliveryDays: 3,
		Revisions:    1,
		IsActive:     true,
		Extras:       []domain.Extra{{ID: "fast", Title: "Express delivery", Price: 1_000, DeliveryDays: 1}},
	})
	return st
}

func runSweeper(ctx context.Context, led *ledger.Service, every time.Duration, log logrus.FieldLogger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			released, err := led.ReleaseCleared(ctx)
			if err != nil {
				log.WithError(err).WithField("released", len(released)).Warn("scheduled sweep incomplete")
			}
		}
	}
}
