package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/pvhip/GymMaster/internal/audit"
	"github.com/pvhip/GymMaster/internal/auth"
	"github.com/pvhip/GymMaster/internal/catalog"
	"github.com/pvhip/GymMaster/internal/config"
	"github.com/pvhip/GymMaster/internal/enrollment"
	"github.com/pvhip/GymMaster/internal/httpapi"
	"github.com/pvhip/GymMaster/internal/ledger"
	"github.com/pvhip/GymMaster/internal/obs"
	"github.com/pvhip/GymMaster/internal/store/pg"
	"github.com/pvhip/GymMaster/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code so that deferred cleanup runs first.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		obs.Error("config", err, nil)
		return 1
	}

	obs.Init()
	obs.InitBuildInfo("gymmaster-api", version, commit)

	var (
		dir   catalog.Directory
		led   ledger.Ledger
		ready httpapi.ReadyProbe
	)
	if cfg.UsePostgres() {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			obs.Error("open_db", err, nil)
			return 1
		}
		defer store.Close()
		dir, led = store, store
		ready = httpapi.ReadyProbe{DB: store.DB()}
		obs.Info("backend_selected", map[string]any{"backend": "postgres"})
	} else {
		mem := catalog.NewInMemory()
		if err := mem.LoadFile(cfg.SeedFile); err != nil {
			obs.Error("load_catalog", err, nil)
			return 1
		}
		dir, led = mem, ledger.NewInMemory(mem)
		obs.Info("backend_selected", map[string]any{"backend": "memory", "seed": cfg.SeedFile})
	}

	events := stream.New()
	svc, err := enrollment.NewService(dir, led, enrollment.WithPublisher(events))
	if err != nil {
		obs.Error("enrollment_service", err, nil)
		return 1
	}
	signer, err := auth.NewSigner(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer))
	if err != nil {
		obs.Error("signer", err, nil)
		return 1
	}

	api := httpapi.New(svc, signer, httpapi.Options{
		Version:      version,
		Ready:        ready,
		Stream:       events,
		CORSOrigins:  cfg.CORSOrigins,
		RateBurst:    cfg.RateBurst,
		RatePerSec:   cfg.RateRPS,
		MaxBodyBytes: cfg.MaxBodyBytes,
		TokenTTL:     cfg.TokenTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(api.CloseStreams)

	health := httpapi.NewGRPCHealth(ready)
	gsrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		obs.Error("grpc_listen", err, nil)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		audit.Consume(events.Subscribe(gctx))
		return nil
	})
	g.Go(func() error {
		health.Watch(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		obs.Info("http_listen", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		obs.Info("grpc_listen", map[string]any{"addr": lis.Addr().String()})
		if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting_down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		// Health Watch streams hold GracefulStop open; cut them at the deadline.
		stopped := make(chan struct{})
		go func() {
			gsrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			gsrv.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		obs.Error("server_stopped", err, nil)
		return 1
	}
	obs.Info("stopped", nil)
	return 0
}
