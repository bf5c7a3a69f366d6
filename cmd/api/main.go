package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tirta.org/internal/billing"
	"tirta.org/internal/binding"
	"tirta.org/internal/config"
	"tirta.org/internal/errbus"
	"tirta.org/internal/httpapi"
	"tirta.org/internal/mutate"
	"tirta.org/internal/obs"
	"tirta.org/internal/ocr"
	"tirta.org/internal/session"
	"tirta.org/internal/store"
	"tirta.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("TIRTA_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		st      store.Store
		pgStore *pg.Store
	)
	switch cfg.Store {
	case config.StorePostgres:
		pgStore, err = pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		st = pgStore
	default:
		st = store.NewMemory()
	}

	bus := errbus.New()
	errbus.AttachLogListener(bus, cfg.Development)

	var revoker session.Revoker
	if cfg.RedisAddr != "" {
		revoker = session.NewRedisRevoker(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	}
	auth, err := session.NewService(st, []byte(cfg.AuthSecret), revoker)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	if ttl, err := cfg.ParseTokenTTL(); err == nil && ttl > 0 {
		auth.SetTokenTTL(ttl)
	}

	readings := mutate.NewReadings(st, bus, binding.NewCollection(st, bus, billing.DecodeMeterReading))
	payments := mutate.NewPayments(st, bus, binding.NewCollection(st, bus, billing.DecodePayment))

	ready := httpapi.ReadyProbe{}
	if pgStore != nil {
		ready.DB = pgStore.DB()
	}

	api := httpapi.New(httpapi.Options{
		Store:        st,
		Bus:          bus,
		Auth:         auth,
		Readings:     readings,
		Payments:     payments,
		Prefill:      ocr.NewPrefill(st),
		Ready:        ready,
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		RateLimitRPS: cfg.RateLimitRPS,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tirta-api %s on %s (store=%s)", version, cfg.Addr, cfg.Store)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	grpcSrv := httpapi.NewGRPCServer(ready)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		log.Printf("gRPC health on %s", cfg.GRPCAddr)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
