package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/directory"
	"campusgate.org/internal/httpapi"
	"campusgate.org/internal/identity"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("CAMPUSGATE_PG_DSN")
	if dsn == "" {
		log.Fatal("CAMPUSGATE_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	provider, err := identity.NewRESTProvider(
		os.Getenv("CAMPUSGATE_PROVIDER_URL"),
		os.Getenv("CAMPUSGATE_PROVIDER_KEY"),
	)
	if err != nil {
		log.Fatalf("build identity provider: %v", err)
	}

	policy := access.DefaultPolicy()
	sync, err := access.NewSynchronizer(policy, store)
	if err != nil {
		log.Fatalf("build synchronizer: %v", err)
	}
	evaluator, err := access.NewEvaluator(policy, store, store)
	if err != nil {
		log.Fatalf("build evaluator: %v", err)
	}

	users, err := identity.NewService(store, provider, sync)
	if err != nil {
		log.Fatalf("build identity service: %v", err)
	}
	dir, err := directory.NewService(store, sync)
	if err != nil {
		log.Fatalf("build directory service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, users, dir, evaluator)

	addr := os.Getenv("CAMPUSGATE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting campusgate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = store.Close()
	log.Println("Stopped")
}
