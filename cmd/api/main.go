package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"meridianbank.org/internal/bank"
	"meridianbank.org/internal/httpapi"
	"meridianbank.org/internal/obs"
	"meridianbank.org/internal/store/pg"
	"meridianbank.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	policy := policyFromEnv()

	// Postgres when a DSN is configured, in-memory core otherwise.
	var (
		svc   bank.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("MERIDIAN_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, policy)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer store.Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("MERIDIAN_PG_DSN not set, using in-memory store")
		svc = bank.NewInMemory(policy)
	}

	events := stream.New()
	api := httpapi.New(svc, events, probe, version)

	handler := httpapi.RequestID(
		httpapi.SecurityHeaders(
			httpapi.CORS(
				httpapi.MaxBodyBytes(
					httpapi.RateLimit(api.Handler(), rateBurst(), ratePerSec()),
					1<<20,
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting meridian-api %s on %s", version, srv.Addr)

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
	log.Println("Stopped")
}

func policyFromEnv() bank.Policy {
	policy := bank.DefaultPolicy()
	if raw := os.Getenv("MERIDIAN_MANAGER_THRESHOLD"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			log.Fatalf("MERIDIAN_MANAGER_THRESHOLD: %v", err)
		}
		policy.ManagerThreshold = v
	}
	if raw := os.Getenv("MERIDIAN_ADMIN_THRESHOLD"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			log.Fatalf("MERIDIAN_ADMIN_THRESHOLD: %v", err)
		}
		policy.AdminThreshold = v
	}
	if policy.AdminThreshold.LessThan(policy.ManagerThreshold) {
		log.Fatalf("admin threshold %s below manager threshold %s",
			policy.AdminThreshold, policy.ManagerThreshold)
	}
	return policy
}

func listenAddr() string {
	if addr := os.Getenv("MERIDIAN_LISTEN_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func rateBurst() int {
	return envInt("MERIDIAN_RATE_BURST", 50)
}

func ratePerSec() int {
	return envInt("MERIDIAN_RATE_PER_SEC", 25)
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		log.Fatalf("%s must be a positive integer", name)
	}
	return v
}
