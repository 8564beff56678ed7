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

	"github.com/prometheus/client_golang/prometheus"

	"gatewave.org/internal/bind"
	"gatewave.org/internal/connection"
	"gatewave.org/internal/gateway"
	"gatewave.org/internal/httpapi"
	"gatewave.org/internal/hub"
	"gatewave.org/internal/identity"
	"gatewave.org/internal/message"
	"gatewave.org/internal/obs"
	"gatewave.org/internal/session"
	"gatewave.org/internal/store"
	"gatewave.org/internal/store/memory"
	"gatewave.org/internal/store/pg"
	redisstore "gatewave.org/internal/store/redis"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("GATEWAVE_JWT_SECRET")
	if secret == "" {
		log.Fatal("missing GATEWAVE_JWT_SECRET")
	}
	var idOpts []identity.JWTOption
	if issuer := os.Getenv("GATEWAVE_JWT_ISSUER"); issuer != "" {
		idOpts = append(idOpts, identity.WithIssuer(issuer))
	}
	provider, err := identity.NewJWTProvider(secret, idOpts...)
	if err != nil {
		log.Fatalf("identity provider: %v", err)
	}

	st, ready, closeStore, err := openStore()
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	rec := obs.NewPromRecorder(prometheus.DefaultRegisterer)

	registry := connection.NewRegistry(st,
		connection.WithTTL(envDuration("GATEWAVE_CONN_TTL", 2*time.Hour)),
		connection.WithRecorder(rec),
	)
	sessions := session.NewManager(st, session.WithRecorder(rec))
	binder := bind.New(registry, sessions, provider,
		bind.WithSessionDuration(envDuration("GATEWAVE_SESSION_DURATION", 60*time.Minute)),
		bind.WithRecorder(rec),
	)
	h := hub.New(hub.WithRecorder(rec))
	router := message.NewRouter(st, registry, h, message.WithRecorder(rec))
	gw := gateway.New(registry, binder, router, gateway.WithRecorder(rec))

	api := httpapi.New(httpapi.Config{
		Ready:    ready,
		Version:  version,
		Gateway:  gw,
		Hub:      h,
		Registry: registry,
		Sessions: sessions,
		Router:   router,
		Provider: provider,
	})

	addr := os.Getenv("GATEWAVE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting gatewave %s on %s", version, srv.Addr)

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

// openStore selects the backing store: PostgreSQL when a DSN is set, Redis
// when an address is set, in-memory otherwise (development only).
func openStore() (store.Store, httpapi.ReadyProbe, func(), error) {
	if dsn := os.Getenv("GATEWAVE_PG_DSN"); dsn != "" {
		st, err := pg.Open(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.Ping, func() { _ = st.Close() }, nil
	}
	if addr := os.Getenv("GATEWAVE_REDIS_ADDR"); addr != "" {
		db, _ := strconv.Atoi(os.Getenv("GATEWAVE_REDIS_DB"))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := redisstore.Open(ctx, addr, os.Getenv("GATEWAVE_REDIS_PASSWORD"), db)
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st.Ping, func() { _ = st.Close() }, nil
	}
	log.Println("no GATEWAVE_PG_DSN or GATEWAVE_REDIS_ADDR set; using in-memory store")
	return memory.New(), nil, func() {}, nil
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Printf("invalid %s=%q, using %s", name, raw, fallback)
		return fallback
	}
	return d
}
