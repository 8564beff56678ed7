// Command sweeper reclaims expired connections and deactivates lapsed
// sessions. Run it once (-once) from cron, or let it loop on an interval
// alongside the gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gatewave.org/internal/connection"
	"gatewave.org/internal/session"
	"gatewave.org/internal/store"
	"gatewave.org/internal/store/pg"
	redisstore "gatewave.org/internal/store/redis"
)

func main() {
	log.SetFlags(0)
	var (
		once     = flag.Bool("once", false, "run a single sweep and exit")
		interval = flag.Duration("interval", 5*time.Minute, "sweep interval")
	)
	flag.Parse()

	st, closeStore, err := openStore()
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	registry := connection.NewRegistry(st)
	sessions := session.NewManager(st)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once {
		sweep(ctx, registry, sessions)
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	sweep(ctx, registry, sessions)
	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper stopped")
			return
		case <-ticker.C:
			sweep(ctx, registry, sessions)
		}
	}
}

func sweep(ctx context.Context, registry *connection.Registry, sessions *session.Manager) {
	connections, err := registry.SweepExpired(ctx)
	if err != nil {
		log.Printf("connection sweep: %v", err)
	}
	swept, err := sessions.SweepExpired(ctx)
	if err != nil {
		log.Printf("session sweep: %v", err)
	}
	log.Printf("sweep done: connections_removed=%d sessions_deactivated=%d", connections, swept)
}

func openStore() (store.Store, func(), error) {
	if dsn := os.Getenv("GATEWAVE_PG_DSN"); dsn != "" {
		st, err := pg.Open(dsn)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	if addr := os.Getenv("GATEWAVE_REDIS_ADDR"); addr != "" {
		db, _ := strconv.Atoi(os.Getenv("GATEWAVE_REDIS_DB"))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := redisstore.Open(ctx, addr, os.Getenv("GATEWAVE_REDIS_PASSWORD"), db)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	}
	return nil, nil, errors.New("set GATEWAVE_PG_DSN or GATEWAVE_REDIS_ADDR; an in-memory store has nothing to sweep")
}
