package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sabarelay.org/internal/acl"
	"sabarelay.org/internal/audit"
	"sabarelay.org/internal/authn"
	"sabarelay.org/internal/config"
	"sabarelay.org/internal/hosts"
	"sabarelay.org/internal/httpapi"
	"sabarelay.org/internal/notify"
	"sabarelay.org/internal/obs"
	"sabarelay.org/internal/queue"
	"sabarelay.org/internal/relay"
	"sabarelay.org/internal/store/pg"
	"sabarelay.org/internal/sweeper"
	"sabarelay.org/internal/token"
)

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Postgres when a DSN is configured, in-memory otherwise. The in-memory
	// store is for local development; state does not survive a restart.
	var (
		store relay.Store
		db    *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("RELAY_PG_DSN not set, using in-memory store")
		store = relay.NewInMemory()
	}

	codec, err := token.NewCodec(cfg.TokenPrefix)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	auth, err := authn.NewAuthenticator(store, codec,
		authn.WithCacheTTL(cfg.AuthCacheTTL),
		authn.WithReplayWindow(cfg.ReplayWindow),
		authn.WithFailDelay(cfg.AuthFailDelay),
	)
	if err != nil {
		log.Fatalf("authenticator: %v", err)
	}
	producer, err := authn.NewProducer(cfg.ProducerSecret)
	if err != nil {
		log.Fatalf("producer auth: %v", err)
	}

	hostSvc, err := hosts.NewService(store, codec,
		hosts.WithCacheInvalidator(auth),
		hosts.WithMinAgentVersion(cfg.MinAgentVersion),
	)
	if err != nil {
		log.Fatalf("hosts service: %v", err)
	}
	resolver, err := acl.NewResolver(store)
	if err != nil {
		log.Fatalf("acl resolver: %v", err)
	}
	queueSvc, err := queue.NewService(store,
		queue.WithEntryTTL(cfg.EntryTTL),
		queue.WithPollBatch(cfg.PollBatch),
		queue.WithNotifier(notify.NewWebhook(10*time.Second)),
	)
	if err != nil {
		log.Fatalf("queue service: %v", err)
	}
	recorder, err := audit.NewRecorder(store.Audit())
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}

	sweep, err := sweeper.New(store,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithEntryRetention(cfg.EntryRetention),
		sweeper.WithAuditRetention(cfg.AuditRetention),
		sweeper.WithLivenessThreshold(cfg.LivenessThreshold),
	)
	if err != nil {
		log.Fatalf("sweeper: %v", err)
	}
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweep.Run(sweepCtx)

	api := httpapi.New(httpapi.Deps{
		Hosts:       hostSvc,
		ACL:         resolver,
		Queue:       queueSvc,
		Auth:        auth,
		Producer:    producer,
		Recorder:    recorder,
		ReadyProbe:  httpapi.ReadyProbe{DB: db},
		Version:     obs.Version,
		MaxPollWait: cfg.PollTimeout,
	})

	handler := httpapi.RateLimit(api.Handler(), cfg.RateBurst, cfg.RatePerSec)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       60 * time.Second, // long polls hold the request open
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	log.Printf("Starting relayd %s on %s", obs.Version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
