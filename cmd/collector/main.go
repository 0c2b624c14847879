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

	"scriba.dev/internal/bus"
	"scriba.dev/internal/cache"
	"scriba.dev/internal/config"
	"scriba.dev/internal/control"
	"scriba.dev/internal/httpapi"
	"scriba.dev/internal/merge"
	"scriba.dev/internal/obs"
	"scriba.dev/internal/publish"
	"scriba.dev/internal/speaker"
	"scriba.dev/internal/stabilize"
	"scriba.dev/internal/store"
	"scriba.dev/internal/store/pg"
	"scriba.dev/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Durable storage: Postgres when configured, in-memory otherwise.
	var (
		segStore store.SegmentStore
		db       *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		segStore = pgStore
		db = pgStore.DB()
	} else {
		segStore = store.NewInMemory()
		obs.Log("warn", "no postgres dsn configured, using in-memory store", nil)
	}

	authority, err := token.NewAuthority([]byte(cfg.AuthSecret), token.WithTTL(cfg.TokenTTL))
	if err != nil {
		log.Fatalf("token authority: %v", err)
	}

	liveCache := cache.New(
		cache.WithTTL(cfg.CacheTTL),
		cache.WithGracePeriod(cfg.SessionGracePeriod),
	)
	speakers := speaker.NewLog()
	pub := publish.New()
	reader := merge.NewReader(segStore, liveCache)

	// Control bus: Redis when configured, in-process otherwise.
	var controlBus bus.Bus
	if cfg.RedisURL != "" {
		redisBus, err := bus.NewRedis(rootCtx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis bus: %v", err)
		}
		defer redisBus.Close()
		controlBus = redisBus
	} else {
		controlBus = bus.NewInProcess()
	}
	controller := control.New(controlBus, liveCache, speakers, pub)

	engine := stabilize.New(liveCache, segStore, speakers, pub,
		stabilize.WithInterval(cfg.SweepInterval),
		stabilize.WithThreshold(cfg.StableThreshold),
		stabilize.WithEvictionHook(controller.Unbind),
	)
	go engine.Run(rootCtx)

	api := httpapi.New(authority, liveCache, speakers, pub, reader, httpapi.ReadyProbe{DB: db}, httpapi.Options{
		MintKey:    cfg.MintKey,
		Version:    version,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
		OnMeetingActive: func(meetingID string) {
			if err := controller.Bind(rootCtx, meetingID); err != nil {
				obs.Log("error", "control bind failed", map[string]any{
					"meeting_id": meetingID,
					"error":      err.Error(),
				})
			}
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE responses stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	obs.Log("info", "starting scriba-collector", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"env":     cfg.Env,
	})
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Log("info", "shutting down", nil)
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	// One last sweep persists anything already stable. Younger
	// segments stay in the cache and are lost with the process.
	engine.Sweep(ctx)
	rootCancel()

	if db != nil {
		_ = db.Close()
	}
	obs.Log("info", "stopped", nil)
}
