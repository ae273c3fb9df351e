package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmartin/batfleet/internal/config"
	"github.com/lmartin/batfleet/internal/logging"
	"github.com/lmartin/batfleet/internal/messaging"
	"github.com/lmartin/batfleet/internal/orchestrator"
	"github.com/lmartin/batfleet/internal/registry"
	"github.com/lmartin/batfleet/internal/scheduler"
	"github.com/lmartin/batfleet/internal/state"
	"github.com/lmartin/batfleet/internal/storage"
	"github.com/lmartin/batfleet/internal/tempo"
	"github.com/lmartin/batfleet/internal/venus"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {

	mqttURL := getenv("MQTT_URL", "tcp://localhost:1883")
	path := getenv("FLEET_CONFIG_PATH", "/etc/batfleet/fleet-config.json")

	logging.Init()
	cfg, err := config.LoadFleetConfig(path)
	if err != nil {
		logging.Fatal("Fleet config error", "error", err)
	}

	logging.Info("Loaded config",
		"devices", len(cfg.Devices),
		"refreshMin", cfg.Scheduler.RefreshIntervalMin,
	)

	// Graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logging.Fatal("Database error", "error", err)
	}
	defer db.Close()

	reg := registry.New(db)
	if err := reg.Seed(ctx, cfg.Devices); err != nil {
		logging.Fatal("Device seed error", "error", err)
	}

	client := venus.NewClient(venus.ClientConfig{
		Timeout:     cfg.Transport.Timeout(),
		MaxAttempts: cfg.Transport.MaxAttempts,
		Backoff:     cfg.Transport.Backoff(),
	})
	adapter := venus.NewAdapter(client)

	// Broadcast discovery at startup picks up devices that moved on DHCP
	// and anything not in the static config.
	broadcastAddr := fmt.Sprintf("255.255.255.255:%d", cfg.Transport.BroadcastPort)
	if anns, err := client.Discover(ctx, broadcastAddr, 5*time.Second); err != nil {
		logging.Warn("startup discovery failed", "error", err)
	} else if added, updated, err := reg.RegisterDiscovered(ctx, anns, cfg.Transport.BroadcastPort); err != nil {
		logging.Warn("discovery registration failed", "error", err)
	} else {
		logging.Info("startup discovery done", "added", added, "updated", updated)
	}

	broker := messaging.NewBroker(messaging.BrokerConfig{
		BrokerURL:        mqttURL,
		ClientName:       cfg.MQTT.ClientName,
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		ConnectTimeout:   10 * time.Second,
		PublishTimeout:   5 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	})
	if err := broker.Connect(ctx); err != nil {
		// Auto-reconnect will keep trying; status and events are best effort.
		logging.Warn("mqtt connect failed, continuing without broker", "error", err)
	}
	defer broker.Close(context.Background())
	fleetBroker := messaging.NewFleetBroker(broker, 2*cfg.Scheduler.RefreshInterval())

	var colorCache tempo.ColorCache
	if cfg.Tempo.Enabled {
		cache, err := tempo.NewRedisCache(cfg.Redis)
		if err != nil {
			logging.Warn("redis unavailable, tempo runs uncached", "error", err)
		} else {
			colorCache = cache
		}
	}
	tempoSvc := tempo.NewService(cfg.Tempo, colorCache)
	defer tempoSvc.Close()

	delays := orchestrator.Delays{
		InterCall:   cfg.Dispatch.InterCall(),
		InterDevice: cfg.Dispatch.InterDevice(),
		InterRound:  cfg.Dispatch.InterRound(),
		RetryRounds: cfg.Dispatch.RetryRounds,
	}
	autoHour, autoMinute := cfg.Scheduler.AutoAt()
	nightHour, nightMinute := cfg.Scheduler.NightAt()
	tempoHour, tempoMinute := cfg.Scheduler.TempoCheckAt()
	night := orchestrator.NightPolicy{
		StandbyStart:      fmt.Sprintf("%02d:%02d", nightHour, nightMinute),
		StandbyEnd:        fmt.Sprintf("%02d:%02d", autoHour, autoMinute),
		PrechargePower:    cfg.Tempo.PrechargePower,
		PrechargeDuration: cfg.Tempo.PrechargeDuration(),
	}

	orch := orchestrator.New(adapter, reg, tempoSvc, fleetBroker, delays, night)

	statusCache := state.NewStatusCache()
	history := state.NewConnHistory(state.DefaultHistorySize)
	refresher := orchestrator.NewRefresher(adapter, reg, statusCache, history, fleetBroker, fleetBroker, delays)

	sched := scheduler.New(scheduler.NewJobStore(db))
	grace := cfg.Scheduler.MisfireGrace()
	mustRegister(sched, scheduler.Job{
		ID:           "switch-to-auto",
		Trigger:      scheduler.DailyTrigger{Hour: autoHour, Minute: autoMinute},
		MisfireGrace: grace,
		Coalesce:     true,
		Run: func(ctx context.Context) error {
			orch.SwitchToAuto(ctx)
			return nil
		},
	})
	mustRegister(sched, scheduler.Job{
		ID:           "switch-to-night",
		Trigger:      scheduler.DailyTrigger{Hour: nightHour, Minute: nightMinute},
		MisfireGrace: grace,
		Coalesce:     true,
		Run: func(ctx context.Context) error {
			orch.SwitchToNight(ctx)
			return nil
		},
	})
	mustRegister(sched, scheduler.Job{
		ID:           "tempo-day-ahead",
		Trigger:      scheduler.DailyTrigger{Hour: tempoHour, Minute: tempoMinute},
		MisfireGrace: grace,
		Coalesce:     true,
		Run: func(ctx context.Context) error {
			orch.CheckDayAhead(ctx)
			return nil
		},
	})
	mustRegister(sched, scheduler.Job{
		ID:           "status-refresh",
		Trigger:      scheduler.IntervalTrigger{Every: cfg.Scheduler.RefreshInterval()},
		MisfireGrace: grace,
		Coalesce:     true,
		Run: func(ctx context.Context) error {
			refresher.RefreshAll(ctx)
			return nil
		},
	})

	if err := sched.Start(ctx); err != nil {
		logging.Fatal("Scheduler start error", "error", err)
	}

	// Operator commands trigger the same transitions the jobs run.
	if _, err := fleetBroker.SubscribeCommands(ctx, func(ctx context.Context, cmd messaging.FleetCommand) {
		switch cmd.Action {
		case "auto":
			orch.SwitchToAuto(ctx)
		case "night":
			orch.SwitchToNight(ctx)
		case "precharge":
			orch.ActivatePrecharge(ctx, cfg.Tempo.PrechargePower, cfg.Tempo.PrechargeDuration())
		case "refresh":
			refresher.RefreshAll(ctx)
		default:
			logging.Warn("unknown fleet command", "action", cmd.Action)
		}
	}); err != nil {
		logging.Warn("fleet command subscribe failed", "error", err)
	}

	// First sweep right away; the interval job covers the rest.
	go refresher.RefreshAll(ctx)

	// Wait for SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logging.Info("Shutting down", "signal", s)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logging.Warn("scheduler shutdown", "error", err)
	}
	logging.Info("bye")
}

func mustRegister(s *scheduler.Scheduler, job scheduler.Job) {
	if err := s.Register(job); err != nil {
		logging.Fatal("Job registration error", "job", job.ID, "error", err)
	}
}
