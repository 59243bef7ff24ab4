package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/crashguard/internal/clock"
	"github.com/rewired-gh/crashguard/internal/config"
	"github.com/rewired-gh/crashguard/internal/escalation"
	"github.com/rewired-gh/crashguard/internal/geocode"
	"github.com/rewired-gh/crashguard/internal/hostbus"
	"github.com/rewired-gh/crashguard/internal/logger"
	"github.com/rewired-gh/crashguard/internal/monitor"
	"github.com/rewired-gh/crashguard/internal/service"
	"github.com/rewired-gh/crashguard/internal/storage"
	"github.com/rewired-gh/crashguard/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.MaxCrashes, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	nc, err := hostbus.Connect(cfg.NATS.URL)
	if err != nil {
		logger.Fatal("Failed to connect to host bus at %s: %v", cfg.NATS.URL, err)
	}
	defer func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain host bus connection: %v", err)
		}
	}()

	clk := clock.Real()
	bridge := hostbus.NewBridge(nc, cfg.NATS.SubjectPrefix, cfg.NATS.RequestTimeout,
		hostbus.NewLocator(clk, cfg.NATS.FixMaxAge))

	geocoder := geocode.NewClient(
		cfg.Geocoder.BaseURL,
		cfg.Geocoder.UserAgent,
		cfg.Geocoder.Timeout,
		cfg.Geocoder.MaxRetries,
		cfg.Geocoder.RetryDelayBase,
	)

	components := service.Components{
		Store:     store,
		Publisher: bridge,
		Fixes:     bridge.Locator(),
		Device: escalation.Dependencies{
			Locator:  bridge.Locator(),
			Geocoder: geocoder,
			Dialer:   bridge,
			Audio:    bridge,
			Vibrator: bridge,
			Prompter: bridge,
		},
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		components.Notifier = telegramClient
		components.Device.Prompter = escalation.Prompters{bridge, telegramClient}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	svc := service.New(detectionConfig(cfg.Detection), escalationConfig(cfg.Escalation), clk, components)

	if err := bridge.Subscribe(hostbus.Handlers{
		OnAcceleration: svc.Acceleration,
		OnRotation:     svc.Rotation,
		OnMonitor:      svc.SetMonitoring,
		OnDismiss:      svc.Dismiss,
		OnCall:         svc.CallNow,
	}); err != nil {
		logger.Fatal("Failed to subscribe to host bus: %v", err)
	}
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, func() telegram.Status {
			return telegramStatus(svc.Status())
		})
	}

	if cfg.Detection.AutoStart {
		svc.StartMonitoring()
	}

	logger.Info("Crash guard running (subjects: %s.*, expected sample interval: %v, thresholds: %.1f g / %.0f °/s, countdown: %v)",
		cfg.NATS.SubjectPrefix,
		cfg.Detection.SampleInterval,
		cfg.Detection.AccThreshold,
		cfg.Detection.RotThreshold,
		cfg.Escalation.Countdown,
	)

	ticker := time.NewTicker(cfg.Storage.RotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			svc.Shutdown()
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			if err := store.RotateCrashes(); err != nil {
				logger.Warn("Failed to rotate crash events: %v", err)
			}
		}
	}
}

func detectionConfig(d config.DetectionConfig) monitor.Config {
	mc := monitor.DefaultConfig()
	mc.AccThreshold = d.AccThreshold
	mc.RotThreshold = d.RotThreshold
	mc.AccMultiplier = d.AccMultiplier
	mc.RotMultiplier = d.RotMultiplier
	mc.CrashWindow = d.CrashWindow
	mc.Debounce = d.Debounce
	mc.BaselineInterval = d.BaselineInterval
	mc.BaselineWindow = d.BaselineWindow
	return mc
}

func escalationConfig(e config.EscalationConfig) escalation.Config {
	sources := make([]escalation.AudioSource, len(e.AudioSources))
	for i, src := range e.AudioSources {
		sources[i] = escalation.AudioSource{Name: src.Name, URI: src.URI}
	}
	return escalation.Config{
		Countdown:        e.Countdown,
		Tick:             e.Tick,
		AudioSources:     sources,
		VibrationPattern: e.VibrationPattern,
		AlwaysVibrate:    e.AlwaysVibrate,
		LocateTimeout:    e.LocateTimeout,
		DialTimeout:      e.DialTimeout,
		Numbers:          e.EmergencyNumbers,
	}
}

func telegramStatus(s service.Status) telegram.Status {
	return telegram.Status{
		Monitoring:  s.Monitoring,
		State:       s.State.String(),
		AccBaseline: s.AccBaseline,
		RotBaseline: s.RotBaseline,
		LastCrash:   s.LastCrash,
		CrashCount:  s.CrashCount,
		Escalation:  s.Escalation,
	}
}
