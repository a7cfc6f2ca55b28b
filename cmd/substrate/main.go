package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	substrate "github.com/rookdaemon/substrate-sub003"
	"github.com/rookdaemon/substrate-sub003/internal/config"
	"github.com/rookdaemon/substrate-sub003/observer"
	"github.com/rookdaemon/substrate-sub003/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load config
	cfg := config.Load(os.Getenv("SUBSTRATE_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Observability (no-op unless OTEL env vars are set)
	var tracer substrate.Tracer
	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		i, shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Warn("observer init failed, tracing disabled", "error", err)
		} else {
			inst = i
			tracer = observer.NewTracer()
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				_ = shutdown(sctx)
			}()
		}
	}

	// 3. Substrate store
	firstRun := false
	if _, err := os.Stat(cfg.SubstratePath); os.IsNotExist(err) {
		firstRun = true
	}
	storeOpts := []substrate.StoreOption{
		substrate.WithStoreLogger(logger),
		substrate.WithProgressMaxBytes(cfg.ProgressMaxBytes),
	}
	if cfg.EnableFileReadCache {
		storeOpts = append(storeOpts, substrate.WithReadCache())
	}
	store := substrate.NewStore(cfg.SubstratePath, storeOpts...)
	if err := store.Init(); err != nil {
		logger.Error("substrate init failed", "error", err)
		return 1
	}
	if report := store.Validate(); !report.Valid {
		for _, p := range report.Problems {
			logger.Error("substrate validation", "problem", p)
		}
		return 1
	}
	conv := substrate.NewConversationManager(store, logger)

	// 4. Session launcher. Strategic roles plan and audit; tactical roles
	// execute and explore.
	launcher := substrate.NewLauncher(substrate.SessionConfig{
		Command: cfg.Session.Command,
		Args:    cfg.Session.Args,
		Timeout: time.Duration(cfg.Session.TimeoutMs) * time.Millisecond,
		Models: map[substrate.Role]string{
			substrate.RoleEgo:          cfg.StrategicModel,
			substrate.RoleSuperego:     cfg.StrategicModel,
			substrate.RoleSubconscious: cfg.TacticalModel,
			substrate.RoleID:           cfg.TacticalModel,
		},
	}, nil, logger)

	// 5. Bus + orchestrator
	bus := substrate.NewBus(logger)
	loopCfg := substrate.LoopConfig{
		Mode:                  substrate.LoopMode(cfg.Mode),
		CycleDelay:            time.Duration(cfg.CycleDelayMs) * time.Millisecond,
		SuperegoAuditInterval: cfg.SuperegoAuditInterval,
		ShutdownGrace:         time.Duration(cfg.ShutdownGraceMs) * time.Millisecond,
		Watchdog: substrate.WatchdogConfig{
			StallThreshold:        time.Duration(cfg.Watchdog.StallThresholdMs) * time.Millisecond,
			CheckInterval:         time.Duration(cfg.Watchdog.CheckIntervalMs) * time.Millisecond,
			ForceRestartThreshold: time.Duration(cfg.Watchdog.ForceRestartThresholdMs) * time.Millisecond,
		},
		IdleSleep: substrate.IdleSleepConfig{
			Enabled:               cfg.IdleSleep.Enabled,
			IdleCyclesBeforeSleep: cfg.IdleSleep.IdleCyclesBeforeSleep,
		},
	}
	orch := substrate.NewOrchestrator(store, conv, launcher, bus, loopCfg, logger, tracer)
	metrics := substrate.NewHealthMetrics(cfg.SubstratePath, logger)
	orch.SetMetrics(metrics)
	if inst != nil {
		orch.Subscribe(inst.RecordLoopEvent)
	}

	// 6. Bus providers
	if err := bus.Register(substrate.NewSessionInjectionProvider(orch, logger)); err != nil {
		logger.Error("provider registration failed", "error", err)
		return 1
	}
	if err := bus.Register(substrate.NewConversationOnPauseProvider(orch, conv)); err != nil {
		logger.Error("provider registration failed", "error", err)
		return 1
	}

	// 7. Agora relay client, when configured
	var relayClient *relay.Client
	if cfg.Agora.RelayURL != "" {
		priv, err := loadIdentity(cfg.Agora.IdentityKey, cfg.SubstratePath)
		if err != nil {
			logger.Error("identity key load failed", "error", err)
			return 1
		}
		var limiter *substrate.SenderLimiter
		if rl := cfg.Agora.Security.PerSenderRateLimit; rl.Enabled {
			limiter = substrate.NewSenderLimiter(rl.MaxMessages, time.Duration(rl.WindowMs)*time.Millisecond)
		}
		inbound := substrate.NewPeerInboundProvider(bus, orch, conv, store, limiter,
			substrate.UnknownSenderPolicy(cfg.Agora.Security.UnknownSenderPolicy), logger)
		relayClient = relay.NewClient(relay.ClientConfig{
			URL:        cfg.Agora.RelayURL,
			PrivateKey: priv,
		}, inbound.HandleEnvelope, logger)
		outbound := substrate.NewPeerOutboundProvider(relayClient, priv, logger)

		if err := bus.Register(inbound); err != nil {
			logger.Error("provider registration failed", "error", err)
			return 1
		}
		if err := bus.Register(outbound); err != nil {
			logger.Error("provider registration failed", "error", err)
			return 1
		}
		go relayClient.Run(ctx)
		logger.Info("agora identity", "fingerprint", relayClient.Fingerprint())
	}

	if err := bus.Start(ctx); err != nil {
		logger.Error("bus start failed", "error", err)
		return 1
	}

	// 8. UI HTTP server
	api := substrate.NewAPIServer(orch, cfg.APIToken, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	// 9. Background maintenance
	maint := cron.New()
	maint.AddFunc("@every 10m", func() {
		if archived, err := conv.MaybeArchive(); err != nil {
			logger.Warn("conversation archive failed", "error", err)
		} else if archived {
			logger.Info("conversation archived")
		}
	})
	maint.AddFunc("@hourly", func() {
		if err := metrics.WriteBaseline(); err != nil {
			logger.Warn("baseline write failed", "error", err)
		}
	})
	maint.Start()
	defer maint.Stop()

	// 10. Auto-start
	if (firstRun && cfg.AutoStartOnFirstRun) || (!firstRun && cfg.AutoStartAfterRestart) {
		if err := orch.Start(); err != nil {
			logger.Error("loop start failed", "error", err)
			return 1
		}
	}

	// 11. Signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig)
		orch.Shutdown()
		cancel()
	}()

	err := orch.Run(ctx)

	// 12. Clean shutdown
	if relayClient != nil {
		relayClient.Disconnect()
	}
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(sctx)
	scancel()
	if werr := metrics.WriteBaseline(); werr != nil {
		logger.Warn("baseline write failed", "error", werr)
	}
	if err != nil {
		logger.Error("loop exited with error", "error", err)
		return 1
	}
	return 0
}

// loadIdentity reads the host's ed25519 private key from path, generating
// and persisting one on first use. The default location is
// <substrate>/.agora_identity.
func loadIdentity(path, substratePath string) (ed25519.PrivateKey, error) {
	if path == "" {
		path = filepath.Join(substratePath, ".agora_identity")
	}
	if raw, err := os.ReadFile(path); err == nil {
		decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(decoded) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity key %s is malformed", path)
		}
		return ed25519.PrivateKey(decoded), nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	encoded := base64.RawURLEncoding.EncodeToString(priv)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
