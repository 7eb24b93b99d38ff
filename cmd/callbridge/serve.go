package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/voicewire/callbridge/internal/agentspec"
	"github.com/voicewire/callbridge/internal/callog"
	"github.com/voicewire/callbridge/internal/config"
	"github.com/voicewire/callbridge/internal/httpapi"
	"github.com/voicewire/callbridge/internal/notify"
	"github.com/voicewire/callbridge/internal/observability"
	"github.com/voicewire/callbridge/internal/openaiapi"
	"github.com/voicewire/callbridge/internal/realtime"
	"github.com/voicewire/callbridge/internal/telephony"
)

// runServe implements the serve command: configuration loading, component
// wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)

	logger.Info("starting callbridge",
		"version", version,
		"commit", commit,
		"config", configPath,
		"listen_addr", cfg.ListenAddr(),
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	agents, err := agentspec.NewStore(cfg.Agents.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	defer agents.Close()
	if cfg.Agents.Watch {
		if err := agents.Watch(); err != nil {
			return fmt.Errorf("failed to watch agents dir: %w", err)
		}
	}
	logger.Info("agents loaded", "dir", cfg.Agents.Dir, "ids", agents.IDs())

	openaiClient, err := openaiapi.New(openaiapi.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build api client: %w", err)
	}

	var twilioClient *telephony.Client
	if cfg.Twilio.Enabled() {
		twilioClient, err = telephony.New(telephony.Config{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("failed to build telephony client: %w", err)
		}
		logger.Info("telephony enabled", "from_number", cfg.Twilio.FromNumber)
	}

	var history *callog.Store
	if cfg.CallLog.Path != "" {
		history, err = callog.Open(callog.Config{Path: cfg.CallLog.Path, Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to open call log: %w", err)
		}
		defer history.Close()
	}

	registry := realtime.NewRegistry()

	server := httpapi.NewServer(httpapi.Config{
		PublicURL:           cfg.Server.PublicURL,
		APIKey:              cfg.OpenAI.APIKey,
		ControlURL:          cfg.OpenAI.ControlURL,
		Model:               cfg.OpenAI.Model,
		DefaultVoice:        cfg.OpenAI.DefaultVoice,
		WebhookSecret:       cfg.OpenAI.WebhookSecret,
		DefaultAgentID:      cfg.Agents.DefaultAgentID,
		AllowedOrigins:      cfg.Web.AllowedOrigins,
		SecretTTL:           cfg.Web.SecretTTL,
		FallbackTransferURI: cfg.Calls.FallbackTransferURI,
		TransferSettleDelay: cfg.Calls.TransferSettleDelay,
		EndCallDelay:        cfg.Calls.EndCallDelay,
		ConfirmWindow:       cfg.Calls.ConfirmWindow,
		TwilioAuthToken:     cfg.Twilio.AuthToken,
		TwilioFromNumber:    cfg.Twilio.FromNumber,
		SIPTarget:           sipTarget(cfg.Twilio.SIPDomain),
		Agents:              agents,
		OpenAI:              openaiClient,
		Telephony:           twilioClient,
		Notifier:            notify.New(notify.Config{Logger: logger}),
		Registry:            registry,
		Metrics:             metrics,
		History:             history,
		Logger:              logger,
	})

	scheduler := cron.New()
	if err := server.Ephem().SchedulePrune(scheduler, cfg.Web.PruneSchedule, logger); err != nil {
		return fmt.Errorf("failed to schedule web session prune: %w", err)
	}
	if history != nil {
		if err := history.SchedulePrune(scheduler, cfg.CallLog.PruneSchedule, cfg.CallLog.Retention); err != nil {
			return fmt.Errorf("failed to schedule call log prune: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	logger.Info("callbridge started", "addr", cfg.ListenAddr(), "public_url", cfg.Server.PublicURL)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	// Tear down live calls so call_ended webhooks go out before exit.
	registry.CloseAll(realtime.ReasonShutdown)
	deadline := time.Now().Add(10 * time.Second)
	for registry.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	logger.Info("callbridge stopped gracefully")
	return nil
}

// sipTarget normalizes the configured SIP domain into a dialable URI.
func sipTarget(domain string) string {
	if domain == "" {
		return ""
	}
	if strings.HasPrefix(domain, "sip:") || strings.HasPrefix(domain, "sips:") {
		return domain
	}
	return "sip:" + domain
}
