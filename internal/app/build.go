package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mull2536/call-agent/internal/bridge"
	"github.com/mull2536/call-agent/internal/broadcast"
	"github.com/mull2536/call-agent/internal/config"
	"github.com/mull2536/call-agent/internal/convai"
	"github.com/mull2536/call-agent/internal/conversation"
	"github.com/mull2536/call-agent/internal/httpapi"
	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/poller"
	"github.com/mull2536/call-agent/internal/store"
	"github.com/mull2536/call-agent/internal/telephony"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Calls    *bridge.Manager
	Registry *conversation.Registry
	Hub      *broadcast.Hub
	Poller   *poller.Poller
	Store    store.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// Cleanup should be called after Run returns to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL, store.AgentSettings{
		Prompt:       cfg.DefaultAgentPrompt,
		FirstMessage: cfg.DefaultFirstMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	ai := convai.NewClient(convai.Config{
		APIKey:         cfg.ElevenLabsAPIKey,
		AgentID:        cfg.ElevenLabsAgentID,
		BaseURL:        cfg.ElevenLabsAPIBaseURL,
		ConnectTimeout: cfg.AIConnectTimeout,
		Logger:         logger.With("component", "convai"),
	})
	phone := telephony.NewClient(telephony.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
		BaseURL:    cfg.TwilioAPIBaseURL,
		Logger:     logger.With("component", "telephony"),
	})

	registry := conversation.NewRegistry(conversation.Options{
		GracePeriod: cfg.ConversationGracePeriod,
		MaxTracked:  cfg.ConversationMaxTracked,
		Logger:      logger.With("component", "registry"),
	})
	hub := broadcast.NewHub(logger.With("component", "hub"), metrics)

	calls := bridge.NewManager(bridge.Options{
		AgentID:             cfg.ElevenLabsAgentID,
		SetupDelay:          cfg.AISetupDelay,
		DefaultPrompt:       cfg.DefaultAgentPrompt,
		DefaultFirstMessage: cfg.DefaultFirstMessage,
		Connector:           ai,
		Registry:            registry,
		Hub:                 hub,
		Settings:            st,
		Contacts:            st,
		History:             st,
		Calls:               phone,
		Metrics:             metrics,
		Logger:              logger.With("component", "bridge"),
	})

	reconciler := poller.New(poller.Options{
		Interval: cfg.PollInterval,
		Provider: ai,
		Registry: registry,
		Hub:      hub,
		Calls:    phone,
		Metrics:  metrics,
		Logger:   logger.With("component", "poller"),
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Calls:     calls,
		Registry:  registry,
		Hub:       hub,
		Telephony: phone,
		Store:     st,
		Metrics:   metrics,
		Logger:    logger.With("component", "http"),
	})

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Calls:    calls,
		Registry: registry,
		Hub:      hub,
		Poller:   reconciler,
		Store:    st,
		Metrics:  metrics,
		Logger:   logger,
		Cleanup:  st.Close,
	}, nil
}
