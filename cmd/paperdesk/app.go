package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/client"
	"github.com/kalambet/paperdesk/internal/config"
	"github.com/kalambet/paperdesk/internal/conversation"
	"github.com/kalambet/paperdesk/internal/exchange"
	"github.com/kalambet/paperdesk/internal/logging"
	"github.com/kalambet/paperdesk/internal/outbox"
	"github.com/kalambet/paperdesk/internal/push"
	"github.com/kalambet/paperdesk/internal/storage"
)

// app is the in-process client stack shared by ask, watch and serve.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  *storage.Store
	client *client.Client
	conv   *conversation.Conversation
	worker *outbox.Worker
	events *push.Listener
}

func newApp(cfg config.Config) (*app, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("no API token configured; run `paperdesk config token <token>` or set PAPERDESK_AUTH_TOKEN")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	cl := client.New(cfg.Server.BaseURL, cfg.Server.ProjectID, cfg.Auth.Token).
		WithUserAgent("paperdesk/" + version).
		WithLogger(logger.Named("client"))

	window := cfg.Assistant.ThrottleWindow
	if window == 0 {
		window = -1 // configured as "no throttling"
	}

	conv := conversation.New(conversation.Options{
		Client: cl,
		Store: exchange.NewStore(
			exchange.WithLedger(store),
			exchange.WithLogger(logger),
		),
		Registry:       channel.NewRegistry(store, logger),
		Queue:          outbox.NewQueue(store),
		ThrottleWindow: window,
		Logger:         logger,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		client: cl,
		conv:   conv,
		worker: outbox.NewWorker(store, cl, conv, 0, client.IsPermanent, logger),
		events: push.NewListener(cfg.Server.EventsURL(), cfg.Auth.Token, logger),
	}, nil
}

// Close stops in-flight streams and releases storage.
func (a *app) Close() {
	a.conv.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}
