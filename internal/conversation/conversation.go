package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/coordinator"
	"github.com/kalambet/paperdesk/internal/exchange"
	"github.com/kalambet/paperdesk/internal/history"
	"github.com/kalambet/paperdesk/internal/outbox"
	"github.com/kalambet/paperdesk/internal/stream"
)

var (
	ErrNoChannel     = errors.New("select a channel first")
	ErrEmptyQuestion = errors.New("question is empty")
	ErrUnknownAction = errors.New("no pending action with that key")
	ErrNoQueue       = errors.New("action confirmation is not configured")
)

const defaultPollInterval = 15 * time.Second

// Client is the part of the server API the conversation talks to.
type Client interface {
	StreamAssistant(ctx context.Context, channelID, exchangeID, question string) (io.ReadCloser, error)
	FetchHistory(ctx context.Context, channelID string) ([]history.Record, error)
}

// Confirmations queues user-confirmed actions for delivery.
type Confirmations interface {
	Enqueue(req outbox.Request) (string, error)
	InFlight() (map[string]bool, error)
}

// Observer is notified after every change to the conversation state.
type Observer interface {
	ConversationChanged(channelID string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(channelID string)

func (f ObserverFunc) ConversationChanged(channelID string) { f(channelID) }

// Options configures a Conversation. Client is required; a nil Store or
// Registry is replaced by an in-memory one.
type Options struct {
	Client   Client
	Store    *exchange.Store
	Registry *channel.Registry
	Queue    Confirmations

	// ThrottleWindow is the token coalescing window. Zero selects
	// stream.DefaultWindow and a negative value disables coalescing.
	ThrottleWindow time.Duration
	Logger         *zap.Logger
}

// Conversation is the assistant conversation of one user session. It owns
// the exchange store, the channel registry and the action coordinator, and
// is torn down with Close.
type Conversation struct {
	client   Client
	store    *exchange.Store
	registry *channel.Registry
	coord    *coordinator.Coordinator
	queue    Confirmations
	window   time.Duration
	logger   *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// coordMu serializes coordinator runs so an action cannot be applied
	// twice by concurrent refreshes.
	coordMu sync.Mutex

	mu        sync.Mutex
	pending   []coordinator.Pending
	streams   map[string]chan struct{}
	observers map[int]Observer
	nextObs   int
}

func New(opts Options) *Conversation {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = exchange.NewStore(exchange.WithLogger(logger))
	}
	registry := opts.Registry
	if registry == nil {
		registry = channel.NewRegistry(nil, logger)
	}
	window := opts.ThrottleWindow
	switch {
	case window == 0:
		window = stream.DefaultWindow
	case window < 0:
		window = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conversation{
		client:    opts.Client,
		store:     store,
		registry:  registry,
		coord:     coordinator.New(registry, store, logger.Named("coordinator")),
		queue:     opts.Queue,
		window:    window,
		logger:    logger.Named("conversation"),
		ctx:       ctx,
		cancel:    cancel,
		streams:   make(map[string]chan struct{}),
		observers: make(map[int]Observer),
	}
}

// Close cancels every in-flight request and waits for the stream goroutines
// to exit.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

// Channel returns the active channel id.
func (c *Conversation) Channel() string {
	return c.store.Active()
}

// SwitchChannel makes channelID active and loads its history. Requests still
// streaming in the previous channel keep running but their exchanges are no
// longer shown.
func (c *Conversation) SwitchChannel(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return ErrNoChannel
	}
	if c.store.Active() != channelID {
		c.store.SwitchChannel(channelID)
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.logger.Info("switched channel", zap.String("channel", channelID))
		c.notify(channelID)
	}
	return c.Refresh(ctx)
}

// Ask starts a new exchange in the active channel and streams the answer in
// the background. The request outlives ctx; it ends when the stream does,
// when the exchange is cancelled, or when the conversation is closed.
func (c *Conversation) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	channelID := c.store.Active()
	if channelID == "" {
		return "", ErrNoChannel
	}
	id, err := c.store.Create(question, channelID)
	if err != nil {
		if errors.Is(err, exchange.ErrNoChannel) {
			return "", ErrNoChannel
		}
		return "", err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(c.ctx, cancel)
	h, err := c.store.Begin(id, cancel)
	if err != nil {
		stop()
		cancel()
		return "", err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.streams[id] = done
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stop()
		defer func() {
			c.mu.Lock()
			delete(c.streams, id)
			c.mu.Unlock()
			close(done)
		}()
		c.runStream(streamCtx, channelID, id, question, h)
	}()

	c.logger.Debug("exchange started", zap.String("exchange", id), zap.String("channel", channelID))
	c.notify(channelID)
	return id, nil
}

func (c *Conversation) runStream(ctx context.Context, channelID, id, question string, h *exchange.Handle) {
	defer c.store.Release(id)
	log := c.logger.With(zap.String("exchange", id))

	body, err := c.client.StreamAssistant(ctx, channelID, id, question)
	if err != nil {
		c.transportFailed(ctx, channelID, id, h, err)
		return
	}
	defer body.Close()

	dec := stream.NewDecoder(body, log)
	for it := range stream.Coalesce(ctx, dec.Next, c.window) {
		if it.Err != nil {
			c.transportFailed(ctx, channelID, id, h, it.Err)
			return
		}
		if c.store.ApplyStreamEvent(id, it.Event) {
			c.notify(channelID)
		}
	}

	if ctx.Err() != nil {
		// Cancelled by the user or by Close. Cancel already finalized the
		// exchange in the first case.
		return
	}
	if c.store.Finish(id) {
		log.Debug("stream ended without result")
		c.notify(channelID)
	}
	c.completed(channelID)
}

func (c *Conversation) transportFailed(ctx context.Context, channelID, id string, h *exchange.Handle, err error) {
	if h.CancelRequested() || (ctx.Err() != nil && c.ctx.Err() != nil) {
		return
	}
	c.logger.Warn("assistant stream failed", zap.String("exchange", id), zap.Error(err))
	if c.store.ApplyStreamEvent(id, stream.Event{Type: stream.EventError, Message: err.Error()}) {
		c.notify(channelID)
	}
	c.completed(channelID)
}

// completed runs after a local exchange reached a final state. The server
// copy replaces the local one on the next history fetch.
func (c *Conversation) completed(channelID string) {
	if c.store.Active() != channelID {
		return
	}
	c.reconcileActions(channelID)
	if err := c.Refresh(c.ctx); err != nil && c.ctx.Err() == nil {
		c.logger.Warn("refreshing history after exchange", zap.Error(err))
	}
}

// Wait blocks until the exchange's stream has ended or ctx is done.
func (c *Conversation) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	done, ok := c.streams[id]
	c.mu.Unlock()
	if !ok {
		if _, known := c.store.Get(id); !known {
			return exchange.ErrUnknownExchange
		}
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts an exchange. Cancelling a finished exchange is a no-op.
func (c *Conversation) Cancel(id string) error {
	if _, ok := c.store.Get(id); !ok {
		return exchange.ErrUnknownExchange
	}
	if c.store.Cancel(id) {
		c.logger.Info("exchange cancelled", zap.String("exchange", id))
		c.notify(c.store.Active())
	}
	return nil
}

// Exchange returns one exchange of the active channel.
func (c *Conversation) Exchange(id string) (exchange.Exchange, bool) {
	return c.store.Get(id)
}

// Refresh fetches the authoritative history of the active channel, folds it
// over the local exchanges and applies any new suggested actions. A response
// that arrives after a channel switch is dropped.
func (c *Conversation) Refresh(ctx context.Context) error {
	channelID := c.store.Active()
	if channelID == "" {
		return ErrNoChannel
	}
	records, err := c.client.FetchHistory(ctx, channelID)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	batch := history.ToExchanges(channelID, records, c.logger)
	if !c.store.ApplyHistory(channelID, batch) {
		c.logger.Debug("dropping history for inactive channel", zap.String("channel", channelID))
		return nil
	}
	c.reconcileActions(channelID)
	c.notify(channelID)
	return nil
}

// Poll refreshes the active channel every interval until ctx is done.
func (c *Conversation) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.store.Active() == "" {
				continue
			}
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("history poll failed", zap.Error(err))
			}
		}
	}
}

func (c *Conversation) reconcileActions(channelID string) {
	c.coordMu.Lock()
	defer c.coordMu.Unlock()

	report := c.coord.Run(channelID, c.store.Exchanges())
	if c.store.Active() != channelID {
		return
	}
	c.mu.Lock()
	c.pending = report.Pending
	c.mu.Unlock()
	if report.Changed() {
		c.logger.Debug("applied suggested actions",
			zap.Strings("applied", report.Applied), zap.Int("discarded", len(report.Discarded)))
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (c *Conversation) Subscribe(o Observer) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Conversation) notify(channelID string) {
	c.mu.Lock()
	obs := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		obs = append(obs, o)
	}
	c.mu.Unlock()
	for _, o := range obs {
		o.ConversationChanged(channelID)
	}
}
