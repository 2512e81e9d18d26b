package conversation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/coordinator"
	"github.com/kalambet/paperdesk/internal/exchange"
	"github.com/kalambet/paperdesk/internal/history"
	"github.com/kalambet/paperdesk/internal/outbox"
	"github.com/kalambet/paperdesk/internal/push"
)

// PendingAction is a suggested action awaiting user confirmation.
type PendingAction struct {
	coordinator.Pending
	// Confirming is set while a confirmation is queued for delivery.
	Confirming bool `json:"confirming"`
}

// Snapshot is the read-only state a view renders.
type Snapshot struct {
	ChannelID string              `json:"channel_id"`
	Exchanges []exchange.Exchange `json:"exchanges"`
	Session   channel.View        `json:"session"`
	Pending   []PendingAction     `json:"pending_actions"`
}

// Snapshot returns the merged exchanges of the active channel, its session
// view and the actions waiting for confirmation.
func (c *Conversation) Snapshot() Snapshot {
	channelID := c.store.Active()
	snap := Snapshot{
		ChannelID: channelID,
		Exchanges: history.Merge(c.store.Authoritative(), c.store.Local()),
		Pending:   c.PendingActions(),
	}
	if channelID != "" {
		snap.Session = c.registry.View(channelID)
	}
	return snap
}

// PendingActions returns the confirmable actions of the active channel.
func (c *Conversation) PendingActions() []PendingAction {
	c.mu.Lock()
	pending := make([]coordinator.Pending, 0, len(c.pending))
	for _, p := range c.pending {
		if !c.store.IsApplied(p.Key) {
			pending = append(pending, p)
		}
	}
	c.mu.Unlock()

	var inFlight map[string]bool
	if c.queue != nil && len(pending) > 0 {
		var err error
		if inFlight, err = c.queue.InFlight(); err != nil {
			c.logger.Warn("listing queued confirmations", zap.Error(err))
		}
	}
	out := make([]PendingAction, 0, len(pending))
	for _, p := range pending {
		out = append(out, PendingAction{Pending: p, Confirming: inFlight[p.Key]})
	}
	return out
}

// ConfirmAction queues the confirmation of a pending action and returns the
// job id. The action counts as applied once the server accepts it.
func (c *Conversation) ConfirmAction(ctx context.Context, key string) (string, error) {
	if c.store.Active() == "" {
		return "", ErrNoChannel
	}
	if c.queue == nil {
		return "", ErrNoQueue
	}
	var (
		target coordinator.Pending
		found  bool
	)
	c.mu.Lock()
	for _, p := range c.pending {
		if p.Key == key {
			target, found = p, true
			break
		}
	}
	c.mu.Unlock()
	if !found || c.store.IsApplied(key) {
		return "", ErrUnknownAction
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	jobID, err := c.queue.Enqueue(outbox.Request{
		ChannelID:  target.ChannelID,
		ExchangeID: target.ExchangeID,
		Index:      target.Index,
		Action:     target.Action,
	})
	if err != nil {
		return "", fmt.Errorf("confirming %s: %w", key, err)
	}
	c.logger.Info("action confirmation queued", zap.String("key", key), zap.String("job", jobID))
	c.notify(target.ChannelID)
	return jobID, nil
}

// RecordConfirmed marks an action the server accepted as applied.
func (c *Conversation) RecordConfirmed(req outbox.Request) {
	key := req.Key()
	c.store.MarkApplied(req.ChannelID, req.ExchangeID, key)

	c.mu.Lock()
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.Key != key {
			kept = append(kept, p)
		}
	}
	c.pending = kept
	c.mu.Unlock()
	c.notify(req.ChannelID)
}

// HandlePush folds a server push event into the active channel. Events for
// other channels are ignored.
func (c *Conversation) HandlePush(ev push.Event) {
	channelID := c.store.Active()
	if channelID == "" || ev.ChannelID != channelID || ev.ExchangeID == "" {
		return
	}
	log := c.logger.With(zap.String("exchange", ev.ExchangeID), zap.String("event", string(ev.Kind)))

	changed := false
	switch ev.Kind {
	case push.AssistantProcessing:
		changed = c.store.Track(exchange.Exchange{
			ID:        ev.ExchangeID,
			ChannelID: ev.ChannelID,
			Question:  ev.Question,
			Author:    string(ev.Author),
			CreatedAt: ev.CreatedAt,
		})
	case push.AssistantStatus:
		changed = c.store.SetStatusMessage(ev.ExchangeID, ev.Message)
		if !changed {
			if _, known := c.store.Get(ev.ExchangeID); !known {
				changed = c.store.Track(exchange.Exchange{
					ID:             ev.ExchangeID,
					ChannelID:      ev.ChannelID,
					Question:       ev.Question,
					Author:         string(ev.Author),
					StatusMessage:  ev.Message,
					WaitingForTool: ev.Message != "",
					CreatedAt:      ev.CreatedAt,
				})
			}
		}
	case push.AssistantReply:
		ex, _ := history.Record{
			ID:        ev.ExchangeID,
			Question:  ev.Question,
			Response:  ev.Response,
			Status:    "completed",
			Author:    ev.Author,
			CreatedAt: ev.CreatedAt,
		}.ToExchange(channelID)
		if changed = c.store.ReconcileWithServer(ex); changed {
			c.reconcileActions(channelID)
		}
	default:
		log.Debug("ignoring push event")
		return
	}
	if changed {
		c.notify(channelID)
	}
}

// DismissPaper hides a paper from the active channel's search results.
func (c *Conversation) DismissPaper(paperID string) error {
	return c.updateSession(func(ch string) error { return c.registry.Dismiss(ch, paperID) })
}

// UndismissPaper shows a previously dismissed paper again.
func (c *Conversation) UndismissPaper(paperID string) error {
	return c.updateSession(func(ch string) error { return c.registry.Undismiss(ch, paperID) })
}

// DismissAll hides every paper of the current search results.
func (c *Conversation) DismissAll() error {
	return c.updateSession(c.registry.DismissAll)
}

// ResetSession clears the active channel's search results, ingestion states
// and dismissals.
func (c *Conversation) ResetSession() error {
	return c.updateSession(c.registry.Reset)
}

func (c *Conversation) updateSession(fn func(channelID string) error) error {
	channelID := c.store.Active()
	if channelID == "" {
		return ErrNoChannel
	}
	if err := fn(channelID); err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	c.notify(channelID)
	return nil
}
