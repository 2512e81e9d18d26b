package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/conversation"
	"github.com/kalambet/paperdesk/internal/exchange"
)

const (
	maxBodySize = 1 << 20
	// maxWait bounds how long POST /v1/exchanges?wait=true holds the request.
	maxWait = 5 * time.Minute
)

// Conversation is the conversation engine as seen by the API layer.
type Conversation interface {
	Channel() string
	SwitchChannel(ctx context.Context, channelID string) error
	Ask(ctx context.Context, question string) (string, error)
	Wait(ctx context.Context, id string) error
	Cancel(id string) error
	Exchange(id string) (exchange.Exchange, bool)
	Snapshot() conversation.Snapshot
	PendingActions() []conversation.PendingAction
	ConfirmAction(ctx context.Context, key string) (string, error)
	DismissPaper(paperID string) error
	UndismissPaper(paperID string) error
	DismissAll() error
	ResetSession() error
}

type AppDeps struct {
	Conversation Conversation
	Token        string
	Logger       *zap.Logger
}

// NewAppHandler returns the local view API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/channel", handleGetChannel(deps))
		r.Put("/channel", handleSwitchChannel(deps))

		r.Get("/exchanges", handleListExchanges(deps))
		r.Post("/exchanges", handleAsk(deps))
		r.Get("/exchanges/{id}", handleGetExchange(deps))
		r.Delete("/exchanges/{id}", handleCancel(deps))

		r.Get("/session", handleGetSession(deps))
		r.Post("/session/reset", handleSessionUpdate(deps.Conversation.ResetSession))
		r.Post("/papers/dismiss-all", handleSessionUpdate(deps.Conversation.DismissAll))
		r.Post("/papers/{id}/dismiss", handleDismiss(deps, true))
		r.Delete("/papers/{id}/dismiss", handleDismiss(deps, false))

		r.Get("/actions", handleListActions(deps))
		r.Post("/actions/{key}/confirm", handleConfirm(deps))
	})
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleGetChannel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"channel_id": deps.Conversation.Channel()})
	}
}

type switchRequest struct {
	ChannelID string `json:"channel_id"`
}

func handleSwitchChannel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req switchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := deps.Conversation.SwitchChannel(r.Context(), req.ChannelID); err != nil {
			if errors.Is(err, conversation.ErrNoChannel) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "channel_id is required")
				return
			}
			// The switch happened; only the history fetch failed.
			deps.Logger.Warn("loading channel history", zap.String("channel", req.ChannelID), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, deps.Conversation.Snapshot())
	}
}

func handleListExchanges(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Conversation.Snapshot()
		exchanges := snap.Exchanges
		if exchanges == nil {
			exchanges = []exchange.Exchange{}
		}
		writeJSON(w, http.StatusOK, exchanges)
	}
}

type askRequest struct {
	Question string `json:"question"`
	// Wait holds the request until the answer is complete.
	Wait bool `json:"wait"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := deps.Conversation.Ask(r.Context(), req.Question)
		if err != nil {
			conversationError(w, err)
			return
		}
		if !req.Wait {
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(exchange.StatusPending)})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), maxWait)
		defer cancel()
		if err := deps.Conversation.Wait(ctx, id); err != nil {
			httpError(w, http.StatusGatewayTimeout, "timeout", "exchange %s still running: %v", id, err)
			return
		}
		ex, ok := deps.Conversation.Exchange(id)
		if !ok {
			// Dropped by a channel switch while streaming.
			httpError(w, http.StatusConflict, "no_channel", "channel changed while exchange %s was streaming", id)
			return
		}
		writeJSON(w, http.StatusOK, ex)
	}
}

func handleGetExchange(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ex, ok := deps.Conversation.Exchange(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "exchange not found")
			return
		}
		writeJSON(w, http.StatusOK, ex)
	}
}

func handleCancel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Conversation.Cancel(id); err != nil {
			conversationError(w, err)
			return
		}
		ex, _ := deps.Conversation.Exchange(id)
		writeJSON(w, http.StatusOK, ex)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := deps.Conversation.Snapshot()
		if snap.ChannelID == "" {
			conversationError(w, conversation.ErrNoChannel)
			return
		}
		writeJSON(w, http.StatusOK, snap.Session)
	}
}

func handleSessionUpdate(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			conversationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleDismiss(deps AppDeps, dismiss bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		fn := deps.Conversation.UndismissPaper
		if dismiss {
			fn = deps.Conversation.DismissPaper
		}
		if err := fn(id); err != nil {
			conversationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"paper_id": id, "dismissed": dismiss})
	}
}

func handleListActions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Conversation.PendingActions())
	}
}

func handleConfirm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		jobID, err := deps.Conversation.ConfirmAction(r.Context(), key)
		if err != nil {
			conversationError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"key": key, "job_id": jobID, "status": "queued"})
	}
}
