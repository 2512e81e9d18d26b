package history

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/exchange"
	"github.com/kalambet/paperdesk/internal/stream"
)

// Response is the stored answer of a history record. The server sends either
// a structured object or a bare string for older answers.
type Response struct {
	Message          string            `json:"message"`
	Citations        []stream.Citation `json:"citations,omitempty"`
	SuggestedActions []action.Action   `json:"suggested_actions,omitempty"`
}

func (r *Response) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Response{Message: s}
		return nil
	}
	type plain Response
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Response(p)
	return nil
}

// Author is the user who asked a question. The server sends either a display
// name or a user object.
type Author string

func (a *Author) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Author(s)
		return nil
	}
	var u struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		Username    string `json:"username"`
		Email       string `json:"email"`
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	for _, v := range []string{u.DisplayName, u.Name, u.Username, u.Email} {
		if v != "" {
			*a = Author(v)
			return nil
		}
	}
	*a = ""
	return nil
}

// Record is one exchange as returned by the history endpoint.
type Record struct {
	ID                string    `json:"id"`
	Question          string    `json:"question"`
	Response          *Response `json:"response"`
	Status            string    `json:"status"`
	StatusMessage     string    `json:"status_message"`
	Author            Author    `json:"author"`
	AppliedActionKeys []string  `json:"applied_action_keys"`
	CreatedAt         time.Time `json:"created_at"`
}

// ToExchange maps a history record onto an exchange of channelID.
//
// Server statuses map as follows: processing and streaming stay streaming,
// pending and queued stay pending, cancelled stays cancelled, failed becomes
// a failed complete exchange, and anything else is treated as complete. The
// boolean is false when the status was not recognised.
func (r Record) ToExchange(channelID string) (exchange.Exchange, bool) {
	ex := exchange.Exchange{
		ID:            r.ID,
		ChannelID:     channelID,
		Question:      r.Question,
		StatusMessage: r.StatusMessage,
		Author:        string(r.Author),
		FromServer:    true,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if len(r.AppliedActionKeys) > 0 {
		ex.AppliedActionKeys = exchange.NewKeySet(r.AppliedActionKeys...)
	}
	if r.Response != nil {
		ex.ResponseText = r.Response.Message
		ex.Citations = r.Response.Citations
		ex.SuggestedActions = r.Response.SuggestedActions
	}

	known := true
	switch strings.ToLower(r.Status) {
	case "processing", "streaming", "in_progress":
		ex.Status = exchange.StatusStreaming
		ex.WaitingForTool = r.StatusMessage != ""
	case "pending", "queued":
		ex.Status = exchange.StatusPending
	case "cancelled", "canceled":
		ex.Status = exchange.StatusCancelled
	case "failed", "error":
		ex.Status = exchange.StatusComplete
		ex.Failed = true
		ex.ErrorMessage = r.StatusMessage
		if ex.ErrorMessage == "" {
			ex.ErrorMessage = "the assistant failed to answer"
		}
		if ex.ResponseText == "" {
			ex.ResponseText = "Error: " + ex.ErrorMessage
		}
		ex.StatusMessage = ""
	case "completed", "complete", "done", "":
		ex.Status = exchange.StatusComplete
		ex.StatusMessage = ""
	default:
		ex.Status = exchange.StatusComplete
		ex.StatusMessage = ""
		known = false
	}
	return ex, known
}

// ToExchanges maps a history batch, dropping records without an id.
func ToExchanges(channelID string, records []Record, logger *zap.Logger) []exchange.Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]exchange.Exchange, 0, len(records))
	for _, r := range records {
		if r.ID == "" {
			logger.Warn("skipping history record without id")
			continue
		}
		ex, known := r.ToExchange(channelID)
		if !known {
			logger.Warn("unknown exchange status, treating as complete",
				zap.String("exchange", r.ID), zap.String("status", r.Status))
		}
		out = append(out, ex)
	}
	return out
}
