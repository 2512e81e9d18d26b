package push

import (
	"time"

	"github.com/kalambet/paperdesk/internal/history"
)

// Kind is the type of a push event.
type Kind string

const (
	AssistantProcessing Kind = "assistant_processing"
	AssistantStatus     Kind = "assistant_status"
	AssistantReply      Kind = "assistant_reply"
)

// Event is one notification pushed by the server for a project.
type Event struct {
	Kind       Kind              `json:"event"`
	ChannelID  string            `json:"channel_id"`
	ExchangeID string            `json:"exchange_id"`
	Question   string            `json:"question,omitempty"`
	Author     history.Author    `json:"author,omitempty"`
	Message    string            `json:"message,omitempty"`
	Response   *history.Response `json:"response,omitempty"`
	CreatedAt  time.Time         `json:"created_at,omitzero"`
}
