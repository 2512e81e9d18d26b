package stream

import (
	"github.com/kalambet/paperdesk/internal/action"
)

// EventType is the discriminant of a streaming event.
type EventType string

const (
	EventToken  EventType = "token"
	EventStatus EventType = "status"
	EventResult EventType = "result"
	EventError  EventType = "error"
)

// Citation references a source backing part of an answer.
type Citation struct {
	Origin   string `json:"origin"`
	OriginID string `json:"origin_id"`
	Label    string `json:"label,omitempty"`
}

// Result is the final structured answer of an exchange.
type Result struct {
	Message          string          `json:"message"`
	Citations        []Citation      `json:"citations,omitempty"`
	SuggestedActions []action.Action `json:"suggested_actions,omitempty"`
}

// Event is one decoded streaming event. Content is set for tokens, Message
// for status and error events, Result for the final result.
type Event struct {
	Type    EventType
	Content string
	Message string
	Result  *Result
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventResult || e.Type == EventError
}

type wireEvent struct {
	Type    string  `json:"type"`
	Content string  `json:"content"`
	Message string  `json:"message"`
	Payload *Result `json:"payload"`
}
