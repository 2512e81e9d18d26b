package exchange

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/stream"
)

// Status is the lifecycle state of an exchange.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the exchange accepts no further stream events.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// KeySet is a set of applied action keys. It marshals as a sorted list.
type KeySet map[string]struct{}

func (s KeySet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Union returns a new set holding the keys of s and other.
func (s KeySet) Union(other KeySet) KeySet {
	out := make(KeySet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s KeySet) Sorted() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s KeySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *KeySet) UnmarshalJSON(data []byte) error {
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	*s = NewKeySet(keys...)
	return nil
}

func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Exchange is one question and its answer in a channel conversation.
type Exchange struct {
	ID                string            `json:"id"`
	ChannelID         string            `json:"channel_id"`
	Question          string            `json:"question"`
	ResponseText      string            `json:"response_text"`
	Citations         []stream.Citation `json:"citations,omitempty"`
	SuggestedActions  []action.Action   `json:"suggested_actions,omitempty"`
	AppliedActionKeys KeySet            `json:"applied_action_keys"`
	Status            Status            `json:"status"`
	StatusMessage     string            `json:"status_message,omitempty"`
	WaitingForTool    bool              `json:"waiting_for_tool,omitempty"`
	FromServer        bool              `json:"from_server"`
	Failed            bool              `json:"failed,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	Author            string            `json:"author,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`

	// Arrival orders exchanges that share a creation time.
	Arrival uint64 `json:"-"`
}

// Clone returns a deep copy that shares no mutable state with e.
func (e Exchange) Clone() Exchange {
	out := e
	out.Citations = slices.Clone(e.Citations)
	out.SuggestedActions = slices.Clone(e.SuggestedActions)
	if e.AppliedActionKeys != nil {
		out.AppliedActionKeys = e.AppliedActionKeys.Union(nil)
	}
	return out
}

const cancelledMarker = "(cancelled)"

func cancelledBody(partial string) string {
	if partial == "" {
		return cancelledMarker
	}
	return partial + "\n\n" + cancelledMarker
}

func errorBody(partial, msg string) string {
	if partial == "" {
		return "Error: " + msg
	}
	return partial + "\n\nError: " + msg
}
