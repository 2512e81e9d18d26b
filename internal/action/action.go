package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a suggested action by its action_type discriminant.
type Kind string

const (
	KindSearchResults   Kind = "search_results"
	KindLibraryUpdate   Kind = "library_update"
	KindCreatePaper     Kind = "create_paper"
	KindEditPaper       Kind = "edit_paper"
	KindArtifactCreated Kind = "artifact_created"
	KindUnknown         Kind = "unknown"
)

// Confirmable reports whether actions of this kind wait for an explicit user
// confirmation instead of being applied automatically.
func (k Kind) Confirmable() bool {
	switch k {
	case KindCreatePaper, KindEditPaper, KindArtifactCreated:
		return true
	}
	return false
}

// IngestionStatus is the progress of adding a discovered paper to the
// reference library.
type IngestionStatus string

const (
	IngestionPending   IngestionStatus = "pending"
	IngestionUploading IngestionStatus = "uploading"
	IngestionSuccess   IngestionStatus = "success"
	IngestionFailed    IngestionStatus = "failed"
	IngestionNoPDF     IngestionStatus = "no_pdf"
)

// Paper is a single paper returned by a search.
type Paper struct {
	ID       string   `json:"id"`
	Title    string   `json:"title,omitempty"`
	Authors  []string `json:"authors,omitempty"`
	Year     int      `json:"year,omitempty"`
	Venue    string   `json:"venue,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	URL      string   `json:"url,omitempty"`
	PDFURL   string   `json:"pdf_url,omitempty"`
	DOI      string   `json:"doi,omitempty"`
}

// SearchResults is the payload of a search_results action.
type SearchResults struct {
	Query    string  `json:"query"`
	Papers   []Paper `json:"papers"`
	SearchID string  `json:"search_id"`
}

// IngestionUpdate reports progress for the paper at Index in the paper list
// of the search it belongs to.
type IngestionUpdate struct {
	Index       int             `json:"index"`
	ReferenceID string          `json:"reference_id"`
	Status      IngestionStatus `json:"ingestion_status"`
}

// LibraryUpdate is the payload of a library_update action.
type LibraryUpdate struct {
	SearchID string            `json:"search_id"`
	Updates  []IngestionUpdate `json:"updates"`
}

// Action is one suggested action returned with an assistant answer. Exactly
// one of Search or Library is set for the two correlated kinds; every other
// kind keeps its payload raw for the layer that confirms it.
//
// Decoding never fails: an action whose envelope or payload cannot be read
// decodes as KindUnknown (or keeps its kind with a nil typed payload) and
// records the reason in Invalid.
type Action struct {
	Kind    Kind
	Type    string // action_type as received
	Summary string
	Search  *SearchResults
	Library *LibraryUpdate
	Payload json.RawMessage
	Invalid string
}

type envelope struct {
	ActionType string          `json:"action_type"`
	Summary    string          `json:"summary,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (a *Action) UnmarshalJSON(data []byte) error {
	*a = Action{}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.Kind = KindUnknown
		a.Invalid = fmt.Sprintf("decoding envelope: %v", err)
		return nil
	}
	a.Type = env.ActionType
	a.Summary = env.Summary
	a.Payload = env.Payload

	switch Kind(env.ActionType) {
	case KindSearchResults:
		a.Kind = KindSearchResults
		var p SearchResults
		if err := decodePayload(env.Payload, &p); err != nil {
			a.Invalid = err.Error()
			return nil
		}
		a.Search = &p
	case KindLibraryUpdate:
		a.Kind = KindLibraryUpdate
		var p LibraryUpdate
		if err := decodePayload(env.Payload, &p); err != nil {
			a.Invalid = err.Error()
			return nil
		}
		a.Library = &p
	case KindCreatePaper, KindEditPaper, KindArtifactCreated:
		a.Kind = Kind(env.ActionType)
	default:
		a.Kind = KindUnknown
	}
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	env := envelope{
		ActionType: a.Type,
		Summary:    a.Summary,
		Payload:    a.Payload,
	}
	if env.ActionType == "" {
		env.ActionType = string(a.Kind)
	}
	var err error
	switch {
	case a.Search != nil:
		env.Payload, err = json.Marshal(a.Search)
	case a.Library != nil:
		env.Payload, err = json.Marshal(a.Library)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func decodePayload(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// Key returns the deduplication key of the action at index within an exchange.
func Key(exchangeID string, index int) string {
	return exchangeID + ":" + strconv.Itoa(index)
}

// ParseKey splits a key produced by Key. Exchange ids may themselves contain
// colons, so the split happens at the last one.
func ParseKey(key string) (exchangeID string, index int, err error) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", 0, fmt.Errorf("malformed action key %q", key)
	}
	index, err = strconv.Atoi(key[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed action index in key %q", key)
	}
	return key[:i], index, nil
}
