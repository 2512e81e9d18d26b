package channel

import (
	"maps"
	"slices"
	"time"

	"github.com/kalambet/paperdesk/internal/action"
)

// SearchResults is the live search of a channel together with the exchange
// that produced it.
type SearchResults struct {
	SearchID   string         `json:"search_id"`
	ExchangeID string         `json:"exchange_id"`
	Query      string         `json:"query"`
	Papers     []action.Paper `json:"papers"`
}

// IngestionState is the library ingestion progress of one paper.
type IngestionState struct {
	ReferenceID string                 `json:"reference_id,omitempty"`
	Status      action.IngestionStatus `json:"status"`
	IsAdding    bool                   `json:"is_adding"`
}

// NewIngestionState derives the state shown for an ingestion update. Only a
// pending paper counts as being added.
func NewIngestionState(u action.IngestionUpdate) IngestionState {
	return IngestionState{
		ReferenceID: u.ReferenceID,
		Status:      u.Status,
		IsAdding:    u.Status == action.IngestionPending,
	}
}

// Session is the raw per-channel state. Dismissals are recorded separately
// and applied when the session is projected into a View, so undismissing a
// paper restores it.
type Session struct {
	ChannelID         string                    `json:"channel_id"`
	SearchResults     *SearchResults            `json:"search_results,omitempty"`
	Ingestion         map[string]IngestionState `json:"ingestion,omitempty"`
	IngestionSearchID string                    `json:"ingestion_search_id,omitempty"`
	Dismissed         map[string]bool           `json:"dismissed,omitempty"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

func (s Session) Clone() Session {
	out := s
	if s.SearchResults != nil {
		sr := *s.SearchResults
		sr.Papers = slices.Clone(s.SearchResults.Papers)
		out.SearchResults = &sr
	}
	out.Ingestion = maps.Clone(s.Ingestion)
	out.Dismissed = maps.Clone(s.Dismissed)
	return out
}

// LiveSearchID returns the id of the search whose results are live.
func (s Session) LiveSearchID() string {
	if s.SearchResults == nil {
		return ""
	}
	return s.SearchResults.SearchID
}

// View is the projection of a session shown to the user.
type View struct {
	ChannelID string                    `json:"channel_id"`
	SearchID  string                    `json:"search_id,omitempty"`
	Query     string                    `json:"query,omitempty"`
	Papers    []action.Paper            `json:"papers"`
	Ingestion map[string]IngestionState `json:"ingestion"`
	Dismissed []string                  `json:"dismissed"`
}

// View projects the session: dismissed papers are hidden from the results
// and from ingestion, and ingestion recorded for another search is dropped.
func (s Session) View() View {
	v := View{
		ChannelID: s.ChannelID,
		Papers:    []action.Paper{},
		Ingestion: map[string]IngestionState{},
		Dismissed: []string{},
	}
	for id, dismissed := range s.Dismissed {
		if dismissed {
			v.Dismissed = append(v.Dismissed, id)
		}
	}
	slices.Sort(v.Dismissed)

	if s.SearchResults == nil {
		return v
	}
	v.SearchID = s.SearchResults.SearchID
	v.Query = s.SearchResults.Query
	for _, p := range s.SearchResults.Papers {
		if !s.Dismissed[p.ID] {
			v.Papers = append(v.Papers, p)
		}
	}
	if s.IngestionSearchID == s.SearchResults.SearchID {
		for id, st := range s.Ingestion {
			if !s.Dismissed[id] {
				v.Ingestion[id] = st
			}
		}
	}
	return v
}
