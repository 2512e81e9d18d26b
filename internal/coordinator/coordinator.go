package coordinator

import (
	"slices"

	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/exchange"
)

// Ledger records which action keys have been applied.
type Ledger interface {
	IsApplied(key string) bool
	MarkApplied(channelID, exchangeID, key string)
}

// Pending is a suggested action waiting for user confirmation.
type Pending struct {
	Key        string        `json:"key"`
	ChannelID  string        `json:"channel_id"`
	ExchangeID string        `json:"exchange_id"`
	Index      int           `json:"index"`
	Action     action.Action `json:"action"`
}

// Report describes the outcome of one coordinator run.
type Report struct {
	// Applied holds keys whose actions changed channel state.
	Applied []string
	// Discarded holds keys marked applied without effect because they were
	// stale or could not be interpreted.
	Discarded []string
	Pending   []Pending
}

// Changed reports whether the run altered channel state.
func (r Report) Changed() bool {
	return len(r.Applied) > 0
}

// Coordinator applies suggested actions from completed exchanges to the
// channel registry. Only the most recent search of a channel is live:
// search_results from older searches and library_update actions that refer
// to them are discarded.
type Coordinator struct {
	registry *channel.Registry
	ledger   Ledger
	logger   *zap.Logger
}

// New returns a Coordinator that applies actions to registry and records
// them in ledger.
func New(registry *channel.Registry, ledger Ledger, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{registry: registry, ledger: ledger, logger: logger}
}

// Run processes the completed exchanges of channelID in two passes. The
// first pass finds the latest search across all of them; the second makes it
// live and then applies the remaining unapplied actions in chronological
// order. Every automatic action is marked applied exactly once, whether it
// took effect or was discarded.
func (c *Coordinator) Run(channelID string, exchanges []exchange.Exchange) Report {
	var report Report
	if channelID == "" {
		return report
	}

	completed := make([]exchange.Exchange, 0, len(exchanges))
	for _, ex := range exchanges {
		if ex.ChannelID == channelID && ex.Status == exchange.StatusComplete {
			completed = append(completed, ex)
		}
	}
	slices.SortStableFunc(completed, func(a, b exchange.Exchange) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Arrival < b.Arrival:
			return -1
		case a.Arrival > b.Arrival:
			return 1
		}
		return 0
	})

	latestKey, latestEx, latest := "", "", ""
	searches := make(map[string]action.SearchResults)
	for _, ex := range completed {
		for i, a := range ex.SuggestedActions {
			if a.Kind != action.KindSearchResults || a.Search == nil {
				continue
			}
			latestKey, latestEx = action.Key(ex.ID, i), ex.ID
			latest = a.Search.SearchID
			searches[latest] = *a.Search
		}
	}
	if latestKey == "" {
		latest = c.registry.LiveSearchID(channelID)
	}

	// The latest search goes live before any library update is applied, so
	// an update listed ahead of its search still finds the papers.
	if latestKey != "" && !c.ledger.IsApplied(latestKey) {
		sr := searches[latest]
		err := c.registry.SetSearchResults(channelID, channel.SearchResults{
			SearchID:   sr.SearchID,
			ExchangeID: latestEx,
			Query:      sr.Query,
			Papers:     sr.Papers,
		})
		if err != nil {
			c.logger.Warn("persisting search results", zap.String("key", latestKey), zap.Error(err))
		}
		report.Applied = append(report.Applied, latestKey)
		c.ledger.MarkApplied(channelID, latestEx, latestKey)
	}

	for _, ex := range completed {
		for i, a := range ex.SuggestedActions {
			key := action.Key(ex.ID, i)
			if c.ledger.IsApplied(key) {
				continue
			}
			log := c.logger.With(zap.String("key", key), zap.String("action", a.Type))

			switch {
			case a.Kind.Confirmable():
				report.Pending = append(report.Pending, Pending{
					Key:        key,
					ChannelID:  channelID,
					ExchangeID: ex.ID,
					Index:      i,
					Action:     a,
				})
				continue

			case a.Kind == action.KindSearchResults && a.Search != nil:
				if key == latestKey {
					continue
				}
				log.Debug("discarding superseded search results", zap.String("search_id", a.Search.SearchID))
				report.Discarded = append(report.Discarded, key)

			case a.Kind == action.KindLibraryUpdate && a.Library != nil:
				if a.Library.SearchID != latest {
					log.Debug("discarding library update for stale search",
						zap.String("search_id", a.Library.SearchID), zap.String("live", latest))
					report.Discarded = append(report.Discarded, key)
					break
				}
				if c.applyLibraryUpdate(channelID, latest, searches, a.Library, log) {
					report.Applied = append(report.Applied, key)
				} else {
					report.Discarded = append(report.Discarded, key)
				}

			default:
				if a.Invalid != "" {
					log.Warn("discarding malformed action", zap.String("reason", a.Invalid))
				} else {
					log.Warn("discarding unsupported action")
				}
				report.Discarded = append(report.Discarded, key)
			}

			c.ledger.MarkApplied(channelID, ex.ID, key)
		}
	}
	return report
}

func (c *Coordinator) applyLibraryUpdate(channelID, searchID string, searches map[string]action.SearchResults, lu *action.LibraryUpdate, log *zap.Logger) bool {
	var papers []action.Paper
	if sr, ok := searches[searchID]; ok {
		papers = sr.Papers
	} else if live := c.registry.Session(channelID).SearchResults; live != nil && live.SearchID == searchID {
		papers = live.Papers
	}
	if len(papers) == 0 {
		log.Warn("library update has no matching search results")
		return false
	}

	states := make(map[string]channel.IngestionState, len(lu.Updates))
	for _, u := range lu.Updates {
		if u.Index < 0 || u.Index >= len(papers) {
			log.Warn("library update index out of range", zap.Int("index", u.Index), zap.Int("papers", len(papers)))
			continue
		}
		states[papers[u.Index].ID] = channel.NewIngestionState(u)
	}
	if len(states) == 0 {
		return false
	}

	ok, err := c.registry.ApplyIngestion(channelID, searchID, states)
	if err != nil {
		log.Warn("persisting ingestion state", zap.Error(err))
	}
	return ok
}
