package channel

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrNoChannel is returned for operations that need a channel id.
var ErrNoChannel = errors.New("channel id is required")

// Persister stores serialized sessions. LoadSessionState returns nil data
// when nothing was stored for the channel.
type Persister interface {
	LoadSessionState(channelID string) ([]byte, error)
	SaveSessionState(channelID string, data []byte) error
}

// Registry keeps one isolated session per channel. Sessions are cached in
// memory and written through to the persister when one is configured; idle
// cached sessions expire and are reloaded on next access.
type Registry struct {
	mu        sync.Mutex
	sessions  *cache.Cache
	persister Persister
	now       func() time.Time
	logger    *zap.Logger
}

func NewRegistry(p Persister, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cache.NoExpiration
	if p != nil {
		ttl = time.Hour
	}
	return &Registry{
		sessions:  cache.New(ttl, 10*time.Minute),
		persister: p,
		now:       time.Now,
		logger:    logger,
	}
}

// Session returns a copy of the channel's raw session.
func (r *Registry) Session(channelID string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(channelID).Clone()
}

// View returns the channel's session as shown to the user.
func (r *Registry) View(channelID string) View {
	return r.Session(channelID).View()
}

// LiveSearchID returns the search id whose results are live in the channel.
func (r *Registry) LiveSearchID(channelID string) string {
	return r.Session(channelID).LiveSearchID()
}

// SetSearchResults replaces the live results of the channel. Ingestion
// recorded for a different search is discarded.
func (r *Registry) SetSearchResults(channelID string, sr SearchResults) error {
	return r.update(channelID, func(s *Session) bool {
		res := sr
		res.Papers = slices.Clone(sr.Papers)
		s.SearchResults = &res
		if s.IngestionSearchID != sr.SearchID {
			s.Ingestion = nil
			s.IngestionSearchID = sr.SearchID
		}
		return true
	})
}

// ApplyIngestion merges ingestion states keyed by paper id. Updates for a
// search that is not live are rejected and reported with false.
func (r *Registry) ApplyIngestion(channelID, searchID string, states map[string]IngestionState) (bool, error) {
	accepted := false
	err := r.update(channelID, func(s *Session) bool {
		if s.LiveSearchID() != searchID {
			return false
		}
		if s.IngestionSearchID != searchID {
			s.Ingestion = nil
			s.IngestionSearchID = searchID
		}
		if s.Ingestion == nil {
			s.Ingestion = make(map[string]IngestionState, len(states))
		}
		for id, st := range states {
			s.Ingestion[id] = st
		}
		accepted = true
		return true
	})
	return accepted, err
}

// Dismiss hides a paper from the channel's projections.
func (r *Registry) Dismiss(channelID, paperID string) error {
	return r.update(channelID, func(s *Session) bool {
		if s.Dismissed[paperID] {
			return false
		}
		if s.Dismissed == nil {
			s.Dismissed = make(map[string]bool)
		}
		s.Dismissed[paperID] = true
		return true
	})
}

// Undismiss restores a previously dismissed paper.
func (r *Registry) Undismiss(channelID, paperID string) error {
	return r.update(channelID, func(s *Session) bool {
		if !s.Dismissed[paperID] {
			return false
		}
		delete(s.Dismissed, paperID)
		return true
	})
}

// DismissAll dismisses every paper of the live results.
func (r *Registry) DismissAll(channelID string) error {
	return r.update(channelID, func(s *Session) bool {
		if s.SearchResults == nil {
			return false
		}
		if s.Dismissed == nil {
			s.Dismissed = make(map[string]bool)
		}
		for _, p := range s.SearchResults.Papers {
			s.Dismissed[p.ID] = true
		}
		return true
	})
}

// Reset clears the channel's session.
func (r *Registry) Reset(channelID string) error {
	return r.update(channelID, func(s *Session) bool {
		*s = Session{ChannelID: channelID}
		return true
	})
}

// update applies fn to a copy of the session and stores the result when fn
// reports a change. A failed write is returned but the in-memory session is
// kept.
func (r *Registry) update(channelID string, fn func(*Session) bool) error {
	if channelID == "" {
		return ErrNoChannel
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.loadLocked(channelID).Clone()
	if !fn(&s) {
		return nil
	}
	s.ChannelID = channelID
	s.UpdatedAt = r.now().UTC()
	r.sessions.Set(channelID, s, cache.DefaultExpiration)
	return r.persist(s)
}

func (r *Registry) loadLocked(channelID string) Session {
	if v, ok := r.sessions.Get(channelID); ok {
		return v.(Session)
	}
	s := Session{ChannelID: channelID}
	if r.persister != nil && channelID != "" {
		data, err := r.persister.LoadSessionState(channelID)
		switch {
		case err != nil:
			r.logger.Warn("loading channel session", zap.String("channel", channelID), zap.Error(err))
		case len(data) > 0:
			if err := json.Unmarshal(data, &s); err != nil {
				r.logger.Warn("decoding channel session", zap.String("channel", channelID), zap.Error(err))
				s = Session{ChannelID: channelID}
			}
		}
	}
	s.ChannelID = channelID
	r.sessions.Set(channelID, s, cache.DefaultExpiration)
	return s
}

func (r *Registry) persist(s Session) error {
	if r.persister == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.persister.SaveSessionState(s.ChannelID, data)
}
