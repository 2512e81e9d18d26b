package exchange

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/stream"
)

var (
	ErrNoChannel       = errors.New("no active channel")
	ErrUnknownExchange = errors.New("unknown exchange")
)

// Ledger persists applied action keys so automatic actions are not replayed
// after a restart.
type Ledger interface {
	MarkActionApplied(channelID, exchangeID, key string) error
	AppliedActionKeys(channelID string) (map[string][]string, error)
}

// Store holds the exchanges of the active channel. Local exchanges and
// server-confirmed copies share one table keyed by exchange id; applied
// action keys are tracked separately so they survive replacement by a
// server copy.
type Store struct {
	mu      sync.Mutex
	active  string
	entries map[string]Exchange
	applied map[string]KeySet
	handles map[string]*Handle
	seq     uint64

	now    func() time.Time
	newID  func() string
	ledger Ledger
	logger *zap.Logger
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func WithLedger(l Ledger) Option {
	return func(s *Store) { s.ledger = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store with no active channel.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Exchange),
		applied: make(map[string]KeySet),
		handles: make(map[string]*Handle),
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Active returns the id of the active channel, or "" when none is selected.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SwitchChannel makes channelID active. Exchanges of the previous channel
// are dropped and their handles detached. Their in-flight requests are not
// cancelled and may finish in the background; events they produce are
// ignored. Switching to the already active channel is a no-op.
func (s *Store) SwitchChannel(channelID string) {
	s.mu.Lock()
	if s.active == channelID {
		s.mu.Unlock()
		return
	}
	handles := s.handles
	s.active = channelID
	s.entries = make(map[string]Exchange)
	s.applied = make(map[string]KeySet)
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, h := range handles {
		h.release()
	}

	if channelID == "" || s.ledger == nil {
		return
	}
	persisted, err := s.ledger.AppliedActionKeys(channelID)
	if err != nil {
		s.logger.Warn("loading applied action keys", zap.String("channel", channelID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != channelID {
		return
	}
	for exID, keys := range persisted {
		s.applied[exID] = s.applied[exID].Union(NewKeySet(keys...))
	}
}

// Create registers a new pending exchange in the active channel and returns
// its id.
func (s *Store) Create(question, channelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channelID == "" || s.active == "" || channelID != s.active {
		return "", ErrNoChannel
	}
	s.seq++
	ex := Exchange{
		ID:        s.newID(),
		ChannelID: channelID,
		Question:  question,
		Status:    StatusPending,
		CreatedAt: s.now().UTC(),
		Arrival:   s.seq,
	}
	s.entries[ex.ID] = ex
	return ex.ID, nil
}

// Begin attaches a cancellation handle to the exchange's in-flight request.
func (s *Store) Begin(id string, cancel context.CancelFunc) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return nil, ErrUnknownExchange
	}
	h := newHandle(cancel)
	if old, ok := s.handles[id]; ok {
		old.abort()
	}
	s.handles[id] = h
	return h, nil
}

// Release detaches and releases the handle of an exchange, if any.
func (s *Store) Release(id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if ok {
		h.release()
	}
}

func (s *Store) Handle(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// ApplyStreamEvent folds one stream event into an exchange. Events for
// unknown or terminal exchanges are dropped. An error event that arrives
// after cancellation was requested is ignored.
func (s *Store) ApplyStreamEvent(id string, ev stream.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.entries[id]
	if !ok || ex.Status.Terminal() {
		return false
	}

	switch ev.Type {
	case stream.EventToken:
		ex.ResponseText += ev.Content
		ex.Status = StatusStreaming
		ex.WaitingForTool = false
	case stream.EventStatus:
		ex.StatusMessage = ev.Message
		ex.WaitingForTool = ev.Message != ""
		if ex.Status == StatusPending {
			ex.Status = StatusStreaming
		}
	case stream.EventResult:
		if ev.Result == nil {
			return false
		}
		ex.ResponseText = ev.Result.Message
		ex.Citations = slices.Clone(ev.Result.Citations)
		ex.SuggestedActions = slices.Clone(ev.Result.SuggestedActions)
		ex.Status = StatusComplete
		ex.StatusMessage = ""
		ex.WaitingForTool = false
	case stream.EventError:
		if h, ok := s.handles[id]; ok && h.CancelRequested() {
			return false
		}
		ex.ResponseText = errorBody(ex.ResponseText, ev.Message)
		ex.Failed = true
		ex.ErrorMessage = ev.Message
		ex.Status = StatusComplete
		ex.StatusMessage = ""
		ex.WaitingForTool = false
	default:
		return false
	}

	s.entries[id] = ex
	return true
}

// Finish completes an exchange whose stream ended without a result event.
func (s *Store) Finish(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.entries[id]
	if !ok || ex.Status.Terminal() {
		return false
	}
	ex.Status = StatusComplete
	ex.StatusMessage = ""
	ex.WaitingForTool = false
	s.entries[id] = ex
	return true
}

// Cancel aborts the exchange's in-flight request and finalizes it as
// cancelled, keeping any partial text. It returns false when the exchange is
// unknown or already terminal; repeated calls are no-ops.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	h := s.handles[id]
	delete(s.handles, id)
	ex, ok := s.entries[id]
	changed := false
	if ok && !ex.Status.Terminal() {
		ex.Status = StatusCancelled
		ex.ResponseText = cancelledBody(ex.ResponseText)
		ex.StatusMessage = ""
		ex.WaitingForTool = false
		s.entries[id] = ex
		changed = true
	}
	s.mu.Unlock()

	if h != nil {
		h.Cancel()
		h.release()
	}
	return changed
}

// SetStatusMessage updates the transient status line of a non-terminal
// exchange.
func (s *Store) SetStatusMessage(id, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.entries[id]
	if !ok || ex.Status.Terminal() {
		return false
	}
	ex.StatusMessage = msg
	ex.WaitingForTool = msg != ""
	if ex.Status == StatusPending {
		ex.Status = StatusStreaming
	}
	s.entries[id] = ex
	return true
}

// Track records that the server is processing an exchange. An unknown
// exchange is inserted as a streaming server copy; a known one is moved
// from pending to streaming.
func (s *Store) Track(ex Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ex.ID == "" || (ex.ChannelID != "" && ex.ChannelID != s.active) || s.active == "" {
		return false
	}
	if cur, ok := s.entries[ex.ID]; ok {
		if cur.Status != StatusPending {
			return false
		}
		cur.Status = StatusStreaming
		s.entries[ex.ID] = cur
		return true
	}

	ex = ex.Clone()
	ex.ChannelID = s.active
	ex.FromServer = true
	ex.Status = StatusStreaming
	ex.AppliedActionKeys = nil
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = s.now().UTC()
	}
	s.seq++
	ex.Arrival = s.seq
	s.entries[ex.ID] = ex
	return true
}

// ReconcileWithServer replaces the local copy of an exchange with the
// server's authoritative one. Applied action keys are the union of both.
// Copies for a channel other than the active one are ignored.
func (s *Store) ReconcileWithServer(server Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == "" || (server.ChannelID != "" && server.ChannelID != s.active) {
		return false
	}
	s.reconcileLocked(server)
	return true
}

// ApplyHistory reconciles a full history batch for channelID. It returns
// false and changes nothing when channelID is no longer active.
func (s *Store) ApplyHistory(channelID string, batch []Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channelID == "" || channelID != s.active {
		return false
	}
	for _, ex := range batch {
		if ex.ID == "" {
			continue
		}
		ex.ChannelID = channelID
		s.reconcileLocked(ex)
	}
	return true
}

func (s *Store) reconcileLocked(server Exchange) {
	server = server.Clone()
	server.ChannelID = s.active
	server.FromServer = true

	s.applied[server.ID] = s.applied[server.ID].Union(server.AppliedActionKeys)
	server.AppliedActionKeys = nil

	if local, ok := s.entries[server.ID]; ok {
		server.Arrival = local.Arrival
		if server.CreatedAt.IsZero() {
			server.CreatedAt = local.CreatedAt
		}
		if server.Question == "" {
			server.Question = local.Question
		}
	} else {
		s.seq++
		server.Arrival = s.seq
	}
	s.entries[server.ID] = server
}

// Get returns a copy of the exchange with its applied keys filled in.
func (s *Store) Get(id string) (Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.entries[id]
	if !ok {
		return Exchange{}, false
	}
	return s.snapshotLocked(ex), true
}

// Exchanges returns copies of every exchange of the active channel in
// arrival order.
func (s *Store) Exchanges() []Exchange {
	return s.filter(func(Exchange) bool { return true })
}

// Authoritative returns the exchanges confirmed by the server.
func (s *Store) Authoritative() []Exchange {
	return s.filter(func(ex Exchange) bool { return ex.FromServer })
}

// Local returns the exchanges the server has not confirmed yet.
func (s *Store) Local() []Exchange {
	return s.filter(func(ex Exchange) bool { return !ex.FromServer })
}

func (s *Store) filter(keep func(Exchange) bool) []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Exchange, 0, len(s.entries))
	for _, ex := range s.entries {
		if keep(ex) {
			out = append(out, s.snapshotLocked(ex))
		}
	}
	slices.SortFunc(out, func(a, b Exchange) int {
		switch {
		case a.Arrival < b.Arrival:
			return -1
		case a.Arrival > b.Arrival:
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) snapshotLocked(ex Exchange) Exchange {
	out := ex.Clone()
	out.AppliedActionKeys = s.applied[ex.ID].Union(nil)
	return out
}

// IsApplied reports whether the action key has been applied in the active
// channel.
func (s *Store) IsApplied(key string) bool {
	exID, _, err := action.ParseKey(key)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[exID].Has(key)
}

// MarkApplied records an applied action key. The key is kept in memory only
// while channelID is active but is always persisted to the ledger.
func (s *Store) MarkApplied(channelID, exchangeID, key string) {
	s.mu.Lock()
	if channelID == s.active {
		set := s.applied[exchangeID]
		if set == nil {
			set = make(KeySet)
			s.applied[exchangeID] = set
		}
		set[key] = struct{}{}
	}
	s.mu.Unlock()

	if s.ledger == nil {
		return
	}
	if err := s.ledger.MarkActionApplied(channelID, exchangeID, key); err != nil {
		s.logger.Warn("persisting applied action", zap.String("key", key), zap.Error(err))
	}
}
