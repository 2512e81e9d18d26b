package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kalambet/paperdesk/internal/action"
	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/exchange"
	"github.com/kalambet/paperdesk/internal/history"
	"github.com/kalambet/paperdesk/internal/outbox"
	"github.com/kalambet/paperdesk/internal/push"
)

// fakeClient serves canned streams and history.
type fakeClient struct {
	mu        sync.Mutex
	body      string
	streamErr error
	block     bool
	gate      chan struct{}
	records   map[string][]history.Record
	fetches   atomic.Int32
}

func (f *fakeClient) StreamAssistant(ctx context.Context, channelID, exchangeID, question string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if f.block {
		return &blockingBody{ctx: ctx}, nil
	}
	if f.gate != nil {
		return &gatedBody{ctx: ctx, gate: f.gate, r: strings.NewReader(f.body)}, nil
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func (f *fakeClient) FetchHistory(ctx context.Context, channelID string) ([]history.Record, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[channelID], nil
}

func (f *fakeClient) setHistory(channelID string, recs ...history.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string][]history.Record)
	}
	f.records[channelID] = recs
}

// blockingBody never yields data; reads fail once the request is cancelled.
type blockingBody struct {
	ctx context.Context
}

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

// gatedBody holds the stream back until gate is closed.
type gatedBody struct {
	ctx  context.Context
	gate chan struct{}
	r    io.Reader
}

func (b *gatedBody) Read(p []byte) (int, error) {
	select {
	case <-b.gate:
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
	return b.r.Read(p)
}

func (b *gatedBody) Close() error { return nil }

type fakeQueue struct {
	mu   sync.Mutex
	reqs []outbox.Request
}

func (q *fakeQueue) Enqueue(req outbox.Request) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return "job-1", nil
}

func (q *fakeQueue) InFlight() (map[string]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make(map[string]bool)
	for _, r := range q.reqs {
		keys[r.Key()] = true
	}
	return keys, nil
}

func newTestConversation(t *testing.T, fc *fakeClient, opts ...exchange.Option) (*Conversation, *channel.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := channel.NewRegistry(nil, logger)
	c := New(Options{
		Client:         fc,
		Store:          exchange.NewStore(append(opts, exchange.WithLogger(logger))...),
		Registry:       reg,
		ThrottleWindow: -1,
		Logger:         logger,
	})
	t.Cleanup(c.Close)
	return c, reg
}

func waitFor(t *testing.T, c *Conversation, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx, id); err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
}

const helloStream = `data: {"type":"token","content":"Hel"}
data: {"type":"token","content":"lo"}
data: {"type":"status","message":"thinking"}
data: {"type":"result","payload":{"message":"Hello world","suggested_actions":[{"action_type":"search_results","payload":{"query":"x","papers":[{"id":"p1"}],"search_id":"s1"}}]}}
data: [DONE]
`

func TestAskStreamsAndAppliesSearchResults(t *testing.T) {
	fc := &fakeClient{body: helloStream}
	c, reg := newTestConversation(t, fc, exchange.WithIDGenerator(func() string { return "e1" }))

	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "find papers")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if id != "e1" {
		t.Fatalf("id = %q, want e1", id)
	}
	waitFor(t, c, id)

	ex, ok := c.Exchange("e1")
	if !ok {
		t.Fatal("exchange e1 missing")
	}
	if ex.ResponseText != "Hello world" {
		t.Errorf("ResponseText = %q, want %q", ex.ResponseText, "Hello world")
	}
	if ex.Status != exchange.StatusComplete {
		t.Errorf("Status = %q, want complete", ex.Status)
	}
	if ex.StatusMessage != "" {
		t.Errorf("StatusMessage = %q, want empty", ex.StatusMessage)
	}

	sess := reg.Session("c1")
	if sess.SearchResults == nil {
		t.Fatal("c1 has no search results")
	}
	if sess.SearchResults.SearchID != "s1" {
		t.Errorf("SearchID = %q, want s1", sess.SearchResults.SearchID)
	}
	if len(sess.SearchResults.Papers) != 1 || sess.SearchResults.Papers[0].ID != "p1" {
		t.Errorf("Papers = %+v, want [p1]", sess.SearchResults.Papers)
	}
	if !ex.AppliedActionKeys.Has("e1:0") {
		t.Errorf("AppliedActionKeys = %v, want e1:0", ex.AppliedActionKeys.Sorted())
	}
}

func TestAskValidation(t *testing.T) {
	c, _ := newTestConversation(t, &fakeClient{})

	if _, err := c.Ask(context.Background(), "hello"); !errors.Is(err, ErrNoChannel) {
		t.Errorf("Ask without channel: err = %v, want ErrNoChannel", err)
	}
	if err := c.SwitchChannel(context.Background(), "  "); !errors.Is(err, ErrNoChannel) {
		t.Errorf("SwitchChannel(blank): err = %v, want ErrNoChannel", err)
	}
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	if _, err := c.Ask(context.Background(), "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("Ask(blank): err = %v, want ErrEmptyQuestion", err)
	}
	if got := len(c.Snapshot().Exchanges); got != 0 {
		t.Errorf("exchanges = %d, want 0", got)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	fc := &fakeClient{block: true}
	c, _ := newTestConversation(t, fc)
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "slow question")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if err := c.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	waitFor(t, c, id)
	first, _ := c.Exchange(id)

	if err := c.Cancel(id); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	second, _ := c.Exchange(id)

	if first.Status != exchange.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", first.Status)
	}
	if first.ResponseText != "(cancelled)" {
		t.Errorf("ResponseText = %q, want (cancelled)", first.ResponseText)
	}
	if first.Failed {
		t.Error("cancelled exchange should not be marked failed")
	}
	if second.ResponseText != first.ResponseText || second.Status != first.Status {
		t.Errorf("second cancel changed state: %+v vs %+v", second, first)
	}

	if err := c.Cancel("nope"); !errors.Is(err, exchange.ErrUnknownExchange) {
		t.Errorf("Cancel(unknown): err = %v, want ErrUnknownExchange", err)
	}
}

func TestTransportFailureShowsError(t *testing.T) {
	fc := &fakeClient{streamErr: errors.New("connection refused")}
	c, _ := newTestConversation(t, fc)
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	waitFor(t, c, id)

	ex, _ := c.Exchange(id)
	if !ex.Failed {
		t.Error("exchange should be failed")
	}
	if ex.Status != exchange.StatusComplete {
		t.Errorf("Status = %q, want complete", ex.Status)
	}
	if !strings.Contains(ex.ResponseText, "Error: connection refused") {
		t.Errorf("ResponseText = %q, want error body", ex.ResponseText)
	}
}

func TestRefreshMergesServerHistory(t *testing.T) {
	fc := &fakeClient{block: true}
	c, _ := newTestConversation(t, fc)
	fc.setHistory("c1", history.Record{
		ID:        "srv-1",
		Question:  "earlier",
		Response:  &history.Response{Message: "answer"},
		Status:    "completed",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "now")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	snap := c.Snapshot()
	if snap.ChannelID != "c1" {
		t.Errorf("ChannelID = %q, want c1", snap.ChannelID)
	}
	if len(snap.Exchanges) != 2 {
		t.Fatalf("exchanges = %d, want 2", len(snap.Exchanges))
	}
	if snap.Exchanges[0].ID != "srv-1" || !snap.Exchanges[0].FromServer {
		t.Errorf("first = %+v, want server exchange srv-1", snap.Exchanges[0])
	}
	if snap.Exchanges[1].ID != id {
		t.Errorf("second = %q, want local %q", snap.Exchanges[1].ID, id)
	}

	// The server now reports the in-flight exchange as complete.
	fc.setHistory("c1",
		history.Record{ID: "srv-1", Question: "earlier", Status: "completed", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		history.Record{ID: id, Question: "now", Response: &history.Response{Message: "server answer"}, Status: "completed", CreatedAt: time.Now().UTC()},
	)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ex, _ := c.Exchange(id)
	if !ex.FromServer || ex.ResponseText != "server answer" {
		t.Errorf("exchange = %+v, want server copy", ex)
	}
}

func TestSwitchChannelIsolatesExchanges(t *testing.T) {
	fc := &fakeClient{block: true}
	c, _ := newTestConversation(t, fc)
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	if _, err := c.Ask(context.Background(), "in c1"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := c.SwitchChannel(context.Background(), "c2"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	snap := c.Snapshot()
	if snap.ChannelID != "c2" || len(snap.Exchanges) != 0 {
		t.Errorf("snapshot = %+v, want empty c2", snap)
	}
}

func TestSwitchChannelLetsRequestFinish(t *testing.T) {
	fc := &fakeClient{body: helloStream, gate: make(chan struct{})}
	c, reg := newTestConversation(t, fc)
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "in c1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := c.SwitchChannel(context.Background(), "c2"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait after switch: err = %v, want request still running", err)
	}

	close(fc.gate)
	waitFor(t, c, id)

	snap := c.Snapshot()
	if snap.ChannelID != "c2" || len(snap.Exchanges) != 0 {
		t.Errorf("snapshot = %+v, want empty c2", snap)
	}
	if v := reg.View("c2"); v.SearchID != "" {
		t.Errorf("c2 search = %q, results of c1 must not leak", v.SearchID)
	}
}

func TestCloseCancelsRequestAfterSwitch(t *testing.T) {
	fc := &fakeClient{block: true}
	logger := zaptest.NewLogger(t)
	c := New(Options{Client: fc, ThrottleWindow: -1, Logger: logger})
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "in c1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := c.SwitchChannel(context.Background(), "c2"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait after switch: err = %v, want request still running", err)
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not end the background request")
	}
}

func TestHandlePush(t *testing.T) {
	c, reg := newTestConversation(t, &fakeClient{})
	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}

	var notified atomic.Int32
	unsubscribe := c.Subscribe(ObserverFunc(func(string) { notified.Add(1) }))
	defer unsubscribe()

	c.HandlePush(push.Event{Kind: push.AssistantProcessing, ChannelID: "c1", ExchangeID: "x1", Question: "other user", Author: "Ada"})
	c.HandlePush(push.Event{Kind: push.AssistantStatus, ChannelID: "c1", ExchangeID: "x1", Message: "searching"})
	c.HandlePush(push.Event{Kind: push.AssistantProcessing, ChannelID: "c2", ExchangeID: "y1"})

	ex, ok := c.Exchange("x1")
	if !ok {
		t.Fatal("x1 not tracked")
	}
	if ex.Status != exchange.StatusStreaming || ex.StatusMessage != "searching" || !ex.WaitingForTool {
		t.Errorf("x1 = %+v, want streaming with status", ex)
	}
	if ex.Author != "Ada" {
		t.Errorf("Author = %q, want Ada", ex.Author)
	}
	if _, ok := c.Exchange("y1"); ok {
		t.Error("event for another channel should be ignored")
	}

	var resp history.Response
	raw := `{"message":"found","suggested_actions":[{"action_type":"search_results","payload":{"query":"q","papers":[{"id":"p9"}],"search_id":"s9"}}]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	c.HandlePush(push.Event{Kind: push.AssistantReply, ChannelID: "c1", ExchangeID: "x1", Response: &resp})

	ex, _ = c.Exchange("x1")
	if ex.Status != exchange.StatusComplete || ex.ResponseText != "found" {
		t.Errorf("x1 = %+v, want complete reply", ex)
	}
	if ex.Question != "other user" {
		t.Errorf("Question = %q, want it kept from the processing event", ex.Question)
	}
	if got := reg.LiveSearchID("c1"); got != "s9" {
		t.Errorf("LiveSearchID = %q, want s9", got)
	}
	if notified.Load() < 3 {
		t.Errorf("observer notified %d times, want at least 3", notified.Load())
	}
}

func TestConfirmAction(t *testing.T) {
	fc := &fakeClient{}
	logger := zaptest.NewLogger(t)
	q := &fakeQueue{}
	c := New(Options{Client: fc, Queue: q, ThrottleWindow: -1, Logger: logger})
	defer c.Close()

	var resp history.Response
	raw := `{"message":"draft ready","suggested_actions":[{"action_type":"create_paper","summary":"Create draft","payload":{"title":"T"}}]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	fc.setHistory("c1", history.Record{ID: "ex-1", Question: "draft", Response: &resp, Status: "completed"})

	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	pending := c.PendingActions()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	key := pending[0].Key
	if key != action.Key("ex-1", 0) {
		t.Errorf("key = %q, want ex-1:0", key)
	}
	if pending[0].Confirming {
		t.Error("action should not be confirming yet")
	}

	if _, err := c.ConfirmAction(context.Background(), "ex-1:9"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("ConfirmAction(unknown): err = %v, want ErrUnknownAction", err)
	}
	jobID, err := c.ConfirmAction(context.Background(), key)
	if err != nil {
		t.Fatalf("ConfirmAction: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("jobID = %q, want job-1", jobID)
	}
	if pending := c.PendingActions(); len(pending) != 1 || !pending[0].Confirming {
		t.Errorf("pending = %+v, want one confirming action", pending)
	}

	c.RecordConfirmed(q.reqs[0])
	if pending := c.PendingActions(); len(pending) != 0 {
		t.Errorf("pending = %+v, want none after confirmation", pending)
	}

	// A later refresh does not resurface the confirmed action.
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pending := c.PendingActions(); len(pending) != 0 {
		t.Errorf("pending after refresh = %+v, want none", pending)
	}
}

func TestDismissRequiresChannel(t *testing.T) {
	c, reg := newTestConversation(t, &fakeClient{body: helloStream})
	if err := c.DismissPaper("p1"); !errors.Is(err, ErrNoChannel) {
		t.Errorf("DismissPaper without channel: err = %v, want ErrNoChannel", err)
	}

	if err := c.SwitchChannel(context.Background(), "c1"); err != nil {
		t.Fatalf("SwitchChannel: %v", err)
	}
	id, err := c.Ask(context.Background(), "find")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	waitFor(t, c, id)

	if err := c.DismissPaper("p1"); err != nil {
		t.Fatalf("DismissPaper: %v", err)
	}
	if got := c.Snapshot().Session.Papers; len(got) != 0 {
		t.Errorf("visible papers = %+v, want none", got)
	}
	if got := reg.Session("c1").SearchResults.Papers; len(got) != 1 {
		t.Errorf("raw papers = %+v, want untouched", got)
	}
	if err := c.UndismissPaper("p1"); err != nil {
		t.Fatalf("UndismissPaper: %v", err)
	}
	if got := c.Snapshot().Session.Papers; len(got) != 1 {
		t.Errorf("visible papers = %+v, want p1 back", got)
	}
	if err := c.ResetSession(); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if reg.Session("c1").SearchResults != nil {
		t.Error("reset should clear search results")
	}
}
