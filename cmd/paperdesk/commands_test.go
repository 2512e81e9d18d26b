package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/kalambet/paperdesk/internal/conversation"
	"github.com/kalambet/paperdesk/internal/history"
)

func TestMain(m *testing.M) {
	noColor = true
	os.Exit(m.Run())
}

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestListPapers(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/session": `{"channel_id":"c1","search_id":"s1","query":"graphs",
			"papers":[{"id":"p1","title":"One","year":2024,"authors":["Ada","Grace"]},{"id":"p2","title":"Two"}],
			"ingestion":{"p1":{"status":"uploading","is_adding":false}},
			"dismissed":["p3"]}`,
	})

	var out bytes.Buffer
	if err := listPapers(ctx, ts.client(), &out); err != nil {
		t.Fatalf("listPapers: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		`Results for "graphs" (2 shown, 1 dismissed)`,
		"p1  One (2024)  [uploading]",
		"Ada, Grace",
		"p2  Two",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestListPapers_NoSearch(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/session": `{"channel_id":"c1","papers":[],"ingestion":{},"dismissed":[]}`,
	})

	var out bytes.Buffer
	if err := listPapers(ctx, ts.client(), &out); err != nil {
		t.Fatalf("listPapers: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "No search results." {
		t.Errorf("output = %q, want %q", got, "No search results.")
	}
}

func TestDismissAndUndismiss(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/papers/p1/dismiss":   `{"paper_id":"p1","dismissed":true}`,
		"DELETE /v1/papers/p1/dismiss": `{"paper_id":"p1","dismissed":false}`,
	})
	c := ts.client()

	if err := setDismissed(ctx, c, "p1", true); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := setDismissed(ctx, c, "p1", false); err != nil {
		t.Fatalf("undismiss: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if r := ts.requests[0]; r.Method != "POST" || r.Path != "/v1/papers/p1/dismiss" {
		t.Errorf("request 0 = %s %s, want POST /v1/papers/p1/dismiss", r.Method, r.Path)
	}
	if r := ts.requests[1]; r.Method != "DELETE" || r.Path != "/v1/papers/p1/dismiss" {
		t.Errorf("request 1 = %s %s, want DELETE /v1/papers/p1/dismiss", r.Method, r.Path)
	}
}

func TestSessionUpdates(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/papers/dismiss-all": `{"status":"updated"}`,
		"POST /v1/session/reset":      `{"status":"updated"}`,
	})
	c := ts.client()

	if err := postSessionUpdate(ctx, c, "/v1/papers/dismiss-all", "done"); err != nil {
		t.Fatalf("dismiss-all: %v", err)
	}
	if err := postSessionUpdate(ctx, c, "/v1/session/reset", "done"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
}

func TestListActions(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/actions": `[
			{"key":"e1:0","channel_id":"c1","exchange_id":"e1","index":0,
			 "action":{"action_type":"create_paper","summary":"Draft a related work section"},"confirming":false},
			{"key":"e1:1","channel_id":"c1","exchange_id":"e1","index":1,
			 "action":{"action_type":"edit_paper"},"confirming":true}]`,
	})

	var out bytes.Buffer
	if err := listActions(ctx, ts.client(), &out); err != nil {
		t.Fatalf("listActions: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "e1:0  create_paper: Draft a related work section") {
		t.Errorf("output missing first action:\n%s", got)
	}
	if !strings.Contains(got, "e1:1  edit_paper: edit_paper (confirming)") {
		t.Errorf("output missing second action:\n%s", got)
	}
}

func TestConfirmAction(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/actions/e1:0/confirm": `{"key":"e1:0","job_id":"job-7","status":"queued"}`,
	})

	if err := confirmAction(ctx, ts.client(), "e1:0"); err != nil {
		t.Fatalf("confirmAction: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if r := ts.requests[0]; r.Method != "POST" || r.Path != "/v1/actions/e1:0/confirm" {
		t.Errorf("request = %s %s, want POST /v1/actions/e1:0/confirm", r.Method, r.Path)
	}
}

func TestChannelCommands(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/channel": `{"channel_id":"c9"}`,
		"PUT /v1/channel": `{"channel_id":"c9"}`,
	})
	c := ts.client()

	var out bytes.Buffer
	if err := showChannel(ctx, c, &out); err != nil {
		t.Fatalf("showChannel: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "c9" {
		t.Errorf("channel = %q, want c9", got)
	}

	if err := switchChannel(ctx, c, "c9"); err != nil {
		t.Fatalf("switchChannel: %v", err)
	}
	if body := ts.requests[1].Body; body != `{"channel_id":"c9"}` {
		t.Errorf("body = %s, want channel_id c9", body)
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client().get(ctx, "/v1/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	err = decodeJSON(resp, nil)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404: not found") {
		t.Errorf("error = %q, want server message", err)
	}
}

func TestServerNotReachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", token: "t", httpClient: http.DefaultClient}
	_, err := c.get(ctx, "/health")
	if err == nil || !strings.Contains(err.Error(), "paperdesk serve") {
		t.Errorf("err = %v, want hint to run paperdesk serve", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "paperdesk "+version {
		t.Errorf("output = %q, want %q", got, "paperdesk "+version)
	}
}

func TestWriteDelta(t *testing.T) {
	var out bytes.Buffer
	printed := writeDelta(&out, "", "Hel")
	printed = writeDelta(&out, printed, "Hello")
	printed = writeDelta(&out, printed, "Replaced")

	if out.String() != "Hello" {
		t.Errorf("output = %q, want %q", out.String(), "Hello")
	}
	if printed != "Hello" {
		t.Errorf("printed = %q, want %q", printed, "Hello")
	}
}

const searchStream = `data: {"type":"token","content":"Looking"}
data: {"type":"result","payload":{"message":"Found two papers","suggested_actions":[{"action_type":"search_results","payload":{"query":"graphs","papers":[{"id":"p1","title":"One"},{"id":"p2","title":"Two"}],"search_id":"s1"}}]}}
data: [DONE]
`

type stubAssistant struct {
	body string
}

func (s *stubAssistant) StreamAssistant(ctx context.Context, channelID, exchangeID, question string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.body)), nil
}

func (s *stubAssistant) FetchHistory(ctx context.Context, channelID string) ([]history.Record, error) {
	return nil, nil
}

func TestRunAsk(t *testing.T) {
	conv := conversation.New(conversation.Options{
		Client:         &stubAssistant{body: searchStream},
		ThrottleWindow: -1,
		Logger:         zaptest.NewLogger(t),
	})
	t.Cleanup(conv.Close)

	var out bytes.Buffer
	if err := runAsk(ctx, conv, "c1", "graph papers", &out); err != nil {
		t.Fatalf("runAsk: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Found two papers") {
		t.Errorf("output missing answer:\n%s", got)
	}
	if !strings.Contains(got, `Results for "graphs" (2 shown, 0 dismissed)`) {
		t.Errorf("output missing search results:\n%s", got)
	}
	if conv.Channel() != "c1" {
		t.Errorf("Channel = %q, want c1", conv.Channel())
	}
}

func TestRunAsk_RequiresChannel(t *testing.T) {
	conv := conversation.New(conversation.Options{Client: &stubAssistant{}, Logger: zaptest.NewLogger(t)})
	t.Cleanup(conv.Close)

	if err := runAsk(ctx, conv, "", "hi", io.Discard); err == nil {
		t.Fatal("expected error without a channel")
	}
}
