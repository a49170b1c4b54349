package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

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

func TestChat_PrintsReply(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"interaction":{"aiResponse":"좋은 하루였네요!"},"recorded":true}`,
	})

	var out bytes.Buffer
	if err := runChat(ctx, ts.client(), "오늘 기분이 좋았다", "", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "좋은 하루였네요!" {
		t.Errorf("output = %q", got)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/chat" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["text"] != "오늘 기분이 좋았다" {
		t.Errorf("body.text = %q", body["text"])
	}
}

func TestChat_Noop(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"noop":true,"recorded":false}`,
	})

	var out bytes.Buffer
	if err := runChat(ctx, ts.client(), " ", "", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want empty", out.String())
	}
}

func TestChat_BusyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"message":"a submission is already in progress","type":"conflict_error"}}`))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	err := runChat(ctx, c, "hi", "", &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestShowHistory(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /history": `{"principal":"42","interactions":[{"id":"a","date":"2024-05-01","dayOfWeek":"Wednesday","userInput":"둘레길을 걸었다","aiResponse":"멋져요"}]}`,
	})

	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	if err := showHistory(ctx, ts.client(), 5, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"2024-05-01 Wednesday", "you: 둘레길을 걸었다", "assistant: 멋져요"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	if ts.requests[0].Path != "/history?limit=5" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestShowHistory_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /history": `{"principal":"guest","interactions":[]}`,
	})

	var out bytes.Buffer
	if err := showHistory(ctx, ts.client(), 5, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "No conversation history.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestExportHistory_CopiesBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /history/export": `[{"id":"a"}]`,
	})

	var out bytes.Buffer
	if err := exportHistory(ctx, ts.client(), "json", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != `[{"id":"a"}]` {
		t.Errorf("output = %q", out.String())
	}
	if ts.requests[0].Path != "/history/export?format=json" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestExportHistory_BadFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"unsupported export format \"csv\"","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	var out bytes.Buffer
	err := exportHistory(ctx, c, "csv", &out)
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("error body written to output: %q", out.String())
	}
}

func TestListDiaries_NewestFirstWithLimit(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /diaries": `{"items":[
			{"id":"d1","date":"2024-04-29","title":"rain","content":"비가 왔다"},
			{"id":"d2","date":"2024-05-01","title":"walk","content":"둘레길을 걸었다","emotion":"happy","emotionScore":0.8}
		],"stale":false}`,
	})

	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	if err := listDiaries(ctx, ts.client(), true, 1, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "d2  2024-05-01 [happy 0.80]  walk") {
		t.Errorf("output = %q", out.String())
	}
	if strings.Contains(out.String(), "d1") {
		t.Errorf("limit not applied: %q", out.String())
	}
	if ts.requests[0].Path != "/diaries?scope=all" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestListDiaries_Empty(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /diaries": `{"items":[],"stale":true,"refreshError":"could not refresh"}`,
	})

	var out bytes.Buffer
	if err := listDiaries(ctx, ts.client(), false, 10, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "No diary entries yet.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}
	resp, err := c.delete(ctx, "/history")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v map[string]any
	if err := decodeJSON(resp, &v); err != nil {
		t.Errorf("decodeJSON on 204 = %v", err)
	}
}

func TestServerNotRunning(t *testing.T) {
	c := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		token:      "t",
		httpClient: &http.Client{},
	}
	_, err := c.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestChatCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"chat"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "requires at least 1 arg") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestChat_DiarySavedGoesToStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"interaction":{"aiResponse":"ok"},"recorded":true,"diaryCreated":{"id":"d1","date":"2024-05-01","content":"x"}}`,
	})

	oldOut, oldColor := statusOut, noColor
	defer func() { statusOut, noColor = oldOut, oldColor }()
	var status bytes.Buffer
	statusOut = &status
	noColor = true

	var out bytes.Buffer
	if err := runChat(ctx, ts.client(), "x", "", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "ok" {
		t.Errorf("stdout = %q", out.String())
	}
	if !strings.Contains(status.String(), "✓ Diary entry d1 saved for 2024-05-01") {
		t.Errorf("status = %q", status.String())
	}
}

func TestMoodColor(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.9, colorGreen},
		{0.6, colorGreen},
		{0.5, colorYellow},
		{0.1, colorRed},
	}
	for _, tt := range tests {
		if got := moodColor(tt.score); got != tt.want {
			t.Errorf("moodColor(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{5, 100, "5"},
		{0, 100, "0"},
		{100, 100, "100+"},
		{150, 100, "150+"},
	}
	for _, tt := range tests {
		got := countLabel(tt.count, tt.limit)
		if got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}
