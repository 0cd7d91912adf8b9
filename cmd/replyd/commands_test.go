package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
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
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestDraftRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /generate": `{"ok":true,"from_model":true,"reply":"Sure, Thursday works.","meta":{"elapsed_ms":850}}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/generate", map[string]any{
		"email_text": "Can we move the sync to Thursday?",
		"tone":       "casual",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		OK        bool   `json:"ok"`
		FromModel bool   `json:"from_model"`
		Reply     string `json:"reply"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if !result.FromModel {
		t.Error("expected from_model to be true")
	}
	if result.Reply != "Sure, Thursday works." {
		t.Errorf("reply = %q", result.Reply)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/generate" {
		t.Errorf("request = %s %s, want POST /generate", r.Method, r.Path)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["email_text"] != "Can we move the sync to Thursday?" {
		t.Errorf("body.email_text = %v", body["email_text"])
	}
	if body["tone"] != "casual" {
		t.Errorf("body.tone = %v, want casual", body["tone"])
	}
}

func TestDraftCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"draft"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestLearnCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"learn", "--type", "selected"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestLearnRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /learn": `{"ok":true,"learned":true,"interaction_type":"thumbs_up"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/learn", map[string]any{
		"interaction_type": "thumbs_up",
		"original_email":   "Can we meet?",
		"suggestion":       "Sure, when works for you?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["learned"] != true {
		t.Errorf("learned = %v, want true", result["learned"])
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["interaction_type"] != "thumbs_up" {
		t.Errorf("body.interaction_type = %v", body["interaction_type"])
	}
}

func TestStorageStatusDecode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /storage": `{"size_bytes":1048576,"budget_bytes":5368709120,"usage_percent":0.02,"samples":12,"training_pairs":4,"feedback":7,"patterns":3,"health":"healthy"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/storage")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var st storageStatusView
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.Samples != 12 {
		t.Errorf("samples = %d, want 12", st.Samples)
	}
	if st.Health != "healthy" {
		t.Errorf("health = %q, want healthy", st.Health)
	}
	if st.BudgetBytes>>20 != 5120 {
		t.Errorf("budget MB = %d, want 5120", st.BudgetBytes>>20)
	}
}

func TestModelStatusDecode(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /model": `{"state":"loaded","pid":4242,"generation":3,"idle_seconds":12,"unload_in_secs":48}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var st modelStatusView
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st.State != "loaded" || st.Pid != 4242 {
		t.Errorf("status = %+v", st)
	}
	if st.UnloadInSecs != 48 {
		t.Errorf("unload_in_secs = %d, want 48", st.UnloadInSecs)
	}
}

func TestDecodeJSONServerError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	client := ts.client()
	resp, err := client.get(ctx, "/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := pidFilePath(dir)

	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}

	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error reading removed PID file")
	}
}

func TestPIDFilePath(t *testing.T) {
	got := pidFilePath("/tmp/data")
	want := filepath.Join("/tmp/data", "replyd.pid")
	if got != want {
		t.Errorf("pidFilePath = %q, want %q", got, want)
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(ansiGreen, "hello")
	if strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "hello" {
		t.Errorf("result = %q, want hello", result)
	}

	noColor = false
	result = colorize(ansiGreen, "hello")
	if !strings.Contains(result, "\033") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
