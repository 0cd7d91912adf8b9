package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/svarx/replyd/internal/engine"
	"github.com/svarx/replyd/internal/learning"
	"github.com/svarx/replyd/internal/lifecycle"
	"github.com/svarx/replyd/internal/storage"
)

// fakeModel scripts Generate responses per call.
type fakeModel struct {
	replies   []string
	err       error
	errOnce   error
	calls     int
	reloads   int
	evicts    int
	prompts   []string
	lastState string
}

func (f *fakeModel) Generate(ctx context.Context, prompt string, params engine.GenerationParams) (string, time.Duration, error) {
	f.prompts = append(f.prompts, prompt)
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		f.calls++
		return "", 0, err
	}
	if f.err != nil {
		return "", 0, f.err
	}
	reply := "Sounds good, I will follow up."
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return reply, 10 * time.Millisecond, nil
}

func (f *fakeModel) ForceReload(ctx context.Context) error { f.reloads++; return nil }
func (f *fakeModel) Evict()                                { f.evicts++ }

func (f *fakeModel) Status() lifecycle.Status {
	state := f.lastState
	if state == "" {
		state = "unloaded"
	}
	return lifecycle.Status{State: state}
}

func setupHandler(t *testing.T, model *fakeModel) (http.Handler, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:", storage.Limits{})
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	handler := NewAppHandler(AppDeps{
		Store:    store,
		Model:    model,
		Analyzer: learning.NewAnalyzer(store),
	})
	return handler, store
}

func doJSON(t *testing.T, handler http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResp(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestGenerateFromModel(t *testing.T) {
	model := &fakeModel{replies: []string{"Reply: sure, Thursday works for me."}}
	handler, store := setupHandler(t, model)

	rec := doJSON(t, handler, http.MethodPost, "/generate",
		`{"email_text":"Can we meet Thursday to go over the plan?","tone":"casual"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp GenerateResponse
	decodeResp(t, rec, &resp)
	if !resp.OK || !resp.FromModel {
		t.Errorf("resp = %+v, want ok from model", resp)
	}
	if resp.Reply != "Sure, Thursday works for me." {
		t.Errorf("Reply = %q", resp.Reply)
	}
	if resp.Meta == nil || resp.Meta.ElapsedMS <= 0 {
		t.Errorf("Meta = %+v", resp.Meta)
	}

	// The incoming email is classified and recorded as a pattern.
	insights, err := store.PatternInsights()
	if err != nil {
		t.Fatalf("PatternInsights: %v", err)
	}
	if len(insights) != 1 || insights[0].EmailType != "scheduling" {
		t.Errorf("insights = %+v, want one scheduling pattern", insights)
	}
}

func TestGenerateFallbackOnModelError(t *testing.T) {
	model := &fakeModel{err: engine.ErrModelUnavailable}
	handler, _ := setupHandler(t, model)

	rec := doJSON(t, handler, http.MethodPost, "/generate",
		`{"email_text":"thank you so much for the help"}`)

	var resp GenerateResponse
	decodeResp(t, rec, &resp)
	if resp.OK || resp.FromModel {
		t.Errorf("resp = %+v, want fallback", resp)
	}
	if !strings.Contains(resp.Reply, "welcome") {
		t.Errorf("fallback reply = %q, want gratitude rule", resp.Reply)
	}
}

func TestGenerateShortReplyRetry(t *testing.T) {
	model := &fakeModel{replies: []string{"ok", "Sure thing, sending it over now."}}
	handler, _ := setupHandler(t, model)

	rec := doJSON(t, handler, http.MethodPost, "/generate",
		`{"email_text":"can you send over the latest numbers"}`)

	var resp GenerateResponse
	decodeResp(t, rec, &resp)
	if !resp.OK || !resp.FromModel {
		t.Errorf("resp = %+v, want retry to succeed", resp)
	}
	if resp.Reply != "Sure thing, sending it over now." {
		t.Errorf("Reply = %q", resp.Reply)
	}
	if model.calls != 2 {
		t.Errorf("Generate calls = %d, want 2 (main + retry)", model.calls)
	}
	if !strings.HasPrefix(model.prompts[1], "Reply to: ") {
		t.Errorf("retry prompt = %q", model.prompts[1])
	}
}

func TestGenerateContextWindowRetry(t *testing.T) {
	model := &fakeModel{
		errOnce: engine.ErrContextWindow,
		replies: []string{"", "Got it, happy to help."},
	}
	handler, _ := setupHandler(t, model)

	rec := doJSON(t, handler, http.MethodPost, "/generate",
		`{"email_text":"`+strings.Repeat("more detail ", 60)+`"}`)

	var resp GenerateResponse
	decodeResp(t, rec, &resp)
	if !resp.OK || !resp.FromModel {
		t.Errorf("resp = %+v, want model reply after context retry", resp)
	}
	if resp.Reply != "Got it, happy to help." {
		t.Errorf("Reply = %q", resp.Reply)
	}
	if model.calls != 2 {
		t.Errorf("Generate calls = %d, want 2 (overflow + bare retry)", model.calls)
	}
	if !strings.HasPrefix(model.prompts[1], "Reply to: ") {
		t.Errorf("retry prompt = %q", model.prompts[1])
	}
}

func TestGenerateRequiresEmail(t *testing.T) {
	handler, _ := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodPost, "/generate", `{"tone":"casual"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestLearnSelected(t *testing.T) {
	handler, store := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodPost, "/learn", `{
		"interaction_type": "selected",
		"original_email": "could you review the attached design document please",
		"suggestion": "Happy to review it, I will send notes by Friday.",
		"feedback": "selected",
		"context": {"tone": "friendly", "length": "short"}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	samples, err := store.ListSamples(10)
	if err != nil {
		t.Fatalf("ListSamples: %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("samples = %d, want the accepted suggestion stored", len(samples))
	}

	pairs, err := store.RecentTrainingPairs(10)
	if err != nil {
		t.Fatalf("RecentTrainingPairs: %v", err)
	}
	if len(pairs) != 1 || pairs[0].Tone != "friendly" {
		t.Fatalf("pairs = %+v", pairs)
	}

	feedback, err := store.RecentFeedback(10)
	if err != nil {
		t.Fatalf("RecentFeedback: %v", err)
	}
	if len(feedback) != 1 || feedback[0].Weight != 1.0 {
		t.Fatalf("feedback = %+v, want weight 1.0", feedback)
	}
}

func TestLearnThumbsUpStoresOnlyFeedback(t *testing.T) {
	handler, store := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodPost, "/learn", `{
		"interaction_type": "thumbs_up",
		"original_email": "could you review the attached design document please",
		"suggestion": "Happy to review it, I will send notes by Friday."
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	samples, _ := store.ListSamples(10)
	if len(samples) != 0 {
		t.Errorf("samples = %d, thumbs_up must not store samples", len(samples))
	}
	feedback, _ := store.RecentFeedback(10)
	if len(feedback) != 1 || feedback[0].Weight != 0.7 {
		t.Fatalf("feedback = %+v, want weight 0.7", feedback)
	}
}

func TestLearnUnknownInteraction(t *testing.T) {
	handler, _ := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodPost, "/learn", `{
		"interaction_type": "shrug",
		"original_email": "some email",
		"suggestion": "some reply"
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRemember(t *testing.T) {
	handler, store := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodPost, "/remember", `{
		"text": "Thanks for the update, this looks great to me.",
		"original_email": "here is the latest draft of the proposal for review"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	samples, _ := store.ListSamples(10)
	if len(samples) != 1 {
		t.Errorf("samples = %d, want 1", len(samples))
	}
	pairs, _ := store.RecentTrainingPairs(10)
	if len(pairs) != 1 {
		t.Errorf("pairs = %d, want 1", len(pairs))
	}
}

func TestSamplesEndpoint(t *testing.T) {
	handler, store := setupHandler(t, &fakeModel{})
	if _, err := store.AddSample("a sample long enough to be kept around"); err != nil {
		t.Fatalf("AddSample: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/samples?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		OK      bool `json:"ok"`
		Samples []struct {
			Text string `json:"text"`
		} `json:"samples"`
	}
	decodeResp(t, rec, &resp)
	if !resp.OK || len(resp.Samples) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	if rec := doJSON(t, handler, http.MethodGet, "/samples?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestResetClearsStore(t *testing.T) {
	handler, store := setupHandler(t, &fakeModel{})
	if _, err := store.AddSample("a sample long enough to be kept around"); err != nil {
		t.Fatalf("AddSample: %v", err)
	}

	if rec := doJSON(t, handler, http.MethodPost, "/reset", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	samples, _ := store.ListSamples(10)
	if len(samples) != 0 {
		t.Errorf("samples = %d after reset, want 0", len(samples))
	}
}

func TestStorageEndpoints(t *testing.T) {
	handler, _ := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodGet, "/storage", "")
	var status storage.Status
	decodeResp(t, rec, &status)
	if status.Health != storage.HealthHealthy {
		t.Errorf("health = %q, want healthy for empty store", status.Health)
	}

	rec = doJSON(t, handler, http.MethodPost, "/storage/cleanup", "")
	if rec.Code != http.StatusOK {
		t.Errorf("cleanup status = %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/storage/check", "")
	var check struct {
		OK       bool `json:"ok"`
		Critical bool `json:"critical"`
	}
	decodeResp(t, rec, &check)
	if !check.OK || check.Critical {
		t.Errorf("check = %+v", check)
	}
}

func TestModelEndpoints(t *testing.T) {
	model := &fakeModel{lastState: "loaded"}
	handler, _ := setupHandler(t, model)

	rec := doJSON(t, handler, http.MethodGet, "/model", "")
	var st map[string]any
	decodeResp(t, rec, &st)
	if st["state"] != "loaded" {
		t.Errorf("state = %v", st["state"])
	}

	if rec := doJSON(t, handler, http.MethodPost, "/model/reload", ""); rec.Code != http.StatusOK {
		t.Errorf("reload status = %d", rec.Code)
	}
	if model.reloads != 1 {
		t.Errorf("reloads = %d", model.reloads)
	}

	if rec := doJSON(t, handler, http.MethodPost, "/model/unload", ""); rec.Code != http.StatusOK {
		t.Errorf("unload status = %d", rec.Code)
	}
	if model.evicts != 1 {
		t.Errorf("evicts = %d", model.evicts)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodGet, "/health", "")
	var resp map[string]any
	decodeResp(t, rec, &resp)
	if resp["ok"] != true || resp["model"] != "unloaded" || resp["storage"] != "healthy" {
		t.Errorf("health = %v", resp)
	}
}

func TestStyleEndpoint(t *testing.T) {
	handler, _ := setupHandler(t, &fakeModel{})

	rec := doJSON(t, handler, http.MethodGet, "/style", "")
	var resp struct {
		Summary  string            `json:"summary"`
		Patterns learning.Patterns `json:"patterns"`
	}
	decodeResp(t, rec, &resp)
	if !strings.Contains(resp.Summary, "tone") {
		t.Errorf("summary = %q", resp.Summary)
	}
	if resp.Patterns.PreferredTone != "professional" {
		t.Errorf("patterns = %+v", resp.Patterns)
	}
}
