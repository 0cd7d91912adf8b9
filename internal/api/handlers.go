// Package api exposes the drafting and learning surface over HTTP, plus an
// MCP server for editor integrations. Handlers are closures over AppDeps so
// tests can assemble them with fakes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/svarx/replyd/internal/composer"
	"github.com/svarx/replyd/internal/engine"
	"github.com/svarx/replyd/internal/governor"
	"github.com/svarx/replyd/internal/learning"
	"github.com/svarx/replyd/internal/lifecycle"
	"github.com/svarx/replyd/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

// ModelManager is the slice of lifecycle.Manager the handlers need.
type ModelManager interface {
	Generate(ctx context.Context, prompt string, params engine.GenerationParams) (string, time.Duration, error)
	ForceReload(ctx context.Context) error
	Evict()
	Status() lifecycle.Status
}

// LearnStats exposes background scheduler counters.
type LearnStats interface {
	Stats() learning.Stats
}

// ResourceSampler reports current process resource usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (governor.Usage, error)
}

// AppDeps holds everything the HTTP surface works with.
type AppDeps struct {
	Store    *storage.Store
	Model    ModelManager
	Analyzer *learning.Analyzer
	Learner  LearnStats      // optional
	Sampler  ResourceSampler // optional
	Logger   *slog.Logger
}

// NewAppHandler builds the chi router for all endpoints.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/", handleRoot())
	r.Get("/health", handleHealth(deps))
	r.Post("/generate", handleGenerate(deps))
	r.Post("/learn", handleLearn(deps))
	r.Post("/remember", handleRemember(deps))
	r.Get("/samples", handleSamples(deps))
	r.Post("/reset", handleReset(deps))

	r.Get("/storage", handleStorageStatus(deps))
	r.Post("/storage/cleanup", handleStorageCleanup(deps))
	r.Post("/storage/check", handleStorageCheck(deps))

	r.Get("/model", handleModelStatus(deps))
	r.Post("/model/reload", handleModelReload(deps))
	r.Post("/model/unload", handleModelUnload(deps))

	r.Get("/style", handleStyle(deps))
	r.Get("/insights", handleInsights(deps))
	r.Get("/learning/stats", handleLearningStats(deps))

	return r
}

func handleRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"service": "replyd",
			"ok":      true,
		})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Store.GetStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storage status: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"model":   deps.Model.Status().State,
			"storage": status.Health,
		})
	}
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	EmailText string `json:"email_text"`
	Text      string `json:"text"` // legacy alias
	Tone      string `json:"tone"`
	Length    string `json:"length"`
}

// GenerateResponse is the body of a successful POST /generate.
type GenerateResponse struct {
	OK        bool   `json:"ok"`
	FromModel bool   `json:"from_model"`
	Reply     string `json:"reply"`
	Meta      *Meta  `json:"meta,omitempty"`
}

// Meta carries generation timing.
type Meta struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

func handleGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		email := req.EmailText
		if email == "" {
			email = req.Text
		}
		if email == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "email_text is required")
			return
		}

		creq := composer.Request{Email: email, Tone: req.Tone, Length: req.Length}

		// Passive learning: classify the incoming email and record the
		// pattern. Failure here never blocks generation.
		recordPattern(deps, email)

		style, err := deps.Analyzer.StyleSummary()
		if err != nil {
			deps.Logger.Warn("style summary unavailable", "error", err)
			style = ""
		}

		prompt := composer.BuildPrompt(creq, style)
		raw, elapsed, err := deps.Model.Generate(r.Context(), prompt, composer.Params(creq.Length))
		if errors.Is(err, engine.ErrContextWindow) {
			// The composed prompt overflowed the context window; the bare
			// prompt truncates the email hard enough to fit.
			deps.Logger.Warn("context window exceeded, retrying with bare prompt")
			raw, elapsed, err = deps.Model.Generate(r.Context(), composer.SimplePrompt(email), composer.RetryParams())
		}
		if err != nil {
			deps.Logger.Warn("generation failed, using fallback", "error", err)
			respondJSON(w, http.StatusOK, GenerateResponse{
				OK: false, FromModel: false, Reply: composer.Fallback(creq),
			})
			return
		}

		reply := composer.CleanReply(raw)
		if composer.Acceptable(reply) {
			respondJSON(w, http.StatusOK, GenerateResponse{
				OK: true, FromModel: true, Reply: reply,
				Meta: &Meta{ElapsedMS: elapsed.Milliseconds()},
			})
			return
		}

		// One retry with a bare prompt before giving up on the model.
		if len(reply) < composer.MinReplyLen {
			raw2, elapsed2, err := deps.Model.Generate(r.Context(), composer.SimplePrompt(email), composer.RetryParams())
			if err == nil {
				if retry := composer.CleanReply(raw2); len(retry) >= composer.MinReplyLen {
					respondJSON(w, http.StatusOK, GenerateResponse{
						OK: true, FromModel: true, Reply: retry,
						Meta: &Meta{ElapsedMS: (elapsed + elapsed2).Milliseconds()},
					})
					return
				}
			}
		}

		respondJSON(w, http.StatusOK, GenerateResponse{
			OK: true, FromModel: false, Reply: composer.Fallback(creq),
			Meta: &Meta{ElapsedMS: elapsed.Milliseconds()},
		})
	}
}

func recordPattern(deps AppDeps, email string) {
	c := learning.ClassifyEmail(email)
	_, err := deps.Store.RecordEmailPattern(storage.EmailPattern{
		Snippet:   email,
		EmailType: c.EmailType,
		Formality: c.Formality,
		Urgency:   c.Urgency,
		WordCount: c.WordCount,
	})
	if err != nil {
		deps.Logger.Debug("recording email pattern failed", "error", err)
	}
}

// LearnRequest is the body of POST /learn.
type LearnRequest struct {
	InteractionType string              `json:"interaction_type"`
	Suggestion      string              `json:"suggestion"`
	OriginalEmail   string              `json:"original_email"`
	Feedback        string              `json:"feedback"`
	Context         storage.PairContext `json:"context"`
}

// interactionWeights maps interaction types to feedback weight. Selected is
// the strongest signal: the user actually sent that reply.
var interactionWeights = map[string]float64{
	"selected":    1.0,
	"thumbs_up":   0.7,
	"thumbs_down": -0.5,
}

func handleLearn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LearnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Suggestion == "" || req.OriginalEmail == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "suggestion and original_email are required")
			return
		}
		weight, ok := interactionWeights[req.InteractionType]
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown interaction_type %q", req.InteractionType)
			return
		}

		if req.InteractionType == "selected" {
			if _, err := deps.Store.AddSample(req.Suggestion); err != nil && !errors.Is(err, storage.ErrRejected) {
				httpError(w, http.StatusInternalServerError, "api_error", "storing sample: %v", err)
				return
			}
			if _, err := deps.Store.AddTrainingPair(req.OriginalEmail, req.Suggestion, req.Context); err != nil && !errors.Is(err, storage.ErrRejected) {
				httpError(w, http.StatusInternalServerError, "api_error", "storing training pair: %v", err)
				return
			}
		}

		_, err := deps.Store.AddFeedback(storage.FeedbackInput{
			InteractionType: req.InteractionType,
			OriginalEmail:   req.OriginalEmail,
			Suggestion:      req.Suggestion,
			Label:           req.Feedback,
			Context:         req.Context,
		}, weight)
		if err != nil && !errors.Is(err, storage.ErrRejected) {
			httpError(w, http.StatusInternalServerError, "api_error", "storing feedback: %v", err)
			return
		}

		deps.Analyzer.Invalidate()
		respondJSON(w, http.StatusOK, map[string]any{
			"ok":               true,
			"learned":          err == nil,
			"interaction_type": req.InteractionType,
		})
	}
}

// RememberRequest is the body of POST /remember.
type RememberRequest struct {
	Text          string              `json:"text"`
	OriginalEmail string              `json:"original_email"`
	Context       storage.PairContext `json:"context"`
}

func handleRemember(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RememberRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		if _, err := deps.Store.AddSample(req.Text); err != nil && !errors.Is(err, storage.ErrRejected) {
			httpError(w, http.StatusInternalServerError, "api_error", "storing sample: %v", err)
			return
		}
		if req.OriginalEmail != "" {
			if _, err := deps.Store.AddTrainingPair(req.OriginalEmail, req.Text, req.Context); err != nil && !errors.Is(err, storage.ErrRejected) {
				httpError(w, http.StatusInternalServerError, "api_error", "storing training pair: %v", err)
				return
			}
		}

		deps.Analyzer.Invalidate()
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "learned": true})
	}
}

func handleSamples(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		samples, err := deps.Store.ListSamples(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing samples: %v", err)
			return
		}
		out := make([]map[string]any, 0, len(samples))
		for _, s := range samples {
			out = append(out, map[string]any{
				"id":         s.ID,
				"created_at": s.CreatedAt.Format(time.RFC3339),
				"text":       s.Text,
			})
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "samples": out})
	}
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearAll(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing store: %v", err)
			return
		}
		deps.Analyzer.Invalidate()
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleStorageStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Store.GetStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "storage status: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, status)
	}
}

func handleStorageCleanup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Cleanup()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleanup: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": stats.Total(), "stats": stats})
	}
}

func handleStorageCheck(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.CheckBudget(); err != nil {
			if errors.Is(err, storage.ErrStorageCritical) {
				respondJSON(w, http.StatusOK, map[string]any{"ok": false, "critical": true, "error": err.Error()})
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "budget check: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true, "critical": false})
	}
}

func handleModelStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := deps.Model.Status()
		out := map[string]any{
			"state":          st.State,
			"pid":            st.Pid,
			"generation":     st.Generation,
			"idle_seconds":   int64(st.IdleFor.Seconds()),
			"unload_in_secs": int64(st.WillUnloadIn.Seconds()),
		}
		if deps.Sampler != nil {
			if usage, err := deps.Sampler.Sample(r.Context()); err == nil {
				out["memory_mb"] = int64(usage.MemBytes >> 20)
				out["cpu_percent"] = usage.CPUPercent
			}
		}
		respondJSON(w, http.StatusOK, out)
	}
}

func handleModelReload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Model.ForceReload(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reload: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleModelUnload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Model.Evict()
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func handleStyle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Analyzer.StyleSummary()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "style summary: %v", err)
			return
		}
		patterns, err := deps.Analyzer.UserPatterns()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "user patterns: %v", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"summary": summary, "patterns": patterns})
	}
}

func handleInsights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		insights, err := deps.Store.PatternInsights()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "pattern insights: %v", err)
			return
		}
		out := make([]map[string]any, 0, len(insights))
		for _, in := range insights {
			out = append(out, map[string]any{
				"email_type": in.EmailType,
				"formality":  in.Formality,
				"urgency":    in.Urgency,
				"count":      in.Count,
			})
		}
		respondJSON(w, http.StatusOK, map[string]any{"insights": out})
	}
}

func handleLearningStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{}
		if deps.Learner != nil {
			resp["scheduler"] = deps.Learner.Stats()
		}
		feedback, err := deps.Analyzer.SummarizeFeedback()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "feedback summary: %v", err)
			return
		}
		resp["feedback"] = feedback
		respondJSON(w, http.StatusOK, resp)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
