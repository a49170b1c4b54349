package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/daybook/internal/cache"
	"github.com/kalambet/daybook/internal/history"
	"github.com/kalambet/daybook/internal/model"
	"github.com/kalambet/daybook/internal/pipeline"
	"github.com/kalambet/daybook/internal/resources"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultHistoryLen  = 20
	loadTimeout        = 10 * time.Second

	// refreshFailed is shown next to last-known-good data.
	refreshFailed = "could not refresh"
)

// Submitter runs chat submissions. Implemented by pipeline.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, text, externalText string) (pipeline.Result, error)
}

// HistoryStore is the conversation store. Implemented by history.Store.
type HistoryStore interface {
	Entries(p model.Principal) []model.Interaction
	Recent(p model.Principal, n int) []model.Interaction
	Clear(p model.Principal) error
	Principals() ([]string, error)
}

// RecordWriter mutates gateway records. Implemented by gateway.Client.
type RecordWriter interface {
	CreateDiary(ctx context.Context, principal string, d model.Diary) (model.Diary, error)
	DeleteDiary(ctx context.Context, principal, id string) error
	CreateEvent(ctx context.Context, principal string, e model.Event) (model.Event, error)
	CreateTask(ctx context.Context, principal string, t model.Task) (model.Task, error)
}

// Session is the signed-in identity. Implemented by session.Session.
type Session interface {
	Principal() model.Principal
	Login(p model.Principal, token string)
	Logout()
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Token        string
	Orchestrator Submitter
	History      HistoryStore
	Collections  *resources.Collections
	Records      RecordWriter
	Session      Session
}

// NewHandler returns the local JSON API. Everything except /health requires
// the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))

		r.Get("/history", handleGetHistory(deps))
		r.Delete("/history", handleClearHistory(deps))
		r.Get("/history/export", handleExportHistory(deps))
		r.Get("/history/principals", handleHistoryPrincipals(deps))

		r.Get("/diaries", handleListDiaries(deps))
		r.Post("/diaries", handleCreateDiary(deps))
		r.Delete("/diaries/{id}", handleDeleteDiary(deps))
		r.Get("/events", handleCollection(deps, func(p string) (*cache.Cache[model.Event], cache.Key) {
			return deps.Collections.Events, cache.Key{Principal: p, Resource: cache.ResourceEvents}
		}))
		r.Post("/events", handleCreateEvent(deps))
		r.Get("/tasks", handleCollection(deps, func(p string) (*cache.Cache[model.Task], cache.Key) {
			return deps.Collections.Tasks, cache.Key{Principal: p, Resource: cache.ResourceTasks}
		}))
		r.Post("/tasks", handleCreateTask(deps))
		r.Get("/health-records", handleCollection(deps, func(p string) (*cache.Cache[model.HealthRecord], cache.Key) {
			return deps.Collections.Health, cache.Key{Principal: p, Resource: cache.ResourceHealth}
		}))
		r.Get("/analysis/{kind}", handleAnalysis(deps))
		r.Post("/refresh", handleRefresh(deps))

		r.Get("/session", handleGetSession(deps))
		r.Post("/session/login", handleLogin(deps))
		r.Post("/session/logout", handleLogout(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type chatRequest struct {
	Text         string `json:"text"`
	ExternalText string `json:"externalText"`
}

type chatResponse struct {
	Noop         bool               `json:"noop,omitempty"`
	Interaction  *model.Interaction `json:"interaction,omitempty"`
	Recorded     bool               `json:"recorded"`
	DiaryCreated *model.Diary       `json:"diaryCreated,omitempty"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		// The submission records history; finish it even if the client leaves.
		res, err := deps.Orchestrator.Submit(context.WithoutCancel(r.Context()), req.Text, req.ExternalText)
		if errors.Is(err, pipeline.ErrBusy) {
			httpError(w, http.StatusConflict, "conflict_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		if res.Interaction.ID == "" {
			writeJSON(w, http.StatusOK, chatResponse{Noop: true})
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			Interaction:  &res.Interaction,
			Recorded:     res.Recorded,
			DiaryCreated: res.DiaryCreated,
		})
	}
}

func handleGetHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultHistoryLen, history.DefaultCapacity)
		items := deps.History.Recent(deps.Session.Principal(), limit)
		if items == nil {
			items = []model.Interaction{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"principal":    deps.Session.Principal().String(),
			"interactions": items,
		})
	}
}

func handleClearHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.History.Clear(deps.Session.Principal()); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing history: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleHistoryPrincipals lists every principal with history on this device.
func handleHistoryPrincipals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := deps.History.Principals()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing histories: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"principals": ids})
	}
}

func handleExportHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}
		exp, err := history.NewExporter(format)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		switch exp.Extension() {
		case "yaml":
			w.Header().Set("Content-Type", "application/yaml")
		case "jsonl":
			w.Header().Set("Content-Type", "application/x-ndjson")
		default:
			w.Header().Set("Content-Type", "application/json")
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="history.%s"`, exp.Extension()))
		if err := exp.Export(deps.History.Entries(deps.Session.Principal()), w); err != nil {
			slog.Warn("history export failed", "format", format, "error", err)
		}
	}
}

// collectionResponse is a cache snapshot. Items always holds the last
// successful payload; RefreshError is set when the latest refresh failed.
type collectionResponse[T any] struct {
	Items        []T        `json:"items"`
	Stale        bool       `json:"stale"`
	Fetching     bool       `json:"fetching"`
	FetchedAt    *time.Time `json:"fetchedAt,omitempty"`
	Generation   uint64     `json:"generation"`
	RefreshError string     `json:"refreshError,omitempty"`
}

// serveSnapshot loads key (or only peeks when ?wait=false) and writes it.
func serveSnapshot[T any](w http.ResponseWriter, r *http.Request, c *cache.Cache[T], key cache.Key) {
	var (
		snap cache.Snapshot[T]
		err  error
	)
	if r.URL.Query().Get("wait") == "false" {
		snap = c.Get(key)
		err = snap.Err
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), loadTimeout)
		snap, err = c.Load(ctx, key)
		cancel()
	}

	if err != nil && !snap.Loaded {
		httpError(w, http.StatusBadGateway, "api_error", "%s: %v", refreshFailed, err)
		return
	}

	resp := collectionResponse[T]{
		Items:      snap.Payload,
		Stale:      snap.Stale,
		Fetching:   snap.Fetching,
		Generation: snap.Generation,
	}
	if resp.Items == nil {
		resp.Items = []T{}
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		resp.FetchedAt = &t
	}
	if err != nil {
		slog.Warn("serving last-known-good data", "key", key.String(), "error", err)
		resp.RefreshError = refreshFailed
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleCollection[T any](deps Deps, pick func(principal string) (*cache.Cache[T], cache.Key)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, key := pick(deps.Session.Principal().ID)
		serveSnapshot(w, r, c, key)
	}
}

func handleListDiaries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Session.Principal().ID
		if r.URL.Query().Get("scope") == model.AllPrincipals {
			principal = model.AllPrincipals
		}
		serveSnapshot(w, r, deps.Collections.Diaries, resources.DiaryKey(principal))
	}
}

type createDiaryRequest struct {
	Date         string  `json:"date"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Emotion      string  `json:"emotion"`
	EmotionScore float64 `json:"emotionScore"`
}

func handleCreateDiary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := signedIn(w, deps, "sign in to save diaries")
		if !ok {
			return
		}
		var req createDiaryRequest
		if !decodeRecord(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.EmotionScore < 0 || req.EmotionScore > 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "emotionScore must be between 0 and 1")
			return
		}
		date, ok := requestDate(w, req.Date)
		if !ok {
			return
		}

		d := model.Diary{
			Title:        req.Title,
			Content:      req.Content,
			Emotion:      req.Emotion,
			EmotionScore: req.EmotionScore,
			Date:         date,
		}

		created, err := deps.Records.CreateDiary(r.Context(), p.ID, d)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "saving diary: %v", err)
			return
		}
		invalidateDiaries(deps, p.ID)
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleDeleteDiary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := deps.Session.Principal()
		if p.IsGuest() {
			httpError(w, http.StatusForbidden, "permission_error", "sign in to delete diaries")
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Records.DeleteDiary(r.Context(), p.ID, id); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "deleting diary: %v", err)
			return
		}
		invalidateDiaries(deps, p.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func invalidateDiaries(deps Deps, principal string) {
	deps.Collections.Diaries.Invalidate(resources.DiaryKey(principal))
	deps.Collections.Diaries.Invalidate(resources.DiaryKey(model.AllPrincipals))
}

type createEventRequest struct {
	Date     string `json:"date"`
	Title    string `json:"title"`
	Location string `json:"location"`
	Start    string `json:"startTime"`
	End      string `json:"endTime"`
}

func handleCreateEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := signedIn(w, deps, "sign in to add events")
		if !ok {
			return
		}
		var req createEventRequest
		if !decodeRecord(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		date, ok := requestDate(w, req.Date)
		if !ok {
			return
		}

		created, err := deps.Records.CreateEvent(r.Context(), p.ID, model.Event{
			Date:     date,
			Title:    req.Title,
			Location: req.Location,
			Start:    req.Start,
			End:      req.End,
		})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "saving event: %v", err)
			return
		}
		deps.Collections.Events.Invalidate(cache.Key{Principal: p.ID, Resource: cache.ResourceEvents})
		writeJSON(w, http.StatusCreated, created)
	}
}

type createTaskRequest struct {
	Date  string `json:"date"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func handleCreateTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := signedIn(w, deps, "sign in to add tasks")
		if !ok {
			return
		}
		var req createTaskRequest
		if !decodeRecord(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		date, ok := requestDate(w, req.Date)
		if !ok {
			return
		}

		created, err := deps.Records.CreateTask(r.Context(), p.ID, model.Task{Date: date, Title: req.Title, Done: req.Done})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "saving task: %v", err)
			return
		}
		deps.Collections.Tasks.Invalidate(cache.Key{Principal: p.ID, Resource: cache.ResourceTasks})
		writeJSON(w, http.StatusCreated, created)
	}
}

// signedIn returns the current principal, answering 403 for the guest.
func signedIn(w http.ResponseWriter, deps Deps, msg string) (model.Principal, bool) {
	p := deps.Session.Principal()
	if p.IsGuest() {
		httpError(w, http.StatusForbidden, "permission_error", "%s", msg)
		return p, false
	}
	return p, true
}

func decodeRecord(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// requestDate parses an optional YYYY-MM-DD field, defaulting to today.
func requestDate(w http.ResponseWriter, raw string) (model.Date, bool) {
	if raw == "" {
		return model.DateOf(time.Now()), true
	}
	date, err := model.ParseDate(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return model.Date{}, false
	}
	return date, true
}

func handleAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		key := resources.AnalysisKey(deps.Session.Principal().ID, kind)
		serveSnapshot(w, r, deps.Collections.Analyses, key)
	}
}

type refreshRequest struct {
	Trigger string `json:"trigger"`
}

func handleRefresh(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		req := refreshRequest{Trigger: string(cache.TriggerFocus)}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		trigger := cache.Trigger(req.Trigger)
		if trigger != cache.TriggerFocus && trigger != cache.TriggerReconnect {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "trigger must be %q or %q", cache.TriggerFocus, cache.TriggerReconnect)
			return
		}

		resp := map[string]any{"trigger": trigger, "ok": true}
		if err := deps.Collections.Refresh(r.Context(), trigger); err != nil {
			resp["ok"] = false
			resp["refreshError"] = refreshFailed
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type sessionResponse struct {
	Principal     string `json:"principal"`
	Authenticated bool   `json:"authenticated"`
}

func sessionBody(p model.Principal) sessionResponse {
	return sessionResponse{Principal: p.String(), Authenticated: !p.IsGuest()}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sessionBody(deps.Session.Principal()))
	}
}

type loginRequest struct {
	Principal string `json:"principal"`
	Token     string `json:"token"`
}

func handleLogin(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Principal == "" || req.Principal == model.GuestID || req.Token == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "principal and token are required")
			return
		}

		deps.Session.Login(model.NewPrincipal(req.Principal), req.Token)
		writeJSON(w, http.StatusOK, sessionBody(deps.Session.Principal()))
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Session.Logout()
		writeJSON(w, http.StatusOK, sessionBody(deps.Session.Principal()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
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

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
