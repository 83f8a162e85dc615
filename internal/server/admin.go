package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, gateway.ErrConflict), errors.Is(err, gateway.ErrNotCancellable):
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// --- Requests ---

func (s *server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RequestFilter{
		State:    gateway.RequestState(q.Get("state")),
		Provider: q.Get("provider"),
		Limit:    100,
		Desc:     true,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	reqs, err := s.deps.Store.ListRequests(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   reqs,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func (s *server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, resp, err := s.deps.Service.GetResult(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := map[string]any{"request": req}
	if resp != nil {
		out["response"] = resp
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Service.Cancel(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": gateway.StateCancelled})
}

// --- Providers ---

func (s *server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Store.ListProviderStatuses(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := map[string]any{"providers": infos}
	if s.deps.Tracker != nil {
		out["reliability"] = s.deps.Tracker.Snapshots()
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Stats ---

func (s *server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Queue.Stats()
	out := map[string]any{"queue": stats}
	if s.deps.Pressure != nil {
		out["load_level"] = s.deps.Pressure.Level()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	n, err := s.deps.Cache.Clear(r.Context(), provider)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// --- Token costs ---

// handleUpsertTokenCost sets per-1k-token pricing for a provider/model
// pair, used to annotate completed requests with an estimated cost.
func (s *server) handleUpsertTokenCost(w http.ResponseWriter, r *http.Request) {
	var tc gateway.TokenCost
	if !decodeJSON(w, r, &tc) {
		return
	}
	if tc.Provider == "" || tc.Model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("provider and model are required"))
		return
	}
	if tc.InputPer1K < 0 || tc.OutputPer1K < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("costs must be non-negative"))
		return
	}
	if err := s.deps.Store.UpsertTokenCost(r.Context(), &tc); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

// --- API keys ---

// keyInvalidator is implemented by the API-key authenticator; revocations
// must also drop the cached credential.
type keyInvalidator interface {
	InvalidateByKeyID(id string)
}

type createKeyRequest struct {
	Name     string `json:"name"`
	RPMLimit int    `json:"rpm_limit,omitempty"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListAPIKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// handleCreateKey mints a new API key. The raw key is returned exactly once;
// only its hash is stored.
func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}

	raw := "mk_" + uuid.Must(uuid.NewV7()).String()
	key := &gateway.APIKey{
		ID:        uuid.Must(uuid.NewV7()).String(),
		KeyHash:   gateway.HashKey(raw),
		Name:      body.Name,
		RPMLimit:  body.RPMLimit,
		CreatedAt: time.Now(),
	}
	if err := s.deps.Store.CreateAPIKey(r.Context(), key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":   key.ID,
		"name": key.Name,
		"key":  raw,
	})
}

func (s *server) handleDisableKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetAPIKeyDisabled(r.Context(), id, true); err != nil {
		writeAdminError(w, r, err)
		return
	}
	if inv, ok := s.deps.Auth.(keyInvalidator); ok {
		inv.InvalidateByKeyID(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": true})
}
