package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/stream"
)

// askRequest is the submission body for /api/ask and /api/ask/stream.
type askRequest struct {
	Message  string         `json:"message"`
	Provider string         `json:"provider,omitempty"` // name or "@group"
	Priority int            `json:"priority,omitempty"`
	TimeoutS float64        `json:"timeout_s,omitempty"`
	Strategy string         `json:"strategy,omitempty"` // group aggregation strategy
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (a *askRequest) toRequest() *gateway.Request {
	r := &gateway.Request{
		Provider: a.Provider,
		Message:  a.Message,
		Priority: a.Priority,
		Timeout:  time.Duration(a.TimeoutS * float64(time.Second)),
		Metadata: a.Metadata,
	}
	if a.Strategy != "" {
		if r.Metadata == nil {
			r.Metadata = map[string]any{}
		}
		r.Metadata["strategy"] = a.Strategy
	}
	return r
}

// handleAsk submits a request and blocks until its terminal response.
func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var body askRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	resp, err := s.deps.Service.Submit(r.Context(), body.toRequest())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAskAsync submits a request and returns its ID immediately; the
// caller polls /api/requests/{id}.
func (s *server) handleAskAsync(w http.ResponseWriter, r *http.Request) {
	var body askRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	req := body.toRequest()
	if err := s.deps.Service.Enqueue(r.Context(), req); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":    req.ID,
		"state": req.State,
	})
}

// handleAskStream submits a request and delivers its chunks over SSE.
// Heartbeat chunks become SSE comments; the terminal chunk is followed by
// the [DONE] sentinel.
func (s *server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var body askRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	ch, err := s.deps.Service.Stream(r.Context(), body.toRequest())
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			if stream.IsHeartbeat(chunk) {
				writeSSEKeepAlive(w)
				flusher.Flush()
				continue
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "chunk marshal failed",
					slog.String("error", err.Error()),
				)
				writeSSEDone(w)
				flusher.Flush()
				return
			}
			writeSSEData(w, data)
			flusher.Flush()
			if chunk.Final {
				writeSSEDone(w)
				flusher.Flush()
				return
			}

		case <-r.Context().Done():
			return
		}
	}
}
