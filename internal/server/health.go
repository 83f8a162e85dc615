package server

import "net/http"

// Pre-allocated response body and header value slice for the readiness
// endpoint's plain-text replies.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

// handleHealth reports process liveness plus a summary of the moving parts.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			out["status"] = "degraded"
			out["database"] = err.Error()
		} else {
			out["database"] = "ok"
		}
	}
	if s.deps.Queue != nil {
		stats := s.deps.Queue.Stats()
		out["queue_depth"] = stats.Depth
		out["in_flight"] = stats.InFlight
	}
	if s.deps.Pressure != nil {
		out["load_level"] = s.deps.Pressure.Level()
	}

	status := http.StatusOK
	if out["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}
