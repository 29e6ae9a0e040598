package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"mq-bridge/bridge"
)

// StatusSource provides pair status snapshots.
type StatusSource interface {
	Statuses() []bridge.Status
}

type Handler struct {
	Pairs   StatusSource
	Logger  *slog.Logger
	Version string
}

func NewHandler(pairs StatusSource, l *slog.Logger, version string) *Handler {
	return &Handler{
		Pairs:   pairs,
		Logger:  l,
		Version: version,
	}
}

// handleHealthz сообщает, что процесс жив, и отдаёт версию.
func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// handlePairs отдаёт состояние всех пар. Параметр state фильтрует по
// состоянию воркера.
func (h *Handler) handlePairs(w http.ResponseWriter, r *http.Request) {
	statuses := h.Pairs.Statuses()

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]bridge.Status, 0, len(statuses))
		for _, s := range statuses {
			if s.State.String() == state {
				filtered = append(filtered, s)
			}
		}
		statuses = filtered
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": statuses,
		"count": len(statuses),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write response", "error", err)
	}
}
