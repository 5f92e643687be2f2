// Package api exposes the engine's control surface over HTTP: instance
// reports and verbs keyed by the canonical instance key, plus a WebSocket
// stream mirroring every bus topic.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	json "github.com/goccy/go-json"

	"signalmill/internal/engine"
	"signalmill/internal/schema"
	"signalmill/internal/signal"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ctrl     *engine.Controller
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance. An empty allowedOrigins list
// admits every origin, for local development.
func NewHandlers(ctrl *engine.Controller, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		ctrl: ctrl,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
		logger: logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleListInstances returns a report for every built instance.
func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.List())
}

// HandleGetReport returns one instance's report.
func (h *Handlers) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	report, err := h.ctrl.GetReport(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleGetSignal returns the instance's current signal row, or null.
func (h *Handlers) HandleGetSignal(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	sig, err := h.ctrl.GetData(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// HandleStop halts signal generation for an instance.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Stop(key); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// HandleCancel requests the instance's current signal be dropped.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		CancelID string `json:"cancelId"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}
	id, err := h.ctrl.Cancel(key, body.CancelID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": id != "", "cancelId": id})
}

// HandlePartial closes a percentage of the instance's position. The route
// pattern decides the side via the {kind} segment: profit or loss.
func (h *Handlers) HandlePartial(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Percent float64 `json:"percent"`
		Price   float64 `json:"price"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}

	var applied bool
	var err error
	switch kind := r.PathValue("kind"); kind {
	case "profit":
		applied, err = h.ctrl.PartialProfit(r.Context(), key, body.Percent, body.Price)
	case "loss":
		applied, err = h.ctrl.PartialLoss(r.Context(), key, body.Percent, body.Price)
	default:
		http.Error(w, "kind must be profit or loss", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// HandleTrailingStop tightens the instance's stop.
func (h *Handlers) HandleTrailingStop(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		Shift float64 `json:"shift"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}
	applied, err := h.ctrl.TrailingStop(r.Context(), key, body.Shift)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// HandleBreakeven moves the instance's stop to its entry.
func (h *Handlers) HandleBreakeven(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	var body struct {
		CurrentPrice float64 `json:"currentPrice"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}
	applied, err := h.ctrl.Breakeven(r.Context(), key, body.CurrentPrice)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// HandleDump writes the instance's report to the dump directory.
func (h *Handlers) HandleDump(w http.ResponseWriter, r *http.Request) {
	key, ok := h.pathKey(w, r)
	if !ok {
		return
	}
	path, err := h.ctrl.Dump(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

func (h *Handlers) pathKey(w http.ResponseWriter, r *http.Request) (engine.Key, bool) {
	key, err := engine.ParseKey(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return engine.Key{}, false
	}
	return key, true
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNoInstance), errors.Is(err, schema.ErrUnknown):
		status = http.StatusNotFound
	case errors.Is(err, signal.ErrBadPartial), errors.Is(err, signal.ErrBadShift):
		status = http.StatusBadRequest
	case errors.Is(err, signal.ErrInvalidState):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
