package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pockode/chatrelay/directory"
	"github.com/pockode/chatrelay/logger"
	"github.com/pockode/chatrelay/message"
	"github.com/pockode/chatrelay/middleware"
	"github.com/pockode/chatrelay/presence"
	"github.com/pockode/chatrelay/relay"
	"github.com/pockode/chatrelay/rpc"
	"github.com/pockode/chatrelay/store"
)

type Handler struct {
	store     store.Store
	relay     *relay.Relay
	presence  *presence.Broadcaster
	directory directory.Directory
}

func NewHandler(st store.Store, rl *relay.Relay, pb *presence.Broadcaster, dir directory.Directory) *Handler {
	return &Handler{store: st, relay: rl, presence: pb, directory: dir}
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Online int    `json:"online"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Online: len(h.presence.Online())}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		logger.NewRequestLogger().Warn("health check: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	caller := middleware.Identity(r.Context())
	users := h.presence.Annotate(h.directory.ListOthers(caller))
	writeJSON(w, http.StatusOK, rpc.UsersListResult{Users: users})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller := middleware.Identity(r.Context())
	other := chi.URLParam(r, "userID")

	msgs, err := h.relay.History(r.Context(), caller, other)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.HistoryResult{Messages: msgs})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller := middleware.Identity(r.Context())
	id := chi.URLParam(r, "messageID")

	msg, err := h.relay.MarkRead(r.Context(), caller, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, message.ErrNotReceiver):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, message.ErrInvalidReceiver):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		logger.NewRequestLogger().Error("api request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
