package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lotas/tabgruppen/internal/applog"
	"github.com/lotas/tabgruppen/internal/badge"
	"github.com/lotas/tabgruppen/internal/engine"
	"github.com/lotas/tabgruppen/internal/types"
)

// WindowReader is the read side of the engine served over HTTP.
type WindowReader interface {
	Proposals(ctx context.Context, windowID int) ([]engine.Proposal, error)
	Duplicates(ctx context.Context, windowID int) ([]engine.DuplicateSet, error)
	Status(windowID int) types.ProcessingStatus
	BadgeStatus(ctx context.Context, windowID int) (badge.Status, error)
	History(windowID int) ([]types.Action, error)
}

// SuggestionsResponse is the body of GET /api/windows/{id}/suggestions.
type SuggestionsResponse struct {
	WindowID   int                   `json:"windowId"`
	Proposals  []engine.Proposal     `json:"proposals"`
	Duplicates []engine.DuplicateSet `json:"duplicates"`
}

// StatusResponse is the body of GET /api/windows/{id}/status.
type StatusResponse struct {
	types.ProcessingStatus
	Badge badge.Status `json:"badge"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewAPI returns the read-only HTTP API for the side panel and for
// debugging a running daemon.
func NewAPI(rd WindowReader) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/windows/{windowID}", func(r chi.Router) {
		r.Get("/suggestions", func(w http.ResponseWriter, r *http.Request) {
			id, ok := windowParam(w, r)
			if !ok {
				return
			}
			props, err := rd.Proposals(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			dups, err := rd.Duplicates(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			writeJSON(w, http.StatusOK, SuggestionsResponse{WindowID: id, Proposals: props, Duplicates: dups})
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			id, ok := windowParam(w, r)
			if !ok {
				return
			}
			b, err := rd.BadgeStatus(r.Context(), id)
			if err != nil {
				writeError(w, http.StatusBadGateway, err)
				return
			}
			writeJSON(w, http.StatusOK, StatusResponse{ProcessingStatus: rd.Status(id), Badge: b})
		})
		r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			id, ok := windowParam(w, r)
			if !ok {
				return
			}
			actions, err := rd.History(id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if actions == nil {
				actions = []types.Action{}
			}
			writeJSON(w, http.StatusOK, actions)
		})
	})
	return r
}

func windowParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "windowID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.Error("api.write", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	applog.Error("api.request", err, "status", status)
	writeJSON(w, status, errorResponse{Code: status, Message: err.Error()})
}
