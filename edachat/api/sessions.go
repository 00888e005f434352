package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
	"github.com/go-chi/chi/v5"
)

const (
	maxDatasetSize    = 32 << 20
	maxTurnBodySize   = 64 << 10
	defaultTranscript = 20
)

// TurnRequest is the body of a turn submission.
type TurnRequest struct {
	Utterance string `json:"utterance"`
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Put("/dataset", h.ResetSession)
			r.Post("/turns", h.SubmitTurn)
			r.Post("/overview", h.Overview)
			r.Get("/transcript", h.Transcript)
		})
	})
}

// CreateSession profiles the CSV request body and opens a session over it.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	table, err := readDataset(w, r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.agent.CreateSession(r.Context(), table)
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	JSON(w, http.StatusCreated, info)
}

// GetSession returns the session's usage and digest.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.agent.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// DeleteSession closes a session.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.CloseSession(chi.URLParam(r, "sessionID")); err != nil {
		h.writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetSession clears the conversation and binds it to the CSV request body.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	table, err := readDataset(w, r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.agent.ResetSession(r.Context(), chi.URLParam(r, "sessionID"), table)
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	JSON(w, http.StatusOK, info)
}

// SubmitTurn runs one conversational turn.
func (h *Handler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTurnBodySize)

	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.agent.SubmitTurn(r.Context(), chi.URLParam(r, "sessionID"), req.Utterance)
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Overview returns a chart-backed summary of the session's dataset.
func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	resp, err := h.agent.Overview(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// Transcript returns the archived turns, newest last. ?limit bounds the count.
func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	limit := defaultTranscript
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	turns, err := h.agent.Transcript(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.writeAgentError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func readDataset(w http.ResponseWriter, r *http.Request) (*dataset.Table, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDatasetSize)

	table, err := dataset.LoadCSV(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("dataset exceeds %d bytes", tooLarge.Limit)
		}
		return nil, err
	}
	if table.NumRows() == 0 {
		return nil, fmt.Errorf("dataset has no rows")
	}
	return table, nil
}
