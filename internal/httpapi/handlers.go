package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/subnetindex/settlement/internal/creation"
	"github.com/subnetindex/settlement/internal/ledger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type epochResponse struct {
	EpochID       int64     `json:"epoch_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	TimeRemaining string    `json:"time_remaining"`
}

func (s *Server) handleEpoch(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	id := s.clock.CurrentEpoch(now)
	writeJSON(w, http.StatusOK, epochResponse{
		EpochID:       id,
		Start:         s.clock.Start(id),
		End:           s.clock.End(id),
		TimeRemaining: s.clock.TimeRemaining(id, now).String(),
	})
}

func (s *Server) handleCurrentFile(w http.ResponseWriter, r *http.Request) {
	s.serveFile(w, r, s.clock.CurrentEpoch(time.Now()))
}

func (s *Server) handleFileByEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, err := strconv.ParseInt(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch id")
		return
	}
	s.serveFile(w, r, epochID)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, epochID int64) {
	file, err := s.files.GetFile(r.Context(), epochID)
	if err != nil {
		if errors.Is(err, creation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no creation file for epoch")
			return
		}
		s.log.Error().Err(err).Int64("epoch_id", epochID).Msg("creation file lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.log.Error().Err(err).Msg("request lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "status query parameter required")
		return
	}
	status := ledger.Status(raw)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	reqs, err := s.svc.ListByStatus(r.Context(), status)
	if err != nil {
		s.log.Error().Err(err).Msg("request listing failed")
		writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if reqs == nil {
		reqs = []*ledger.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"count":    len(reqs),
		"requests": reqs,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	if s.reg != nil {
		s.reg.UpdateStatusCounts(stats)
	}

	epochs, err := s.files.ListEpochs(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("epoch listing failed")
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	if epochs == nil {
		epochs = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch_id":         s.clock.CurrentEpoch(time.Now()),
		"published_epochs": epochs,
		"requests":         stats,
	})
}
