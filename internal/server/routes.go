package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/bondline/internal/bond"
	"github.com/lazypower/bondline/internal/engine"
)

// decodeJSON reads the request body into v. Malformed bodies are validation
// errors; a ValidationError raised while decoding (an unknown tier name) is
// passed through unchanged.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if bond.IsValidationError(err) {
			return err
		}
		return bond.NewValidationError("body", "invalid json: "+err.Error())
	}
	return nil
}

type establishRequest struct {
	UserID  string       `json:"user_id"`
	AgentID string       `json:"agent_id"`
	Tier    bond.Tier    `json:"tier"`
	Metrics bond.Metrics `json:"metrics"`
}

func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	var req establishRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.Establish(r.Context(), req.UserID, req.AgentID, req.Tier, req.Metrics)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Bonded {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetBond(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBond(r.Context(), chi.URLParam(r, "bondID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	var patch bond.MetricsPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.UpdateMetrics(r.Context(), chi.URLParam(r, "bondID"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason bond.ReleaseReason `json:"reason"`
	}
	// An empty body releases voluntarily.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, bond.NewValidationError("body", "invalid json: "+err.Error()))
		return
	}
	badge, err := s.engine.Release(r.Context(), chi.URLParam(r, "bondID"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, badge)
}

func (s *Server) handleUserBonds(w http.ResponseWriter, r *http.Request) {
	bonds, err := s.engine.GetUserBonds(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if bonds == nil {
		bonds = []*bond.Bond{}
	}
	writeJSON(w, http.StatusOK, bonds)
}

func (s *Server) handleUserLegacy(w http.ResponseWriter, r *http.Request) {
	badges, err := s.engine.GetUserBondLegacy(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if badges == nil {
		badges = []*bond.LegacyBadge{}
	}
	writeJSON(w, http.StatusOK, badges)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	pos, entry, err := s.engine.QueuePosition(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"position": pos,
		"entry":    entry,
	})
}

func (s *Server) handleCancelQueue(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.CancelQueue(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.AcceptOffer(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeclineOffer(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "agentID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	tier, err := bond.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	occ, err := s.engine.Occupancy(r.Context(), chi.URLParam(r, "agentID"), tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

func (s *Server) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	tier, err := bond.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Capacity *int `json:"capacity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Capacity == nil {
		s.writeError(w, r, bond.NewValidationError("capacity", "required"))
		return
	}
	occ, err := s.engine.SetCapacity(r.Context(), chi.URLParam(r, "agentID"), tier, *req.Capacity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	var q engine.LeaderboardQuery
	params := r.URL.Query()
	if v := params.Get("tier"); v != "" {
		tier, err := bond.ParseTier(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q.Tier = &tier
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, bond.NewValidationError("limit", "must be an integer"))
			return
		}
		q.Limit = n
	}
	if v := params.Get("exclude_at_risk"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, bond.NewValidationError("exclude_at_risk", "must be a boolean"))
			return
		}
		q.ExcludeAtRisk = b
	}

	rows, err := s.engine.Leaderboard(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GlobalStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
