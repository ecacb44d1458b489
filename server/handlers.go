package server

import (
	"net/http"

	"github.com/trendmill/trendmill/internal/version"
)

// handleLiveTrends returns persisted signals grouped by category, optionally
// filtered with ?category=.
func (s *Server) handleLiveTrends(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	grouped, err := s.store.Live(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.logger.Errorw("Failed to query live trends", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query trends")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"trends": grouped})
}

// handleRefresh runs an immediate scrape cycle.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	signals, err := s.coordinator.Refresh(r.Context())
	if err != nil {
		s.logger.Errorw("Manual refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"signals": len(signals),
	})
}

// handleScraperStatus reports every configured platform's circuit state.
func (s *Server) handleScraperStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platforms": s.coordinator.Status(),
	})
}

// handlePipelinePending surfaces unacknowledged entry counts per
// stream/group.
func (s *Server) handlePipelinePending(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := s.broker.PendingCounts(r.Context())
	if err != nil {
		s.logger.Errorw("Failed to count pending entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count pending entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": counts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, version.Get())
}
