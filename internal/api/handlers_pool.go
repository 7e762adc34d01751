package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/reseller-panel/internal/storage"
)

// handlePoolStatus returns an aggregate snapshot of the account pool and the
// wait queue depth.
func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pool.Status(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to compute pool status")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to compute pool status")
		return
	}

	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read queue depth")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to read queue depth")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pool":       status,
		"queueDepth": depth,
	})
}

// handleForceRelease unconditionally frees an account's lock. Recovery path
// for locks stranded by crashed workers.
func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "account id is required")
		return
	}

	if err := s.pool.ForceRelease(r.Context(), accountID); err != nil {
		s.logger.WithError(err).WithField("accountId", accountID).Error("Failed to force-release account")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to force-release account")
		return
	}

	s.logger.WithField("accountId", accountID).Warn("Account lock force-released")

	respondJSON(w, http.StatusOK, map[string]string{
		"accountId": accountID,
		"status":    "released",
	})
}

// handleClearCooldown lifts an account's cooldown ahead of its expiry.
func (s *Server) handleClearCooldown(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]
	if accountID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "account id is required")
		return
	}

	if err := s.pool.ClearCooldown(r.Context(), accountID); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			respondError(w, http.StatusNotFound, ErrCodeNotFound, "account not found")
			return
		}
		s.logger.WithError(err).WithField("accountId", accountID).Error("Failed to clear cooldown")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to clear cooldown")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"accountId": accountID,
		"status":    "cooldown cleared",
	})
}

// handleQueueClean prunes wait-queue entries left behind by cancelled or
// crashed operations.
func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	removed, err := s.queue.CleanStaleEntries(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to clean wait queue")
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to clean wait queue")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{
		"removed": removed,
	})
}
