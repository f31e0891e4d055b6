package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/guard"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/sweep"
	"github.com/openbenefits/cardlife/internal/transition"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// handleGetStatus returns the last persisted card status for the user.
// This is the polling resource that transition responses redirect to.
func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request, userID string) {
	body, _, err := r.documents.FindLastVersion(req.Context(), store.CollectionCardStatus, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no card status for user")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Failed to read card status")
		writeError(w, http.StatusInternalServerError, "failed to read card status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleTransition starts a status transition orchestration for the user.
func (r *Router) handleTransition(w http.ResponseWriter, req *http.Request, userID string) {
	var payload card.StatusRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusForbidden, "malformed request payload")
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	ctx := req.Context()
	if _, _, err := r.documents.FindLastVersion(ctx, store.CollectionCardStatus, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no card status for user")
			return
		}
		log.Error().Err(err).Str("userId", userID).Msg("Failed to read card status")
		writeError(w, http.StatusInternalServerError, "failed to read card status")
		return
	}

	outcome, err := r.registry.CheckAndGuard(ctx, userID, payload.Action)
	if err != nil {
		log.Error().Err(err).Str("userId", userID).Msg("Concurrency guard check failed")
		writeError(w, http.StatusInternalServerError, "failed to check in-flight transitions")
		return
	}
	if outcome == guard.AlreadyInProgress {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"detail": "a status transition is already in progress",
		})
		return
	}

	instanceID := guard.InstanceID(userID, payload.Action)
	transitionReq := card.TransitionRequest{
		UserID:           userID,
		Action:           payload.Action,
		RevocationReason: payload.RevocationReason,
		RequestedAt:      r.now().UTC(),
	}
	if err := r.client.StartNew(ctx, transition.OrchestratorName, instanceID, transitionReq); err != nil {
		if errors.Is(err, workflow.ErrInstanceRunning) {
			// Lost the check-then-act race; same answer as the guard's.
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "accepted",
				"detail": "a status transition is already in progress",
			})
			return
		}
		log.Error().Err(err).Str("userId", userID).Msg("Failed to start transition orchestration")
		writeError(w, http.StatusInternalServerError, "failed to start status transition")
		return
	}

	statusPath := "/status/" + userID
	w.Header().Set("Location", statusPath)
	writeJSON(w, http.StatusSeeOther, map[string]string{
		"instanceId":     instanceID,
		"statusQueryUri": statusPath,
	})
}

type enrollRequest struct {
	ExpirationDate string `json:"expiration_date"`
}

// handleEnroll creates the initial PENDING card version and its expiration
// schedule row. Enrolling an already-enrolled user is a conflict.
func (r *Router) handleEnroll(w http.ResponseWriter, req *http.Request, userID string) {
	var payload enrollRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusForbidden, "malformed request payload")
		return
	}
	if payload.ExpirationDate != "" {
		if _, err := time.Parse(sweep.DateFormat, payload.ExpirationDate); err != nil {
			writeError(w, http.StatusForbidden, "expiration_date must be YYYY-MM-DD")
			return
		}
	}

	ctx := req.Context()
	initial := card.CardStatus{UserID: userID, Status: card.StatusPending}
	body, err := json.Marshal(initial)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode card status")
		return
	}
	if _, err := r.documents.CreateNewVersion(ctx, store.CollectionCardStatus, userID, body, 0); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			writeError(w, http.StatusConflict, "user is already enrolled")
			return
		}
		log.Error().Err(err).Str("userId", userID).Msg("Failed to create card status")
		writeError(w, http.StatusInternalServerError, "failed to create card status")
		return
	}

	if payload.ExpirationDate != "" {
		rec := store.ExpirationRecord{UserID: userID, ExpirationDate: payload.ExpirationDate}
		if err := r.schedules.Insert(ctx, rec); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("Failed to insert expiration record")
			writeError(w, http.StatusInternalServerError, "failed to schedule expiration")
			return
		}
	}

	writeJSON(w, http.StatusCreated, initial)
}
