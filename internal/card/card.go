// Package card holds the domain model for a per-user benefit entitlement:
// its lifecycle status, the transition requests that mutate it, and the pure
// transition computation applied by the orchestrator.
package card

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a user's entitlement card.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActivated Status = "ACTIVATED"
	StatusRevoked   Status = "REVOKED"
	StatusExpired   Status = "EXPIRED"
)

// Action names a requested status transition. REVOKE and EXPIRE are terminal
// transitions competing for the same orchestration slot; ACTIVATE has its own.
type Action string

const (
	ActionActivate Action = "ACTIVATE"
	ActionRevoke   Action = "REVOKE"
	ActionExpire   Action = "EXPIRE"
)

// CardStatus is the current (last version) entitlement record for a user.
// Records are never deleted, only superseded by a new version.
type CardStatus struct {
	UserID           string     `json:"userId"`
	Status           Status     `json:"status"`
	ActivationDate   *time.Time `json:"activationDate,omitempty"`
	ExpirationDate   *time.Time `json:"expirationDate,omitempty"`
	RevocationDate   *time.Time `json:"revocationDate,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`
}

// StatusRequest is the inbound payload asking for a status change.
type StatusRequest struct {
	Action           Action `json:"action"`
	RevocationReason string `json:"revocation_reason,omitempty"`
}

// Validate checks the request shape: REVOKE requires a revocation reason,
// ACTIVATE must not carry one. Shape violations are never retried.
func (r StatusRequest) Validate() error {
	switch r.Action {
	case ActionRevoke:
		if strings.TrimSpace(r.RevocationReason) == "" {
			return fmt.Errorf("revocation_reason is required for action %s", ActionRevoke)
		}
	case ActionActivate:
		if strings.TrimSpace(r.RevocationReason) != "" {
			return fmt.Errorf("revocation_reason is not allowed for action %s", ActionActivate)
		}
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// TransitionRequest is the orchestration input for a single status change.
// RequestedAt is captured once by the caller so orchestrator logic stays
// deterministic across replays.
type TransitionRequest struct {
	UserID           string    `json:"userId"`
	Action           Action    `json:"action"`
	RevocationReason string    `json:"revocationReason,omitempty"`
	RequestedAt      time.Time `json:"requestedAt"`
}

// Validate checks the orchestration input shape.
func (r TransitionRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	switch r.Action {
	case ActionRevoke:
		if strings.TrimSpace(r.RevocationReason) == "" {
			return fmt.Errorf("revocation reason is required for action %s", ActionRevoke)
		}
	case ActionActivate, ActionExpire:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if r.RequestedAt.IsZero() {
		return fmt.Errorf("requested-at timestamp is required")
	}
	return nil
}

// Apply computes the successor status for current under req. It is pure:
// the result depends only on its inputs, so replays re-derive the same
// decision.
//
// REVOKE produces the terminal REVOKED state with the captured request time
// as revocation date. EXPIRE produces the terminal EXPIRED state. Any other
// accepted action enters the activation pipeline at PENDING; the partner
// issuance activities move it forward from there.
func Apply(current CardStatus, req TransitionRequest) CardStatus {
	next := current
	next.UserID = req.UserID
	switch req.Action {
	case ActionRevoke:
		revokedAt := req.RequestedAt
		next.Status = StatusRevoked
		next.RevocationDate = &revokedAt
		next.RevocationReason = req.RevocationReason
	case ActionExpire:
		next.Status = StatusExpired
	default:
		next.Status = StatusPending
	}
	return next
}
