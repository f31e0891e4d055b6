// Package guard derives deterministic orchestration-instance identifiers
// per user and transition family, and enforces the single-in-flight rule
// between competing transitions for the same user.
//
// REVOKE and EXPIRE are mutually exclusive terminal transitions, so they
// share one instance-id namespace; ACTIVATE has its own. The workflow host's
// one-active-instance-per-id rule is the actual mutual-exclusion mechanism;
// the guard's check-then-act sequence is best-effort on top of it.
package guard

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/failure"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// TerminationReason is the fixed reason cited when a higher-priority
// transition supersedes a running instance.
const TerminationReason = "a higher-priority status update needs to start"

// InstanceID derives the orchestration instance id for a user and target
// transition. It is pure and deterministic: REVOKE and EXPIRE yield the same
// id for a user, ACTIVATE yields a different one.
func InstanceID(userID string, target card.Action) string {
	if target == card.ActionActivate {
		return userID + "-" + string(card.ActionActivate)
	}
	return userID + "-" + string(card.ActionRevoke)
}

// Outcome is the guard's verdict on whether a transition may start.
type Outcome int

const (
	// AlreadyInProgress means an instance of the same or higher priority
	// occupies the slot; the caller must not start a duplicate and should
	// report acceptance rather than an error.
	AlreadyInProgress Outcome = iota
	// ClearToStart means no conflicting instance is running, or a
	// lower-priority one was just told to terminate.
	ClearToStart
)

// Registry queries and manipulates orchestration instances through the
// injected workflow host client.
type Registry struct {
	client workflow.Client
}

func New(client workflow.Client) *Registry {
	return &Registry{client: client}
}

// IsRunning reports the instance's runtime status and whether it currently
// occupies its slot (Running or Pending). Host query failures are transient.
func (r *Registry) IsRunning(ctx context.Context, instanceID string) (workflow.RuntimeStatus, bool, error) {
	info, err := r.client.GetStatus(ctx, instanceID)
	if err != nil {
		return "", false, failure.Report(failure.Transient(err, "query orchestration status"))
	}
	if info == nil {
		return "", false, nil
	}
	return info.RuntimeStatus, info.RuntimeStatus.Active(), nil
}

// CheckAndGuard decides whether a transition for (userID, target) may start.
// An EXPIRE request outranks whatever holds the shared terminal-transition
// slot and terminates it; REVOKE and ACTIVATE requests never preempt — they
// report AlreadyInProgress instead.
func (r *Registry) CheckAndGuard(ctx context.Context, userID string, target card.Action) (Outcome, error) {
	instanceID := InstanceID(userID, target)
	status, running, err := r.IsRunning(ctx, instanceID)
	if err != nil {
		return AlreadyInProgress, err
	}
	if !running {
		return ClearToStart, nil
	}

	if target == card.ActionExpire {
		log.Info().
			Str("userId", userID).
			Str("instanceId", instanceID).
			Str("runtimeStatus", string(status)).
			Msg("Terminating lower-priority orchestration for expiration")
		if err := r.Terminate(ctx, instanceID, TerminationReason); err != nil {
			// Best-effort: the expiration must still attempt to start.
			log.Warn().Err(err).Str("instanceId", instanceID).Msg("Termination before expiration failed")
		}
		return ClearToStart, nil
	}

	log.Info().
		Str("userId", userID).
		Str("instanceId", instanceID).
		Str("target", string(target)).
		Msg("Transition already in progress")
	return AlreadyInProgress, nil
}

// Terminate stops the named instance, citing reason. It is idempotent:
// terminating a completed or unknown instance succeeds. Host failures are
// transient; callers must not assume termination completed before
// proceeding.
func (r *Registry) Terminate(ctx context.Context, instanceID, reason string) error {
	if err := r.client.Terminate(ctx, instanceID, reason); err != nil {
		return failure.Report(failure.Transient(err, "terminate orchestration instance"))
	}
	return nil
}
