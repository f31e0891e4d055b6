// Package transition implements the per-user status transition
// orchestrator: an explicit state machine driving a single status change
// through idempotent activities, with the failure classification deciding
// retry versus terminal abort at every step.
package transition

import (
	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/activity"
	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/failure"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// OrchestratorName is the name the status transition orchestrator is
// registered under with the workflow host.
const OrchestratorName = "status-transition"

// persistAttempts bounds the fetch-apply-persist loop taken when a
// concurrent writer wins a version race.
const persistAttempts = 5

// step is the orchestrator's state machine cursor. Failed is reachable from
// every step on permanent failure; the workflow journal is the durable
// checkpoint that makes each step resumable.
type step string

const (
	stepValidating step = "Validating"
	stepFetching   step = "Fetching"
	stepApplying   step = "Applying"
	stepPersisting step = "Persisting"
	stepEffecting  step = "Effecting"
	stepCompleted  step = "Completed"
)

// Orchestrator returns the status transition orchestrator function. All
// collaborator access goes through activities; the function itself only
// re-derives pure decisions on replay.
func Orchestrator() workflow.Orchestrator {
	return func(ctx *workflow.Context) workflow.Result {
		var req card.TransitionRequest
		if err := ctx.Input(&req); err != nil {
			return workflow.Failed(failure.Report(failure.Permanent(err, "decode transition request")).Error())
		}

		state := stepValidating
		var fetched activity.FetchResult
		var next card.CardStatus
		attempt := 0

		for {
			switch state {
			case stepValidating:
				if err := req.Validate(); err != nil {
					return workflow.Failed(failure.Report(failure.Permanent(err, "validate transition request")).Error())
				}
				state = stepFetching

			case stepFetching:
				result, err := ctx.CallActivity(activity.NameFetchCardStatus, activity.UserPayload{UserID: req.UserID})
				if err != nil {
					return workflow.Failed(err.Error())
				}
				if result.Kind == workflow.ResultFailure {
					return result
				}
				if err := result.Decode(&fetched); err != nil {
					return workflow.Failed(failure.Report(failure.Permanent(err, "decode fetched card status")).Error())
				}
				state = stepApplying

			case stepApplying:
				next = card.Apply(fetched.Card, req)
				state = stepPersisting

			case stepPersisting:
				attempt++
				payload := activity.PersistPayload{Card: next, ExpectedVersion: fetched.Version}
				// Host retries are disabled here: a version conflict must
				// loop back through Fetching so the write applies on top of
				// the winning writer's version, not a stale one.
				result, err := ctx.CallActivity(activity.NamePersistCardStatus, payload, workflow.NoRetry())
				if err != nil {
					return workflow.Failed(err.Error())
				}
				if result.Kind == workflow.ResultFailure {
					if result.Retryable && attempt < persistAttempts {
						log.Debug().
							Str("instanceId", ctx.InstanceID()).
							Str("userId", req.UserID).
							Int("attempt", attempt).
							Msg("Persist conflict, re-fetching card status")
						state = stepFetching
						continue
					}
					return workflow.Failed(result.Reason)
				}
				state = stepEffecting

			case stepEffecting:
				for _, name := range effectActivities(req.Action) {
					result, err := ctx.CallActivity(name, activity.UserPayload{UserID: req.UserID})
					if err != nil {
						return workflow.Failed(err.Error())
					}
					if result.Kind == workflow.ResultFailure {
						return result
					}
				}
				state = stepCompleted

			case stepCompleted:
				return workflow.Succeeded()
			}
		}
	}
}

// effectActivities lists the external-effect activities for a transition,
// in invocation order. Terminal transitions tear down the secondary card;
// expiration additionally clears its schedule row; activation starts the
// partner issuance pipeline.
func effectActivities(action card.Action) []string {
	switch action {
	case card.ActionRevoke:
		return []string{
			activity.NameRevokePartnerCard,
			activity.NameDeleteSecondaryCardVersions,
		}
	case card.ActionExpire:
		return []string{
			activity.NameRevokePartnerCard,
			activity.NameDeleteSecondaryCardVersions,
			activity.NameDeleteExpirationRecord,
		}
	default:
		return []string{
			activity.NameIssuePartnerCard,
		}
	}
}
