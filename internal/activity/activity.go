// Package activity implements the discrete, individually retryable units of
// work invoked by the status transition orchestrator. Every activity is
// idempotent and stateless: side effects live entirely in the injected
// collaborators, and a partially applied invocation is safe to repeat.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/failure"
	"github.com/openbenefits/cardlife/internal/partner"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/workflow"
)

// Activity names registered with the workflow host.
const (
	NameFetchCardStatus             = "fetch-card-status"
	NamePersistCardStatus           = "persist-card-status"
	NameDeleteSecondaryCardVersions = "delete-secondary-card-versions"
	NameDeleteExpirationRecord      = "delete-expiration-record"
	NameRevokePartnerCard           = "revoke-partner-card"
	NameIssuePartnerCard            = "issue-partner-card"
)

// UserPayload is the input for single-user activities.
type UserPayload struct {
	UserID string `json:"userId"`
}

// FetchResult is the payload returned by fetch-card-status.
type FetchResult struct {
	Card    card.CardStatus `json:"card"`
	Version int64           `json:"version"`
}

// PersistPayload is the input for persist-card-status. ExpectedVersion is
// the version the preceding fetch observed; a concurrent writer in between
// surfaces as a version conflict.
type PersistPayload struct {
	Card            card.CardStatus `json:"card"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

// PartnerAPI is the narrow slice of the partner client activities depend on.
type PartnerAPI interface {
	IssueCard(ctx context.Context, userID string) error
	RevokeCard(ctx context.Context, userID string) error
}

// Deps are the external collaborators behind the activity layer.
type Deps struct {
	Documents   store.DocumentStore
	Expirations store.ExpirationStore
	Partner     PartnerAPI
}

// Register adds every activity to the host.
func Register(host *workflow.LocalHost, deps Deps) {
	host.RegisterActivity(NameFetchCardStatus, FetchCardStatus(deps.Documents))
	host.RegisterActivity(NamePersistCardStatus, PersistCardStatus(deps.Documents))
	host.RegisterActivity(NameDeleteSecondaryCardVersions, DeleteSecondaryCardVersions(deps.Documents))
	host.RegisterActivity(NameDeleteExpirationRecord, DeleteExpirationRecord(deps.Expirations))
	host.RegisterActivity(NameRevokePartnerCard, RevokePartnerCard(deps.Partner))
	host.RegisterActivity(NameIssuePartnerCard, IssuePartnerCard(deps.Partner))
}

// report turns a classified failure into the activity outcome: transient
// failures propagate as retryable errors to the host, permanent failures
// become terminal FAILURE results.
func report(f *failure.Failure) (workflow.Result, error) {
	failure.Report(f)
	if f.IsTransient() {
		return workflow.Result{}, f
	}
	return workflow.Failed(f.Error()), nil
}

func decode[T any](raw json.RawMessage, custom string) (T, *failure.Failure) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, failure.Permanent(err, custom)
	}
	return payload, nil
}

// FetchCardStatus reads the user's last card status version. A missing
// record is a permanent not-found failure.
func FetchCardStatus(documents store.DocumentStore) workflow.Activity {
	return func(ctx context.Context, raw json.RawMessage) (workflow.Result, error) {
		payload, f := decode[UserPayload](raw, "decode fetch payload")
		if f != nil {
			return report(f)
		}

		body, version, err := documents.FindLastVersion(ctx, store.CollectionCardStatus, payload.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return report(failure.Permanent(err, fmt.Sprintf("card status for user %s", payload.UserID)))
		}
		if err != nil {
			return report(failure.Transient(err, "find last card status version"))
		}

		var current card.CardStatus
		if err := json.Unmarshal(body, &current); err != nil {
			return report(failure.Permanent(err, "decode stored card status"))
		}
		result, err := workflow.SucceededWith(FetchResult{Card: current, Version: version})
		if err != nil {
			return report(failure.Permanent(err, "encode fetch result"))
		}
		return result, nil
	}
}

// PersistCardStatus writes the computed status as a new document version.
// A version conflict is transient: the orchestrator re-fetches and
// re-applies before persisting again.
func PersistCardStatus(documents store.DocumentStore) workflow.Activity {
	return func(ctx context.Context, raw json.RawMessage) (workflow.Result, error) {
		payload, f := decode[PersistPayload](raw, "decode persist payload")
		if f != nil {
			return report(f)
		}

		body, err := json.Marshal(payload.Card)
		if err != nil {
			return report(failure.Permanent(err, "encode card status"))
		}
		version, err := documents.CreateNewVersion(ctx, store.CollectionCardStatus, payload.Card.UserID, body, payload.ExpectedVersion)
		if errors.Is(err, store.ErrVersionConflict) {
			return report(failure.Transient(err, "concurrent card status write"))
		}
		if err != nil {
			return report(failure.Transient(err, "create card status version"))
		}

		log.Info().
			Str("userId", payload.Card.UserID).
			Str("status", string(payload.Card.Status)).
			Int64("version", version).
			Msg("Card status persisted")
		return workflow.Succeeded(), nil
	}
}

// DeleteSecondaryCardVersions removes every stored version of the user's
// secondary card record. The first delete failure aborts the loop; versions
// already gone are success.
func DeleteSecondaryCardVersions(documents store.DocumentStore) workflow.Activity {
	return func(ctx context.Context, raw json.RawMessage) (workflow.Result, error) {
		payload, f := decode[UserPayload](raw, "decode delete payload")
		if f != nil {
			return report(f)
		}

		versions, err := documents.FindAllVersions(ctx, store.CollectionSecondaryCard, payload.UserID)
		if err != nil {
			return report(failure.Transient(err, "list secondary card versions"))
		}

		for _, version := range versions {
			if err := documents.DeleteVersion(ctx, store.CollectionSecondaryCard, payload.UserID, version); err != nil {
				return report(failure.Transient(err, fmt.Sprintf("delete secondary card version %d", version)))
			}
		}
		log.Debug().
			Str("userId", payload.UserID).
			Int("versions", len(versions)).
			Msg("Secondary card versions deleted")
		return workflow.Succeeded(), nil
	}
}

// DeleteExpirationRecord removes the user's expiration schedule row.
// A missing row is success.
func DeleteExpirationRecord(expirations store.ExpirationStore) workflow.Activity {
	return func(ctx context.Context, raw json.RawMessage) (workflow.Result, error) {
		payload, f := decode[UserPayload](raw, "decode expiration payload")
		if f != nil {
			return report(f)
		}
		if err := expirations.Delete(ctx, payload.UserID); err != nil {
			return report(failure.Transient(err, "delete expiration record"))
		}
		return workflow.Succeeded(), nil
	}
}

// RevokePartnerCard revokes the user's secondary card on the partner side.
// Partner 4xx rejections are permanent; transport errors and 5xx are
// transient.
func RevokePartnerCard(api PartnerAPI) workflow.Activity {
	return func(ctx context.Context, raw json.RawMessage) (workflow.Result, error) {
		payload, f := decode[UserPayload](raw, "decode revoke payload")
		if f != nil {
			return report(f)
		}
		if err := api.RevokeCard(ctx, payload.UserID); err != nil {
			if partner.IsPermanentAPIError(err) {
				return report(failure.Permanent(err, "partner rejected revocation"))
			}
			return report(failure.Transient(err, "revoke secondary card"))
		}
		return workflow.Succeeded(), nil
	}
}

// IssuePartnerCard asks the partner to issue the secondary card as part of
// the activation pipeline.
func IssuePartnerCard(api PartnerAPI) workflow.Activity {
	return func(ctx context.Context, raw json.RawMessage) (workflow.Result, error) {
		payload, f := decode[UserPayload](raw, "decode issue payload")
		if f != nil {
			return report(f)
		}
		if err := api.IssueCard(ctx, payload.UserID); err != nil {
			if partner.IsPermanentAPIError(err) {
				return report(failure.Permanent(err, "partner rejected issuance"))
			}
			return report(failure.Transient(err, "issue secondary card"))
		}
		return workflow.Succeeded(), nil
	}
}
