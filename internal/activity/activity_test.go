package activity

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/failure"
	"github.com/openbenefits/cardlife/internal/partner"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/store/memory"
	"github.com/openbenefits/cardlife/internal/workflow"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func seedCard(t *testing.T, docs store.DocumentStore, c card.CardStatus) int64 {
	t.Helper()
	body := mustJSON(t, c)
	last := int64(0)
	if _, current, err := docs.FindLastVersion(context.Background(), store.CollectionCardStatus, c.UserID); err == nil {
		last = current
	}
	version, err := docs.CreateNewVersion(context.Background(), store.CollectionCardStatus, c.UserID, body, last)
	if err != nil {
		t.Fatal(err)
	}
	return version
}

// stubDocs injects failures behind the DocumentStore interface.
type stubDocs struct {
	findLast func(ctx context.Context, collection, userID string) (json.RawMessage, int64, error)
	findAll  func(ctx context.Context, collection, userID string) ([]int64, error)
	create   func(ctx context.Context, collection, userID string, body json.RawMessage, expectedLast int64) (int64, error)
	remove   func(ctx context.Context, collection, userID string, version int64) error
}

func (s *stubDocs) FindLastVersion(ctx context.Context, collection, userID string) (json.RawMessage, int64, error) {
	return s.findLast(ctx, collection, userID)
}

func (s *stubDocs) FindAllVersions(ctx context.Context, collection, userID string) ([]int64, error) {
	return s.findAll(ctx, collection, userID)
}

func (s *stubDocs) CreateNewVersion(ctx context.Context, collection, userID string, body json.RawMessage, expectedLast int64) (int64, error) {
	return s.create(ctx, collection, userID, body, expectedLast)
}

func (s *stubDocs) DeleteVersion(ctx context.Context, collection, userID string, version int64) error {
	return s.remove(ctx, collection, userID, version)
}

type fakePartner struct {
	issueErr   error
	revokeErr  error
	issueCalls int
}

func (p *fakePartner) IssueCard(context.Context, string) error {
	p.issueCalls++
	return p.issueErr
}

func (p *fakePartner) RevokeCard(context.Context, string) error {
	return p.revokeErr
}

func TestFetchCardStatus(t *testing.T) {
	docs := memory.NewDocumentStore()
	seedCard(t, docs, card.CardStatus{UserID: "u1", Status: card.StatusActivated})
	fetch := FetchCardStatus(docs)

	result, err := fetch(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != workflow.ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	var fetched FetchResult
	if err := result.Decode(&fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.Card.Status != card.StatusActivated || fetched.Version != 1 {
		t.Errorf("unexpected fetch result: %+v", fetched)
	}
}

func TestFetchCardStatusMissingIsPermanent(t *testing.T) {
	fetch := FetchCardStatus(memory.NewDocumentStore())

	result, err := fetch(context.Background(), mustJSON(t, UserPayload{UserID: "ghost"}))
	if err != nil {
		t.Fatalf("permanent failures must not surface as retryable errors: %v", err)
	}
	if result.Kind != workflow.ResultFailure {
		t.Fatalf("expected FAILURE result, got %+v", result)
	}
	if !strings.HasPrefix(result.Reason, "PERMANENT FAILURE|ERROR=card status for user ghost") {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestFetchCardStatusStoreErrorIsTransient(t *testing.T) {
	docs := &stubDocs{
		findLast: func(context.Context, string, string) (json.RawMessage, int64, error) {
			return nil, 0, errors.New("connection reset")
		},
	}
	fetch := FetchCardStatus(docs)

	_, err := fetch(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if !failure.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestPersistCardStatus(t *testing.T) {
	docs := memory.NewDocumentStore()
	persist := PersistCardStatus(docs)

	payload := PersistPayload{
		Card:            card.CardStatus{UserID: "u1", Status: card.StatusPending},
		ExpectedVersion: 0,
	}
	result, err := persist(context.Background(), mustJSON(t, payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != workflow.ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	body, version, err := docs.FindLastVersion(context.Background(), store.CollectionCardStatus, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
	var persisted card.CardStatus
	if err := json.Unmarshal(body, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.Status != card.StatusPending {
		t.Errorf("unexpected persisted status %s", persisted.Status)
	}
}

func TestPersistCardStatusConflictIsTransient(t *testing.T) {
	docs := memory.NewDocumentStore()
	seedCard(t, docs, card.CardStatus{UserID: "u1", Status: card.StatusActivated})
	persist := PersistCardStatus(docs)

	// The fetch observed version 0, but version 1 already exists.
	payload := PersistPayload{
		Card:            card.CardStatus{UserID: "u1", Status: card.StatusRevoked},
		ExpectedVersion: 0,
	}
	_, err := persist(context.Background(), mustJSON(t, payload))
	if !failure.IsTransient(err) {
		t.Errorf("version conflict must be transient, got %v", err)
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("cause must remain inspectable, got %v", err)
	}
}

func TestDeleteSecondaryCardVersionsDeletesAll(t *testing.T) {
	docs := memory.NewDocumentStore()
	for i := 0; i < 3; i++ {
		_, err := docs.CreateNewVersion(context.Background(), store.CollectionSecondaryCard, "u1", mustJSON(t, map[string]int{"v": i}), int64(i))
		if err != nil {
			t.Fatal(err)
		}
	}
	deleteAll := DeleteSecondaryCardVersions(docs)

	result, err := deleteAll(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Kind != workflow.ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	versions, err := docs.FindAllVersions(context.Background(), store.CollectionSecondaryCard, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Errorf("expected all versions deleted, %d remain", len(versions))
	}
}

func TestDeleteSecondaryCardVersionsNoVersionsIsSuccess(t *testing.T) {
	deleteAll := DeleteSecondaryCardVersions(memory.NewDocumentStore())

	result, err := deleteAll(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil || result.Kind != workflow.ResultSuccess {
		t.Errorf("nothing to delete must be success, got result=%+v err=%v", result, err)
	}
}

func TestDeleteSecondaryCardVersionsListFailureDeletesNothing(t *testing.T) {
	var deletes int
	docs := &stubDocs{
		findAll: func(context.Context, string, string) ([]int64, error) {
			return nil, errors.New("query timeout")
		},
		remove: func(context.Context, string, string, int64) error {
			deletes++
			return nil
		},
	}
	deleteAll := DeleteSecondaryCardVersions(docs)

	_, err := deleteAll(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if !failure.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if deletes != 0 {
		t.Errorf("a failed list must not delete anything, got %d deletes", deletes)
	}
}

func TestDeleteSecondaryCardVersionsAbortsOnFirstFailure(t *testing.T) {
	var deletes int
	docs := &stubDocs{
		findAll: func(context.Context, string, string) ([]int64, error) {
			return []int64{1, 2, 3}, nil
		},
		remove: func(_ context.Context, _, _ string, version int64) error {
			deletes++
			if version == 2 {
				return errors.New("io error")
			}
			return nil
		},
	}
	deleteAll := DeleteSecondaryCardVersions(docs)

	_, err := deleteAll(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if !failure.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if deletes != 2 {
		t.Errorf("loop must abort at the failing version, got %d deletes", deletes)
	}
}

func TestDeleteExpirationRecord(t *testing.T) {
	expirations := memory.NewExpirationStore()
	if err := expirations.Insert(context.Background(), store.ExpirationRecord{UserID: "u1", ExpirationDate: "2026-09-01"}); err != nil {
		t.Fatal(err)
	}
	deleteRec := DeleteExpirationRecord(expirations)

	result, err := deleteRec(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil || result.Kind != workflow.ResultSuccess {
		t.Fatalf("expected success, got result=%+v err=%v", result, err)
	}

	// Repeating the delete is idempotent.
	result, err = deleteRec(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil || result.Kind != workflow.ResultSuccess {
		t.Errorf("repeated delete must be success, got result=%+v err=%v", result, err)
	}
}

func TestRevokePartnerCard(t *testing.T) {
	api := &fakePartner{}
	revoke := RevokePartnerCard(api)

	result, err := revoke(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil || result.Kind != workflow.ResultSuccess {
		t.Errorf("expected success, got result=%+v err=%v", result, err)
	}
}

func TestRevokePartnerCardRejectionIsPermanent(t *testing.T) {
	api := &fakePartner{revokeErr: &partner.APIError{StatusCode: 400, Body: "bad request"}}
	revoke := RevokePartnerCard(api)

	result, err := revoke(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil {
		t.Fatalf("permanent rejection must not surface as retryable error: %v", err)
	}
	if result.Kind != workflow.ResultFailure {
		t.Fatalf("expected FAILURE result, got %+v", result)
	}
	if !strings.Contains(result.Reason, "PERMANENT FAILURE|ERROR=partner rejected revocation") {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestRevokePartnerCardTransportErrorIsTransient(t *testing.T) {
	api := &fakePartner{revokeErr: errors.New("dial tcp: connection refused")}
	revoke := RevokePartnerCard(api)

	_, err := revoke(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if !failure.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestIssuePartnerCard(t *testing.T) {
	api := &fakePartner{}
	issue := IssuePartnerCard(api)

	result, err := issue(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if err != nil || result.Kind != workflow.ResultSuccess {
		t.Errorf("expected success, got result=%+v err=%v", result, err)
	}
	if api.issueCalls != 1 {
		t.Errorf("expected one partner call, got %d", api.issueCalls)
	}
}

func TestIssuePartnerCardServerErrorIsTransient(t *testing.T) {
	api := &fakePartner{issueErr: &partner.APIError{StatusCode: 503, Body: "maintenance"}}
	issue := IssuePartnerCard(api)

	_, err := issue(context.Background(), mustJSON(t, UserPayload{UserID: "u1"}))
	if !failure.IsTransient(err) {
		t.Errorf("5xx must be transient, got %v", err)
	}
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	fetch := FetchCardStatus(memory.NewDocumentStore())

	result, err := fetch(context.Background(), json.RawMessage(`{not json`))
	if err != nil {
		t.Fatalf("decode failures must be terminal, got error %v", err)
	}
	if result.Kind != workflow.ResultFailure {
		t.Errorf("expected FAILURE result, got %+v", result)
	}
	if !strings.HasPrefix(result.Reason, "PERMANENT FAILURE|") {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}
