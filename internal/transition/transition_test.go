package transition

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbenefits/cardlife/internal/activity"
	"github.com/openbenefits/cardlife/internal/card"
	"github.com/openbenefits/cardlife/internal/guard"
	"github.com/openbenefits/cardlife/internal/partner"
	"github.com/openbenefits/cardlife/internal/store"
	"github.com/openbenefits/cardlife/internal/store/memory"
	"github.com/openbenefits/cardlife/internal/workflow"
)

type fakePartner struct {
	issueErr    error
	revokeErr   error
	issueCalls  int
	revokeCalls int
}

func (p *fakePartner) IssueCard(context.Context, string) error {
	p.issueCalls++
	return p.issueErr
}

func (p *fakePartner) RevokeCard(context.Context, string) error {
	p.revokeCalls++
	return p.revokeErr
}

type fixture struct {
	host        *workflow.LocalHost
	documents   store.DocumentStore
	expirations *memory.ExpirationStore
	partner     *fakePartner
}

func newFixture(t *testing.T, documents store.DocumentStore) *fixture {
	t.Helper()
	host := workflow.NewLocalHost(workflow.NewMemoryJournal(), workflow.RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
	f := &fixture{
		host:        host,
		documents:   documents,
		expirations: memory.NewExpirationStore(),
		partner:     &fakePartner{},
	}
	activity.Register(host, activity.Deps{
		Documents:   f.documents,
		Expirations: f.expirations,
		Partner:     f.partner,
	})
	host.RegisterOrchestrator(OrchestratorName, Orchestrator())
	t.Cleanup(func() { host.Shutdown(context.Background()) })
	return f
}

func (f *fixture) seedCard(t *testing.T, c card.CardStatus) {
	t.Helper()
	body, err := json.Marshal(c)
	require.NoError(t, err)
	_, err = f.documents.CreateNewVersion(context.Background(), store.CollectionCardStatus, c.UserID, body, 0)
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T, req card.TransitionRequest) *workflow.InstanceInfo {
	t.Helper()
	instanceID := guard.InstanceID(req.UserID, req.Action)
	require.NoError(t, f.host.StartNew(context.Background(), OrchestratorName, instanceID, req))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := f.host.GetStatus(context.Background(), instanceID)
		require.NoError(t, err)
		if info != nil && info.RuntimeStatus.Terminal() {
			return info
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("instance %s never finished", instanceID)
	return nil
}

func (f *fixture) lastCard(t *testing.T, userID string) (card.CardStatus, int64) {
	t.Helper()
	body, version, err := f.documents.FindLastVersion(context.Background(), store.CollectionCardStatus, userID)
	require.NoError(t, err)
	var c card.CardStatus
	require.NoError(t, json.Unmarshal(body, &c))
	return c, version
}

func TestRevokeTransition(t *testing.T) {
	f := newFixture(t, memory.NewDocumentStore())
	f.seedCard(t, card.CardStatus{UserID: "u1", Status: card.StatusActivated})
	_, err := f.documents.CreateNewVersion(context.Background(), store.CollectionSecondaryCard, "u1", json.RawMessage(`{"pan":"x"}`), 0)
	require.NoError(t, err)

	requestedAt := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	info := f.run(t, card.TransitionRequest{
		UserID:           "u1",
		Action:           card.ActionRevoke,
		RevocationReason: "reported lost",
		RequestedAt:      requestedAt,
	})

	assert.Equal(t, workflow.StatusCompleted, info.RuntimeStatus)

	persisted, version := f.lastCard(t, "u1")
	assert.Equal(t, card.StatusRevoked, persisted.Status)
	assert.Equal(t, "reported lost", persisted.RevocationReason)
	require.NotNil(t, persisted.RevocationDate)
	assert.Equal(t, requestedAt, *persisted.RevocationDate)
	assert.Equal(t, int64(2), version)

	secondary, err := f.documents.FindAllVersions(context.Background(), store.CollectionSecondaryCard, "u1")
	require.NoError(t, err)
	assert.Empty(t, secondary, "secondary card versions must be deleted")
	assert.Equal(t, 1, f.partner.revokeCalls)
	assert.Zero(t, f.partner.issueCalls)
}

func TestExpireTransition(t *testing.T) {
	f := newFixture(t, memory.NewDocumentStore())
	f.seedCard(t, card.CardStatus{UserID: "u1", Status: card.StatusActivated})
	require.NoError(t, f.expirations.Insert(context.Background(), store.ExpirationRecord{
		UserID:         "u1",
		ExpirationDate: "2026-09-01",
	}))

	info := f.run(t, card.TransitionRequest{
		UserID:      "u1",
		Action:      card.ActionExpire,
		RequestedAt: time.Now().UTC(),
	})

	assert.Equal(t, workflow.StatusCompleted, info.RuntimeStatus)

	persisted, _ := f.lastCard(t, "u1")
	assert.Equal(t, card.StatusExpired, persisted.Status)

	remaining, err := f.expirations.FindByDate(context.Background(), "2026-09-01")
	require.NoError(t, err)
	assert.Empty(t, remaining, "expiration schedule row must be deleted")
	assert.Equal(t, 1, f.partner.revokeCalls)
}

func TestActivateTransition(t *testing.T) {
	f := newFixture(t, memory.NewDocumentStore())
	f.seedCard(t, card.CardStatus{UserID: "u1", Status: card.StatusExpired})

	info := f.run(t, card.TransitionRequest{
		UserID:      "u1",
		Action:      card.ActionActivate,
		RequestedAt: time.Now().UTC(),
	})

	assert.Equal(t, workflow.StatusCompleted, info.RuntimeStatus)

	persisted, _ := f.lastCard(t, "u1")
	assert.Equal(t, card.StatusPending, persisted.Status)
	assert.Equal(t, 1, f.partner.issueCalls)
	assert.Zero(t, f.partner.revokeCalls)
}

func TestValidationFailureIsTerminal(t *testing.T) {
	f := newFixture(t, memory.NewDocumentStore())
	f.seedCard(t, card.CardStatus{UserID: "u1", Status: card.StatusActivated})

	info := f.run(t, card.TransitionRequest{
		UserID:      "u1",
		Action:      card.ActionRevoke, // no revocation reason
		RequestedAt: time.Now().UTC(),
	})

	assert.Equal(t, workflow.StatusFailed, info.RuntimeStatus)
	require.NotNil(t, info.Output)
	assert.True(t, strings.HasPrefix(info.Output.Reason, "PERMANENT FAILURE|ERROR=validate transition request"),
		"unexpected reason %q", info.Output.Reason)

	// Nothing was persisted for the invalid request.
	_, version := f.lastCard(t, "u1")
	assert.Equal(t, int64(1), version)
}

func TestMissingCardFailsPermanently(t *testing.T) {
	f := newFixture(t, memory.NewDocumentStore())

	info := f.run(t, card.TransitionRequest{
		UserID:      "ghost",
		Action:      card.ActionExpire,
		RequestedAt: time.Now().UTC(),
	})

	assert.Equal(t, workflow.StatusFailed, info.RuntimeStatus)
	require.NotNil(t, info.Output)
	assert.True(t, strings.HasPrefix(info.Output.Reason, "PERMANENT FAILURE|ERROR=card status for user ghost"),
		"unexpected reason %q", info.Output.Reason)
	assert.Zero(t, f.partner.revokeCalls, "no side effects for an unknown user")
}

// conflictingDocs simulates a concurrent writer winning the version race:
// the first persist attempt loses after a competing version lands.
type conflictingDocs struct {
	store.DocumentStore
	t        *testing.T
	injected bool
	fetches  int
}

func (d *conflictingDocs) FindLastVersion(ctx context.Context, collection, userID string) (json.RawMessage, int64, error) {
	if collection == store.CollectionCardStatus {
		d.fetches++
	}
	return d.DocumentStore.FindLastVersion(ctx, collection, userID)
}

func (d *conflictingDocs) CreateNewVersion(ctx context.Context, collection, userID string, body json.RawMessage, expectedLast int64) (int64, error) {
	if collection == store.CollectionCardStatus && expectedLast > 0 && !d.injected {
		d.injected = true
		competing, err := json.Marshal(card.CardStatus{UserID: userID, Status: card.StatusActivated})
		require.NoError(d.t, err)
		_, err = d.DocumentStore.CreateNewVersion(ctx, collection, userID, competing, expectedLast)
		require.NoError(d.t, err)
		return 0, store.ErrVersionConflict
	}
	return d.DocumentStore.CreateNewVersion(ctx, collection, userID, body, expectedLast)
}

func TestPersistConflictRefetchesAndRetries(t *testing.T) {
	docs := &conflictingDocs{DocumentStore: memory.NewDocumentStore(), t: t}
	f := newFixture(t, docs)
	f.seedCard(t, card.CardStatus{UserID: "u1", Status: card.StatusActivated})

	info := f.run(t, card.TransitionRequest{
		UserID:           "u1",
		Action:           card.ActionRevoke,
		RevocationReason: "fraud",
		RequestedAt:      time.Now().UTC(),
	})

	assert.Equal(t, workflow.StatusCompleted, info.RuntimeStatus)
	assert.Equal(t, 2, docs.fetches, "conflict must trigger a re-fetch")

	persisted, version := f.lastCard(t, "u1")
	assert.Equal(t, card.StatusRevoked, persisted.Status)
	assert.Equal(t, int64(3), version, "the retried write lands on top of the competing version")
}

func TestPartnerRejectionFailsAfterPersist(t *testing.T) {
	f := newFixture(t, memory.NewDocumentStore())
	f.seedCard(t, card.CardStatus{UserID: "u1", Status: card.StatusActivated})
	f.partner.revokeErr = &partner.APIError{StatusCode: 400, Body: "unknown card"}

	info := f.run(t, card.TransitionRequest{
		UserID:           "u1",
		Action:           card.ActionRevoke,
		RevocationReason: "fraud",
		RequestedAt:      time.Now().UTC(),
	})

	assert.Equal(t, workflow.StatusFailed, info.RuntimeStatus)

	// The status write already happened; the partner effect is what failed.
	persisted, _ := f.lastCard(t, "u1")
	assert.Equal(t, card.StatusRevoked, persisted.Status)
}
