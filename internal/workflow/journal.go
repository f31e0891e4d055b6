package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is one durable checkpoint in an instance's history: a completed
// activity invocation and its recorded result. Replay consumes events in
// order instead of re-invoking activities.
type Event struct {
	Index      int       `json:"index"`
	Activity   string    `json:"activity"`
	Result     Result    `json:"result"`
	RecordedAt time.Time `json:"recordedAt"`
}

// InstanceRecord is the journal's row for one orchestration instance.
type InstanceRecord struct {
	InstanceID      string          `json:"instanceId"`
	Orchestrator    string          `json:"orchestrator"`
	ExecutionID     string          `json:"executionId"`
	Input           json.RawMessage `json:"input"`
	Status          RuntimeStatus   `json:"status"`
	Output          *Result         `json:"output,omitempty"`
	TerminateReason string          `json:"terminateReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Journal persists instance state and activity history so executions can be
// resumed after a crash.
type Journal interface {
	SaveInstance(ctx context.Context, rec InstanceRecord) error
	// LoadInstance returns (nil, nil) when the instance is unknown.
	LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error)
	ActiveInstances(ctx context.Context) ([]InstanceRecord, error)
	AppendEvent(ctx context.Context, instanceID string, ev Event) error
	Events(ctx context.Context, instanceID string) ([]Event, error)
	PurgeEvents(ctx context.Context, instanceID string) error
}

// MemoryJournal is an in-process Journal for tests and ephemeral hosts.
type MemoryJournal struct {
	mu        sync.Mutex
	instances map[string]InstanceRecord
	events    map[string][]Event
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		instances: make(map[string]InstanceRecord),
		events:    make(map[string][]Event),
	}
}

func (j *MemoryJournal) SaveInstance(_ context.Context, rec InstanceRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.instances[rec.InstanceID] = rec
	return nil
}

func (j *MemoryJournal) LoadInstance(_ context.Context, instanceID string) (*InstanceRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.instances[instanceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (j *MemoryJournal) ActiveInstances(_ context.Context) ([]InstanceRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []InstanceRecord
	for _, rec := range j.instances {
		if rec.Status.Active() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (j *MemoryJournal) AppendEvent(_ context.Context, instanceID string, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events[instanceID] = append(j.events[instanceID], ev)
	return nil
}

func (j *MemoryJournal) Events(_ context.Context, instanceID string) ([]Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	events := j.events[instanceID]
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (j *MemoryJournal) PurgeEvents(_ context.Context, instanceID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.events, instanceID)
	return nil
}
