package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/metrics"
)

// LocalHost executes orchestration instances in-process. Each instance runs
// on its own goroutine, suspends around activity invocations, and
// checkpoints completed activities to the journal so an interrupted
// execution replays to where it left off instead of repeating side effects.
type LocalHost struct {
	mu            sync.Mutex
	journal       Journal
	retry         RetryPolicy
	orchestrators map[string]Orchestrator
	activities    map[string]Activity
	running       map[string]context.CancelFunc
	wg            sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewLocalHost creates a host persisting to journal with the given default
// activity retry policy.
func NewLocalHost(journal Journal, retry RetryPolicy) *LocalHost {
	return &LocalHost{
		journal:       journal,
		retry:         retry.normalized(),
		orchestrators: make(map[string]Orchestrator),
		activities:    make(map[string]Activity),
		running:       make(map[string]context.CancelFunc),
		sleep:         sleepCtx,
		now:           time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RegisterOrchestrator adds a named orchestrator function.
func (h *LocalHost) RegisterOrchestrator(name string, fn Orchestrator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orchestrators[name] = fn
}

// RegisterActivity adds a named activity.
func (h *LocalHost) RegisterActivity(name string, fn Activity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activities[name] = fn
}

// GetStatus implements Client.
func (h *LocalHost) GetStatus(ctx context.Context, instanceID string) (*InstanceInfo, error) {
	rec, err := h.journal.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if rec == nil {
		return nil, nil
	}
	return &InstanceInfo{
		InstanceID:      rec.InstanceID,
		RuntimeStatus:   rec.Status,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		Output:          rec.Output,
		TerminateReason: rec.TerminateReason,
	}, nil
}

// StartNew implements Client. The instance-id slot is exclusive: starting
// over an active instance returns ErrInstanceRunning. Starting over a
// terminal instance purges its old history and begins a fresh execution.
func (h *LocalHost) StartNew(ctx context.Context, orchestrator, instanceID string, input any) error {
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode orchestration input: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.orchestrators[orchestrator]; !ok {
		return fmt.Errorf("unknown orchestrator %q", orchestrator)
	}
	if _, active := h.running[instanceID]; active {
		return ErrInstanceRunning
	}
	existing, err := h.journal.LoadInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if existing != nil {
		if existing.Status.Active() {
			return ErrInstanceRunning
		}
		if err := h.journal.PurgeEvents(ctx, instanceID); err != nil {
			return fmt.Errorf("purge prior history for %s: %w", instanceID, err)
		}
	}

	now := h.now().UTC()
	rec := InstanceRecord{
		InstanceID:   instanceID,
		Orchestrator: orchestrator,
		ExecutionID:  ulid.Make().String(),
		Input:        encoded,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.journal.SaveInstance(ctx, rec); err != nil {
		return fmt.Errorf("save instance %s: %w", instanceID, err)
	}

	h.launchLocked(rec)
	metrics.Get().OrchestrationsStarted.WithLabelValues(orchestrator).Inc()
	log.Info().
		Str("instanceId", instanceID).
		Str("executionId", rec.ExecutionID).
		Str("orchestrator", orchestrator).
		Msg("Orchestration instance started")
	return nil
}

// Terminate implements Client. It is idempotent: terminating a completed or
// unknown instance is a no-op.
func (h *LocalHost) Terminate(ctx context.Context, instanceID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.journal.LoadInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if rec == nil || rec.Status.Terminal() {
		return nil
	}

	rec.Status = StatusTerminated
	rec.TerminateReason = reason
	rec.UpdatedAt = h.now().UTC()
	if err := h.journal.SaveInstance(ctx, *rec); err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	if cancel, ok := h.running[instanceID]; ok {
		cancel()
	}
	metrics.Get().OrchestrationsTerminated.Inc()
	log.Info().
		Str("instanceId", instanceID).
		Str("reason", reason).
		Msg("Orchestration instance terminated")
	return nil
}

// RecoverActive re-launches instances the journal reports as Running or
// Pending. Call once at startup; executions resume by replaying their
// recorded history.
func (h *LocalHost) RecoverActive(ctx context.Context) error {
	records, err := h.journal.ActiveInstances(ctx)
	if err != nil {
		return fmt.Errorf("list active instances: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		if _, already := h.running[rec.InstanceID]; already {
			continue
		}
		log.Info().
			Str("instanceId", rec.InstanceID).
			Str("orchestrator", rec.Orchestrator).
			Msg("Resuming orchestration instance")
		h.launchLocked(rec)
	}
	return nil
}

// Shutdown cancels all running instances and waits for their goroutines.
func (h *LocalHost) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, cancel := range h.running {
		cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launchLocked starts the instance goroutine. Caller holds h.mu.
func (h *LocalHost) launchLocked(rec InstanceRecord) {
	runCtx, cancel := context.WithCancel(context.Background())
	h.running[rec.InstanceID] = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.execute(runCtx, rec)
	}()
}

func (h *LocalHost) execute(ctx context.Context, rec InstanceRecord) {
	defer func() {
		h.mu.Lock()
		delete(h.running, rec.InstanceID)
		h.mu.Unlock()
	}()

	// Serialize the Running write against Terminate: a termination that
	// landed between StartNew and this point already absorbed the instance,
	// and its terminal record must not be overwritten.
	h.mu.Lock()
	current, loadErr := h.journal.LoadInstance(ctx, rec.InstanceID)
	if loadErr == nil && current != nil && current.Status.Terminal() {
		h.mu.Unlock()
		log.Debug().Str("instanceId", rec.InstanceID).Msg("Instance already terminal, skipping execution")
		return
	}
	rec.Status = StatusRunning
	rec.UpdatedAt = h.now().UTC()
	saveErr := h.journal.SaveInstance(ctx, rec)
	h.mu.Unlock()
	if loadErr != nil || saveErr != nil {
		err := loadErr
		if err == nil {
			err = saveErr
		}
		log.Error().Err(err).Str("instanceId", rec.InstanceID).Msg("Failed to mark instance running")
		h.finalize(rec.InstanceID, Failed(fmt.Sprintf("mark instance running: %v", err)))
		return
	}

	history, err := h.journal.Events(ctx, rec.InstanceID)
	if err != nil {
		log.Error().Err(err).Str("instanceId", rec.InstanceID).Msg("Failed to load instance history")
		h.finalize(rec.InstanceID, Failed(fmt.Sprintf("load instance history: %v", err)))
		return
	}

	h.mu.Lock()
	orch := h.orchestrators[rec.Orchestrator]
	h.mu.Unlock()
	if orch == nil {
		h.finalize(rec.InstanceID, Failed(fmt.Sprintf("unknown orchestrator %q", rec.Orchestrator)))
		return
	}

	octx := &Context{
		ctx:         ctx,
		host:        h,
		instanceID:  rec.InstanceID,
		executionID: rec.ExecutionID,
		input:       rec.Input,
		history:     history,
	}
	result := orch(octx)

	if ctx.Err() != nil {
		// Terminated (or shutting down) mid-flight; the terminal status was
		// already written by Terminate, or the instance stays Running for
		// recovery on next start.
		log.Debug().Str("instanceId", rec.InstanceID).Msg("Orchestration execution interrupted")
		return
	}
	h.finalize(rec.InstanceID, result)
}

// finalize writes the terminal status for a finished execution unless a
// concurrent Terminate already absorbed the instance.
func (h *LocalHost) finalize(instanceID string, result Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := context.Background()
	rec, err := h.journal.LoadInstance(ctx, instanceID)
	if err != nil || rec == nil {
		log.Error().Err(err).Str("instanceId", instanceID).Msg("Failed to load instance for finalize")
		return
	}
	if rec.Status == StatusTerminated {
		return
	}

	if result.Kind == ResultSuccess {
		rec.Status = StatusCompleted
	} else {
		rec.Status = StatusFailed
	}
	rec.Output = &result
	rec.UpdatedAt = h.now().UTC()
	if err := h.journal.SaveInstance(ctx, *rec); err != nil {
		log.Error().Err(err).Str("instanceId", instanceID).Msg("Failed to save terminal instance state")
		return
	}
	metrics.Get().OrchestrationsCompleted.WithLabelValues(string(rec.Status)).Inc()
	log.Info().
		Str("instanceId", instanceID).
		Str("status", string(rec.Status)).
		Str("reason", result.Reason).
		Msg("Orchestration instance finished")
}

// runActivity executes one activity under the retry policy. A nil error
// return carries the recorded result (possibly a terminal FAILURE); an error
// return means the invocation was interrupted or, with retries disabled,
// failed transiently.
func (h *LocalHost) runActivity(ctx context.Context, instanceID, name string, payload json.RawMessage, opts callOptions) (Result, error) {
	h.mu.Lock()
	act := h.activities[name]
	policy := h.retry
	h.mu.Unlock()
	if act == nil {
		return Failed(fmt.Sprintf("unknown activity %q", name)), nil
	}

	maxAttempts := policy.MaxAttempts
	if opts.noRetry {
		maxAttempts = 1
	}

	var lastErr error
	backoff := policy.InitialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			metrics.Get().ActivityRetries.WithLabelValues(name).Inc()
			log.Debug().
				Str("instanceId", instanceID).
				Str("activity", name).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying activity after backoff")
			if err := h.sleep(ctx, backoff); err != nil {
				return Result{}, err
			}
			backoff *= 2
			if backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}

		result, err := act(ctx, payload)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("instanceId", instanceID).
			Str("activity", name).
			Int("attempt", attempt).
			Msg("Activity attempt failed")
	}

	if opts.noRetry {
		// Recorded so replay sees the same failed attempt the orchestrator
		// reacted to.
		return Result{Kind: ResultFailure, Reason: lastErr.Error(), Retryable: true}, nil
	}
	// Retries exhausted: the transient condition escalates to a terminal
	// failure for this invocation.
	return Failed(fmt.Sprintf("%s after %d attempts: %v", name, maxAttempts, lastErr)), nil
}

// Context is the orchestration-side execution context. Orchestrator logic
// reaches activities exclusively through CallActivity, which replays
// recorded results before invoking anything.
type Context struct {
	ctx         context.Context
	host        *LocalHost
	instanceID  string
	executionID string
	input       json.RawMessage
	history     []Event
	cursor      int
}

// InstanceID returns the deterministic instance identifier.
func (c *Context) InstanceID() string { return c.instanceID }

// ExecutionID returns the unique id of this execution of the instance.
func (c *Context) ExecutionID() string { return c.executionID }

// Input decodes the orchestration input into v.
func (c *Context) Input(v any) error {
	return json.Unmarshal(c.input, v)
}

// CallActivity invokes (or replays) the named activity with the given
// input. Completed invocations are checkpointed; on replay the recorded
// result is returned without re-invoking the activity.
func (c *Context) CallActivity(name string, input any, opts ...CallOption) (Result, error) {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("encode activity input: %w", err)
	}

	if c.cursor < len(c.history) {
		ev := c.history[c.cursor]
		if ev.Activity != name {
			return Result{}, fmt.Errorf("non-deterministic replay: history has %q at index %d, orchestrator called %q", ev.Activity, c.cursor, name)
		}
		c.cursor++
		return ev.Result, nil
	}

	result, err := c.host.runActivity(c.ctx, c.instanceID, name, payload, options)
	if err != nil {
		return Result{}, err
	}

	ev := Event{
		Index:      c.cursor,
		Activity:   name,
		Result:     result,
		RecordedAt: c.host.now().UTC(),
	}
	if err := c.host.journal.AppendEvent(c.ctx, c.instanceID, ev); err != nil {
		return Result{}, fmt.Errorf("checkpoint activity %s: %w", name, err)
	}
	c.history = append(c.history, ev)
	c.cursor++
	return result, nil
}
