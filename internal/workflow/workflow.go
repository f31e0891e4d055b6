// Package workflow defines the orchestration host abstraction the core
// depends on (query status, start new, terminate) and provides a local,
// crash-resumable host implementation.
//
// Orchestrator functions must be deterministic: no wall-clock reads, no
// randomness, no direct I/O. All side effects go through activities so that
// replaying an instance from its journal re-derives pure decisions without
// repeating external effects.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// RuntimeStatus is the lifecycle state of an orchestration instance, owned
// by the workflow host.
type RuntimeStatus string

const (
	StatusRunning    RuntimeStatus = "Running"
	StatusPending    RuntimeStatus = "Pending"
	StatusCompleted  RuntimeStatus = "Completed"
	StatusFailed     RuntimeStatus = "Failed"
	StatusTerminated RuntimeStatus = "Terminated"
)

// Active reports whether an instance with this status occupies its
// instance-id slot (Running or Pending).
func (s RuntimeStatus) Active() bool {
	return s == StatusRunning || s == StatusPending
}

// Terminal reports whether the status is absorbing.
func (s RuntimeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// ResultKind discriminates activity and orchestration outcomes.
type ResultKind string

const (
	ResultSuccess ResultKind = "SUCCESS"
	ResultFailure ResultKind = "FAILURE"
)

// Result is the structured outcome of an activity invocation or of a whole
// orchestration instance. Reason is set for failures; Payload carries data
// produced by successful activities. Retryable marks a recorded transient
// failure surfaced to the orchestrator by a NoRetry call: the orchestrator
// may re-derive its inputs and try again, everything else is terminal.
type Result struct {
	Kind      ResultKind      `json:"kind"`
	Reason    string          `json:"reason,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Succeeded returns a bare success result.
func Succeeded() Result {
	return Result{Kind: ResultSuccess}
}

// SucceededWith returns a success result carrying v as JSON payload.
func SucceededWith(v any) (Result, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultSuccess, Payload: payload}, nil
}

// Failed returns a terminal failure result with the given reason.
func Failed(reason string) Result {
	return Result{Kind: ResultFailure, Reason: reason}
}

// Decode unmarshals the result payload into v.
func (r Result) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// InstanceInfo is the host's view of an orchestration instance.
type InstanceInfo struct {
	InstanceID      string        `json:"instanceId"`
	RuntimeStatus   RuntimeStatus `json:"runtimeStatus"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	Output          *Result       `json:"output,omitempty"`
	TerminateReason string        `json:"terminateReason,omitempty"`
}

// ErrInstanceRunning is returned by StartNew when an instance with the same
// id is already occupying its slot. The host enforces one active instance
// per id; this error is the mutual-exclusion signal callers rely on.
var ErrInstanceRunning = errors.New("orchestration instance already running")

// Client is the injected workflow-host capability. Implementations must
// make Terminate idempotent: terminating a completed or unknown instance is
// not an error.
type Client interface {
	// GetStatus returns the instance state, or (nil, nil) when the host has
	// no record of the id.
	GetStatus(ctx context.Context, instanceID string) (*InstanceInfo, error)
	// StartNew begins a fresh execution of the named orchestrator under
	// instanceID. ErrInstanceRunning is returned when the slot is occupied.
	StartNew(ctx context.Context, orchestrator, instanceID string, input any) error
	Terminate(ctx context.Context, instanceID, reason string) error
}

// Orchestrator is the deterministic decision function of an orchestration.
// It may only reach the outside world through ctx.CallActivity.
type Orchestrator func(ctx *Context) Result

// Activity is a discrete, individually retryable unit of external-effecting
// work. A returned error signals the host to retry (the error must be a
// classified transient failure); a FAILURE result is terminal for the
// invocation and is recorded as-is.
type Activity func(ctx context.Context, input json.RawMessage) (Result, error)

// RetryPolicy bounds the host's activity retry behavior.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy mirrors the host defaults applied when no policy is
// configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// CallOption adjusts a single CallActivity invocation.
type CallOption func(*callOptions)

type callOptions struct {
	noRetry bool
}

// NoRetry disables host-side retries for one activity call: a transient
// failure is recorded and surfaced to the orchestrator as a Retryable
// FAILURE result, for flows that must re-derive their inputs before
// retrying (fetch-apply-persist loops).
func NoRetry() CallOption {
	return func(o *callOptions) { o.noRetry = true }
}
