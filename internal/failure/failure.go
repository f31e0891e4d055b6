// Package failure classifies errors crossing activity and orchestrator
// boundaries into transient (retry-eligible) and permanent (terminal)
// failures. Raw errors must be classified here before any retry decision
// is made.
package failure

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/openbenefits/cardlife/internal/metrics"
)

// Kind tags a failure as retry-eligible or terminal.
type Kind string

const (
	KindTransient Kind = "TRANSIENT FAILURE"
	KindPermanent Kind = "PERMANENT FAILURE"
)

// Failure is the classified form of an error. It is a two-variant sum
// discriminated by Kind; the retry-vs-terminal decision is a total function
// of Kind, never implicit control flow.
type Failure struct {
	Kind   Kind
	Reason string
	cause  error
}

// Transient classifies err as retry-eligible. The optional custom string adds
// caller context to the rendered reason.
func Transient(err error, custom ...string) *Failure {
	return classify(KindTransient, err, custom...)
}

// Permanent classifies err as terminal.
func Permanent(err error, custom ...string) *Failure {
	return classify(KindPermanent, err, custom...)
}

func classify(kind Kind, err error, custom ...string) *Failure {
	return &Failure{
		Kind:   kind,
		Reason: renderReason(err, custom...),
		cause:  err,
	}
}

// renderReason produces "ERROR=<custom> DETAIL=<message>" when custom context
// is given, "ERROR=<message>" otherwise.
func renderReason(err error, custom ...string) string {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if len(custom) > 0 && custom[0] != "" {
		return fmt.Sprintf("ERROR=%s DETAIL=%s", custom[0], message)
	}
	return fmt.Sprintf("ERROR=%s", message)
}

func (f *Failure) Error() string {
	return string(f.Kind) + "|" + f.Reason
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// IsTransient reports whether f is retry-eligible.
func (f *Failure) IsTransient() bool {
	return f != nil && f.Kind == KindTransient
}

// IsTransient reports whether err is (or wraps) a transient Failure.
func IsTransient(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.IsTransient()
	}
	return false
}

// IsPermanent reports whether err is (or wraps) a permanent Failure.
func IsPermanent(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind == KindPermanent
	}
	return false
}

// As extracts a classified Failure from err, or nil if err was never
// classified.
func As(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return nil
}

// Report emits telemetry for a classified failure and returns it. Transient
// failures log at warn level since the host is expected to retry them;
// permanent failures log at error level.
func Report(f *Failure) *Failure {
	if f == nil {
		return nil
	}
	if f.IsTransient() {
		metrics.Get().Failures.WithLabelValues("transient").Inc()
		log.Warn().Str("reason", f.Reason).Msg("Transient failure, eligible for retry")
	} else {
		metrics.Get().Failures.WithLabelValues("permanent").Inc()
		log.Error().Str("reason", f.Reason).Msg("Permanent failure")
	}
	return f
}
