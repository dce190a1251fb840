package harvest

import (
	"errors"
	"fmt"
)

// ErrNoViableMatch marks the business outcome where a target entity cannot be
// located with sufficient confidence. It is not a failure.
var ErrNoViableMatch = errors.New("no viable match")

// MatchReason explains why a target could not be located.
type MatchReason string

// Reasons carried by NoViableMatchError.
const (
	ReasonNoCandidates   MatchReason = "no_candidates"
	ReasonBelowThreshold MatchReason = "below_threshold"
	ReasonNoResults      MatchReason = "no_results"
	ReasonNoStrategy     MatchReason = "no_strategy"
)

// NoViableMatchError carries the reason behind ErrNoViableMatch.
type NoViableMatchError struct {
	Target    string
	Reason    MatchReason
	BestLabel string
	BestScore float64
}

func (e *NoViableMatchError) Error() string {
	if e.BestLabel != "" {
		return fmt.Sprintf("no viable match for %q (%s, best %q at %.1f)", e.Target, e.Reason, e.BestLabel, e.BestScore)
	}
	return fmt.Sprintf("no viable match for %q (%s)", e.Target, e.Reason)
}

// Is lets errors.Is(err, ErrNoViableMatch) match.
func (e *NoViableMatchError) Is(target error) bool {
	return target == ErrNoViableMatch
}

// NoViableMatch builds a NoViableMatchError.
func NoViableMatch(target string, reason MatchReason) *NoViableMatchError {
	return &NoViableMatchError{Target: target, Reason: reason}
}

// FatalError halts the whole run, e.g. when network egress cannot be verified.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal: " + e.Op
	}
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Outcome is the classified result of processing one entity.
type Outcome int

// Entity outcomes.
const (
	OutcomeDone Outcome = iota
	OutcomeSkipped
	OutcomeNoViableMatch
	OutcomeTransient
	OutcomeFatal
	OutcomeCapped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNoViableMatch:
		return "unmatched"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeFatal:
		return "fatal"
	case OutcomeCapped:
		return "capped"
	default:
		return "unknown"
	}
}

// Classify maps an error escaping an entity's flow to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDone
	case IsFatal(err):
		return OutcomeFatal
	case errors.Is(err, ErrNoViableMatch):
		return OutcomeNoViableMatch
	default:
		return OutcomeTransient
	}
}
