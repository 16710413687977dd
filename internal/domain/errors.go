package domain

import "errors"

// ErrKind is the taxonomy of error kinds from spec §7. It is a plain
// comparable value, not an exception type — callers branch on it with
// errors.Is, never on a side-channel control flow.
type ErrKind string

const (
	ErrKindPlanInfeasible    ErrKind = "PlanInfeasible"
	ErrKindPlanLowConfidence ErrKind = "PlanLowConfidence"

	ErrKindToolNotPermitted  ErrKind = "ToolNotPermitted"
	ErrKindToolInputInvalid  ErrKind = "ToolInputInvalid"
	ErrKindToolOutputRejected ErrKind = "ToolOutputRejected"
	ErrKindToolTimeout       ErrKind = "ToolTimeout"
	ErrKindToolUnavailable   ErrKind = "ToolUnavailable"
	ErrKindBudgetExceeded    ErrKind = "BudgetExceeded"
	ErrKindRateLimited       ErrKind = "RateLimited"
	ErrKindApprovalRejected  ErrKind = "ApprovalRejected"
	ErrKindApprovalExpired   ErrKind = "ApprovalExpired"

	ErrKindModelTransient   ErrKind = "ModelError.transient"
	ErrKindModelAuth        ErrKind = "ModelError.auth"
	ErrKindModelPolicy      ErrKind = "ModelError.policy"
	ErrKindModelUnavailable ErrKind = "ModelError.unavailable"
	ErrKindRetriever        ErrKind = "RetrieverError"

	ErrKindCancelled        ErrKind = "Cancelled"
	ErrKindDeadlineExceeded ErrKind = "DeadlineExceeded"

	// ErrKindQueueFull is returned by RunnerService.Start when
	// max_concurrent_runs is saturated (spec §6 configuration).
	ErrKindQueueFull ErrKind = "QueueFull"

	ErrKindInternal ErrKind = "Internal"
)

// KindedError wraps a cause with a taxonomy kind so the orchestrator can
// branch on Kind() without type-switching on provider-specific error types.
type KindedError struct {
	Kind  ErrKind
	Cause error
}

func (e *KindedError) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *KindedError) Unwrap() error { return e.Cause }

// NewError builds a KindedError, wrapping cause (which may be nil).
func NewError(kind ErrKind, cause error) *KindedError {
	return &KindedError{Kind: kind, Cause: cause}
}

// KindOf extracts the taxonomy kind from any error, falling back to
// ErrKindInternal when the error carries none.
func KindOf(err error) ErrKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindInternal
}

// Sentinel errors for conditions with no useful wrapped cause.
var (
	ErrInvalidPlan   = errors.New("invalid decision plan")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Retryable reports whether the kind is safe to retry locally per spec §7
// propagation policy (transient/model/retriever errors; never policy or
// output-rejected errors).
func (k ErrKind) Retryable() bool {
	switch k {
	case ErrKindModelTransient, ErrKindModelUnavailable, ErrKindRetriever, ErrKindRateLimited:
		return true
	default:
		return false
	}
}

// TerminatesRun reports whether the kind ends the run outright rather
// than being handled locally within a turn.
func (k ErrKind) TerminatesRun() bool {
	switch k {
	case ErrKindPlanInfeasible, ErrKindCancelled, ErrKindDeadlineExceeded:
		return true
	default:
		return false
	}
}
