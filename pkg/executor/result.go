// Package executor runs guest programs end to end: rewrite, validate,
// sandbox, replay and pause bookkeeping, policy enforcement and provenance
// labelling.
package executor

import (
	"errors"
	"time"

	"github.com/atp-project/atp/pkg/pausestate"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/sandbox"
)

// Status is the terminal (or paused) state of an execution.
type Status string

const (
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusPaused            Status = "paused"
	StatusTimeout           Status = "timeout"
	StatusMemoryExceeded    Status = "memory_exceeded"
	StatusLLMCallsExceeded  Status = "llm_calls_exceeded"
	StatusSecurityViolation Status = "security_violation"
	StatusParseError        Status = "parse_error"
	StatusNetworkError      Status = "network_error"
	StatusLoopDetected      Status = "loop_detected"
)

// ErrorCode refines a failed status.
type ErrorCode string

const (
	CodeReferenceError     ErrorCode = "reference_error"
	CodeTypeError          ErrorCode = "type_error"
	CodeValidationFailed   ErrorCode = "validation_failed"
	CodeServiceNotProvided ErrorCode = "service_not_provided"
	CodeExecutionFailed    ErrorCode = "execution_failed"
)

// ExecutionError is the client-visible error of a non-completed execution.
// Retryable says whether re-executing the same program can plausibly succeed;
// Suggestion is a one-line pointer at the likely fix. Stack is included for
// guest failures only, never for security rejections.
type ExecutionError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Stack      string    `json:"stack,omitempty"`
	Retryable  bool      `json:"retryable"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// Stats summarises one run. ToolCalls counts server-side handler
// invocations during this run; replayed calls are not re-counted.
type Stats struct {
	Duration       time.Duration `json:"duration"`
	MemoryUsed     int64         `json:"memoryUsed,omitempty"`
	LLMCalls       int           `json:"llmCallsCount"`
	ApprovalCalls  int           `json:"approvalCallsCount"`
	ToolCalls      int           `json:"httpCallsCount,omitempty"`
	Callbacks      int           `json:"callbacks,omitempty"`
	LoopIterations int64         `json:"loopIterations,omitempty"`
}

// Result is the outcome of Execute or Resume.
type Result struct {
	ExecutionID string          `json:"executionId"`
	Status      Status          `json:"status"`
	Value       any             `json:"value,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`

	// Pending describes what a paused execution waits for.
	Pending *pausestate.PendingCallback `json:"pending,omitempty"`

	Logs     []string           `json:"logs,omitempty"`
	Findings []sandbox.Finding  `json:"findings,omitempty"`
	Hints    []provenance.Hint  `json:"provenance,omitempty"`
	Stats    Stats              `json:"stats"`
}

// Terminal reports whether the execution is finished for good.
func (r *Result) Terminal() bool {
	return r.Status != StatusPaused
}

// Sentinel errors surfaced by Resume.
var (
	ErrNotFound = errors.New("execution not found")
	ErrConflict = errors.New("execution is already being resumed")
	ErrNotOwner = errors.New("execution belongs to another client")
)

// Internal fatal causes, carried through the sandbox as FatalError.
var (
	errReplayMismatch = errors.New("callback replay diverged from recorded history")
	errLoopDetected   = errors.New("loop iteration limit exceeded")
	errLLMLimit       = errors.New("llm call limit exceeded")
	errPolicyBlocked  = errors.New("blocked by policy")
)
