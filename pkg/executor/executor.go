package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/atp-project/atp/pkg/auth"
	"github.com/atp-project/atp/pkg/cache"
	"github.com/atp-project/atp/pkg/config"
	"github.com/atp-project/atp/pkg/pausestate"
	"github.com/atp-project/atp/pkg/policy"
	"github.com/atp-project/atp/pkg/provenance"
	"github.com/atp-project/atp/pkg/rewrite"
	"github.com/atp-project/atp/pkg/sandbox"
	"github.com/atp-project/atp/pkg/tools"
)

// Core ties the rewriter, validator, sandbox, pause store, policy engine and
// provenance registry into the execute/resume lifecycle.
type Core struct {
	catalog  *tools.Catalog
	store    *pausestate.Store
	cache    cache.Provider
	policies *policy.Engine
	prov     *provenance.Registry
	signer   *provenance.Signer
	logger   *slog.Logger

	execCfg  config.ExecutionConfig
	provMode string
	cacheTTL time.Duration

	// locks serialises resumes per execution id. TryLock turns a concurrent
	// resume into a conflict instead of a double run.
	locks sync.Map
}

// Options configures a Core.
type Options struct {
	Catalog    *tools.Catalog
	Store      *pausestate.Store
	Cache      cache.Provider
	Policies   *policy.Engine
	Provenance *provenance.Registry
	Signer     *provenance.Signer
	Logger     *slog.Logger

	Execution      config.ExecutionConfig
	ProvenanceMode config.ProvenanceMode
	// CacheTTL is the default TTL of atp.cache.set without an explicit one.
	CacheTTL time.Duration
}

func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policies := opts.Policies
	if policies == nil {
		policies = policy.NewEngine()
	}
	prov := opts.Provenance
	if prov == nil {
		prov = provenance.NewRegistry()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	provMode := string(opts.ProvenanceMode)
	if provMode == "" {
		provMode = string(config.ProvenanceProxy)
	}
	return &Core{
		catalog:  opts.Catalog,
		store:    opts.Store,
		cache:    opts.Cache,
		policies: policies,
		prov:     prov,
		signer:   opts.Signer,
		logger:   logger,
		execCfg:  opts.Execution,
		provMode: provMode,
		cacheTTL: cacheTTL,
	}
}

// Overrides narrows one execution's limits and provenance mode below the
// server configuration. Zero fields keep the configured values.
type Overrides struct {
	TimeoutMs         int64                 `json:"timeoutMs,omitempty"`
	MemoryLimit       int64                 `json:"memoryLimit,omitempty"`
	MaxLLMCalls       int                   `json:"maxLlmCalls,omitempty"`
	MaxLoopIterations int                   `json:"maxLoopIterations,omitempty"`
	Provenance        config.ProvenanceMode `json:"provenance,omitempty"`
}

// Execute rewrites, validates and runs a program for the given session
// under the server's configured limits. A non-nil Result is always
// returned; its Status says how the run ended.
func (c *Core) Execute(ctx context.Context, session *auth.Session, source string, hints []provenance.Hint) *Result {
	return c.ExecuteWith(ctx, session, source, hints, nil)
}

// ExecuteWith is Execute with per-execution limit overrides.
func (c *Core) ExecuteWith(ctx context.Context, session *auth.Session, source string, hints []provenance.Hint, ov *Overrides) *Result {
	executionID := uuid.NewString()

	execCfg := c.execCfg
	provMode := c.provMode
	if ov != nil {
		if ov.TimeoutMs > 0 {
			execCfg.Timeout = time.Duration(ov.TimeoutMs) * time.Millisecond
		}
		if ov.MemoryLimit > 0 {
			execCfg.MemoryLimit = ov.MemoryLimit
		}
		if ov.MaxLLMCalls > 0 {
			execCfg.MaxLLMCalls = ov.MaxLLMCalls
		}
		if ov.MaxLoopIterations > 0 {
			execCfg.MaxLoopIterations = ov.MaxLoopIterations
		}
		if ov.Provenance != "" {
			switch ov.Provenance {
			case config.ProvenanceNone, config.ProvenanceProxy, config.ProvenanceAST:
				provMode = string(ov.Provenance)
			default:
				return failure(executionID, CodeValidationFailed,
					fmt.Sprintf("unknown provenance mode %q", ov.Provenance))
			}
		}
	}

	rewritten, err := rewrite.Rewrite(source, rewrite.Options{Provenance: provMode})
	if err != nil {
		var parseErr *rewrite.ParseError
		if errors.As(err, &parseErr) {
			return &Result{
				ExecutionID: executionID,
				Status:      StatusParseError,
				Error: &ExecutionError{
					Code:       CodeValidationFailed,
					Message:    parseErr.Message,
					Suggestion: "fix the syntax error and execute again",
				},
			}
		}
		return failure(executionID, CodeExecutionFailed, err.Error())
	}
	for _, note := range rewritten.Notes {
		c.logger.Debug("loop left unlowered", "executionId", executionID, "note", note)
	}

	findings, err := sandbox.Validate(rewritten.Source)
	if err != nil {
		return failure(executionID, CodeValidationFailed, err.Error())
	}
	if sandbox.Blocking(findings) {
		return &Result{
			ExecutionID: executionID,
			Status:      StatusSecurityViolation,
			Error: &ExecutionError{
				Code:       CodeValidationFailed,
				Message:    "program rejected by static validation",
				Suggestion: "remove the flagged constructs listed in findings",
			},
			Findings: findings,
		}
	}

	record := &pausestate.Record{
		ExecutionID: executionID,
		ClientID:    session.ClientID,
		Source:      rewritten.Source,
		Salt:        rewritten.Salt,
		Config: pausestate.ExecutionConfig{
			Timeout:           execCfg.Timeout,
			MaxMemoryBytes:    execCfg.MemoryLimit,
			MaxLLMCalls:       execCfg.MaxLLMCalls,
			MaxLoopIterations: int64(execCfg.MaxLoopIterations),
			Provenance:        provMode,
		},
		CreatedAt: time.Now(),
	}

	scope := c.prov.Begin(executionID)
	if err := provenance.ApplyHints(scope, c.signer, hints); err != nil {
		c.prov.Cleanup(executionID)
		return failure(executionID, CodeValidationFailed, err.Error())
	}

	res := c.runRecord(ctx, session, record, scope)
	res.Findings = findings
	return res
}

// Resume attaches a callback result to a paused execution and re-runs it.
// It returns ErrNotFound, ErrNotOwner or ErrConflict without a Result when
// the resume cannot start at all.
func (c *Core) Resume(ctx context.Context, session *auth.Session, executionID string, payload json.RawMessage) (*Result, error) {
	muAny, _ := c.locks.LoadOrStore(executionID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, ErrConflict
	}
	defer mu.Unlock()

	record, err := c.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	if record.ClientID != session.ClientID {
		return nil, ErrNotOwner
	}

	// A client that cannot serve the callback it promised at init answers
	// with an error marker instead of a result. That is terminal: the
	// record is dropped and the program never resumes.
	if msg, ok := clientErrorMarker(payload); ok {
		if err := c.store.Delete(ctx, executionID); err != nil {
			c.logger.Warn("failed to delete aborted execution",
				"executionId", executionID, "error", err)
		}
		c.prov.Cleanup(executionID)
		c.locks.Delete(executionID)
		return &Result{
			ExecutionID: executionID,
			Status:      StatusFailed,
			Error: &ExecutionError{
				Code:       CodeServiceNotProvided,
				Message:    msg,
				Suggestion: "register the capability at init or avoid calling it",
			},
		}, nil
	}

	if err := record.Fill(payload); err != nil {
		return nil, fmt.Errorf("cannot resume execution %s: %w", executionID, err)
	}

	scope := c.prov.Begin(executionID)
	scope.Restore(record.Provenance)

	return c.runRecord(ctx, session, record, scope), nil
}

// runRecord runs the record's source once and settles the outcome: paused
// runs are saved, terminal runs are cleaned up.
func (c *Core) runRecord(ctx context.Context, session *auth.Session, record *pausestate.Record, scope *provenance.Scope) *Result {
	start := time.Now()

	view, err := c.catalog.WithSession(session.SessionTools())
	if err != nil {
		return c.settle(ctx, record, failure(record.ExecutionID, CodeExecutionFailed, err.Error()))
	}

	rc := &runContext{
		core:    c,
		ctx:     ctx,
		record:  record,
		session: session,
		scope:   scope,
		view:    view,
		tenant:  cache.NewTenant(c.cache, session.ClientID),
	}

	var operations []string
	for _, t := range view.All() {
		operations = append(operations, t.FullName())
	}

	sb, err := sandbox.New(rc, sandbox.Config{
		Operations:     operations,
		Timeout:        record.Config.Timeout,
		MaxMemoryBytes: record.Config.MaxMemoryBytes,
	})
	if err != nil {
		return c.settle(ctx, record, failure(record.ExecutionID, CodeExecutionFailed, err.Error()))
	}

	value, runErr := sb.Run(ctx, record.Source)
	res := c.categorize(record, rc, value, runErr)
	res.Logs = rc.logs
	approvals := 0
	for _, entry := range record.History {
		if entry.Kind == pausestate.CallbackApproval {
			approvals++
		}
	}
	res.Stats = Stats{
		Duration:       time.Since(start),
		LLMCalls:       record.LLMCalls,
		ApprovalCalls:  approvals,
		ToolCalls:      rc.toolCalls,
		Callbacks:      len(record.History),
		LoopIterations: rc.loopIters,
	}

	if res.Status == StatusCompleted {
		res.Hints = c.collectHints(scope, res.Value)
	}
	return c.settle(ctx, record, res)
}

// settle persists a paused result or cleans up a terminal one.
func (c *Core) settle(ctx context.Context, record *pausestate.Record, res *Result) *Result {
	if res.Status == StatusPaused {
		record.PausedAt = time.Now()
		record.Provenance = c.scopeSnapshot(record.ExecutionID)
		if err := c.store.Save(ctx, record); err != nil {
			c.logger.Error("failed to persist paused execution",
				"executionId", record.ExecutionID, "error", err)
			return failure(record.ExecutionID, CodeExecutionFailed, err.Error())
		}
		res.Pending = record.Pending
		return res
	}

	if err := c.store.Delete(ctx, record.ExecutionID); err != nil {
		c.logger.Warn("failed to delete finished execution",
			"executionId", record.ExecutionID, "error", err)
	}
	c.prov.Cleanup(record.ExecutionID)
	c.locks.Delete(record.ExecutionID)
	return res
}

func (c *Core) scopeSnapshot(executionID string) *provenance.Snapshot {
	if scope := c.prov.Get(executionID); scope != nil {
		return scope.Snapshot()
	}
	return nil
}

// categorize maps a sandbox outcome to a client-visible result.
func (c *Core) categorize(record *pausestate.Record, rc *runContext, value goja.Value, runErr error) *Result {
	res := &Result{ExecutionID: record.ExecutionID}

	if runErr == nil {
		if rc.replay < len(record.History) {
			res.Status = StatusFailed
			res.Error = &ExecutionError{
				Code:    CodeExecutionFailed,
				Message: "program finished before replaying all recorded callbacks",
			}
			return res
		}
		res.Status = StatusCompleted
		if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
			res.Value = value.Export()
		}
		return res
	}

	if errors.Is(runErr, sandbox.ErrPaused) {
		res.Status = StatusPaused
		return res
	}

	var fatal *sandbox.FatalError
	if errors.As(runErr, &fatal) {
		switch {
		case errors.Is(fatal, errLoopDetected):
			res.Status = StatusLoopDetected
			res.Error = &ExecutionError{
				Code:       CodeExecutionFailed,
				Message:    fatal.Err.Error(),
				Suggestion: "bound the loop or raise maxLoopIterations",
			}
		case errors.Is(fatal, errLLMLimit):
			res.Status = StatusLLMCallsExceeded
			res.Error = &ExecutionError{
				Code:       CodeExecutionFailed,
				Message:    fatal.Err.Error(),
				Suggestion: "make fewer model calls or raise maxLlmCalls",
			}
		case errors.Is(fatal, errPolicyBlocked):
			res.Status = StatusSecurityViolation
			res.Error = &ExecutionError{
				Code:       CodeValidationFailed,
				Message:    fatal.Err.Error(),
				Suggestion: "check the provenance of the data passed to the blocked tool",
			}
		default:
			res.Status = StatusFailed
			res.Error = &ExecutionError{Code: CodeExecutionFailed, Message: fatal.Err.Error()}
		}
		return res
	}

	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		switch interrupted.Value() {
		case sandbox.InterruptMemory:
			res.Status = StatusMemoryExceeded
			res.Error = &ExecutionError{
				Code:       CodeExecutionFailed,
				Message:    "memory limit exceeded",
				Suggestion: "reduce the program's memory use or raise the memory limit",
			}
		default:
			res.Status = StatusTimeout
			res.Error = &ExecutionError{
				Code:       CodeExecutionFailed,
				Message:    "execution timed out",
				Retryable:  true,
				Suggestion: "retry, raise the timeout, or reduce the program's work",
			}
		}
		return res
	}

	var overflow *goja.StackOverflowError
	if errors.As(runErr, &overflow) {
		res.Status = StatusFailed
		res.Error = &ExecutionError{
			Code:       CodeExecutionFailed,
			Message:    "call stack size exceeded",
			Suggestion: "remove unbounded recursion",
		}
		return res
	}

	var exc *goja.Exception
	if errors.As(runErr, &exc) {
		message := exc.Value().String()
		res.Status = StatusFailed
		res.Error = &ExecutionError{
			Code:    codeForException(message),
			Message: message,
			Stack:   exc.String(),
		}
		switch res.Error.Code {
		case CodeReferenceError:
			res.Error.Suggestion = "the program references a name that does not exist; check for typos"
		case CodeTypeError:
			res.Error.Suggestion = "a value was used as the wrong type; check the failing expression"
		case CodeServiceNotProvided:
			res.Error.Suggestion = "the operation is not in this session's tool surface"
		}
		if strings.Contains(message, "network") {
			res.Status = StatusNetworkError
			res.Error.Retryable = true
			res.Error.Suggestion = "the tool's upstream failed; retry the execution"
		}
		return res
	}

	res.Status = StatusFailed
	res.Error = &ExecutionError{Code: CodeExecutionFailed, Message: runErr.Error()}
	return res
}

// clientErrorMarker recognises a resume payload of the form
// {"__error": true, "message": "..."}.
func clientErrorMarker(payload json.RawMessage) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", false
	}
	flag, _ := m["__error"].(bool)
	if !flag {
		return "", false
	}
	msg, _ := m["message"].(string)
	if msg == "" {
		msg = "client could not provide the requested service"
	}
	return msg, true
}

func codeForException(message string) ErrorCode {
	switch {
	case strings.HasPrefix(message, "ReferenceError"):
		return CodeReferenceError
	case strings.HasPrefix(message, "TypeError"):
		return CodeTypeError
	case strings.Contains(message, "service not provided"):
		return CodeServiceNotProvided
	default:
		return CodeExecutionFailed
	}
}

// collectHints signs labels for every labelled string in a completed result,
// so a caller feeding the result into a later program can keep its labels.
func (c *Core) collectHints(scope *provenance.Scope, value any) []provenance.Hint {
	seen := make(map[string]bool)
	var hints []provenance.Hint

	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			digest := provenance.DigestOf(val)
			if seen[digest] {
				return
			}
			meta := scope.LookupPrimitive(val)
			if meta == nil {
				return
			}
			seen[digest] = true
			hint := provenance.Hint{Digest: digest, Metadata: meta}
			if c.signer != nil {
				token, err := c.signer.Sign(digest, meta)
				if err != nil {
					c.logger.Warn("failed to sign provenance hint", "error", err)
					return
				}
				hint.Token = token
				hint.Metadata = nil
			}
			hints = append(hints, hint)
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(value)
	return hints
}

func failure(executionID string, code ErrorCode, message string) *Result {
	return &Result{
		ExecutionID: executionID,
		Status:      StatusFailed,
		Error:       &ExecutionError{Code: code, Message: message},
	}
}
