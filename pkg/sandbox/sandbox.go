// Package sandbox runs rewritten guest programs inside a goja interpreter
// with the atp and api host namespaces installed. Host calls are synchronous;
// a call that needs a client callback unwinds the whole guest stack with a
// pause signal that guest code cannot catch.
package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Interrupt reasons, readable from goja.InterruptedError.Value().
const (
	InterruptTimeout  = "timeout"
	InterruptMemory   = "memory"
	InterruptCanceled = "canceled"
)

const (
	defaultMaxCallStack = 1024
	memorySampleEvery   = 50 * time.Millisecond
)

// Config sizes one sandbox run.
type Config struct {
	// Operations are the tool paths to expose under api, in dotted form
	// ("openapi.github.getUser").
	Operations []string

	Timeout        time.Duration
	MaxMemoryBytes int64
}

// Sandbox is a single-use interpreter for one program run.
type Sandbox struct {
	vm    *goja.Runtime
	hooks Hooks
	cfg   Config
}

func New(hooks Hooks, cfg Config) (*Sandbox, error) {
	s := &Sandbox{
		vm:    goja.New(),
		hooks: hooks,
		cfg:   cfg,
	}
	s.vm.SetMaxCallStackSize(defaultMaxCallStack)
	if err := s.install(); err != nil {
		return nil, err
	}
	return s, nil
}

// Run compiles and executes a rewritten program. It returns ErrPaused when
// the program stopped for a client callback, or the interpreter error
// otherwise. The result is the program's completion value.
func (s *Sandbox) Run(ctx context.Context, source string) (result goja.Value, err error) {
	program, compileErr := goja.Compile("program.js", source, false)
	if compileErr != nil {
		return nil, fmt.Errorf("compile failed: %w", compileErr)
	}

	defer func() {
		if r := recover(); r != nil {
			switch sig := r.(type) {
			case *PauseSignal:
				result, err = nil, ErrPaused
			case *hostAbort:
				result, err = nil, &FatalError{Err: sig.err}
			default:
				panic(r)
			}
		}
	}()

	if s.cfg.Timeout > 0 {
		timer := time.AfterFunc(s.cfg.Timeout, func() {
			s.vm.Interrupt(InterruptTimeout)
		})
		defer timer.Stop()
	}

	stop := make(chan struct{})
	defer close(stop)
	if s.cfg.MaxMemoryBytes > 0 {
		go s.watchMemory(stop)
	}
	go func() {
		select {
		case <-ctx.Done():
			s.vm.Interrupt(InterruptCanceled)
		case <-stop:
		}
	}()

	return s.vm.RunProgram(program)
}

// watchMemory samples the Go heap and interrupts the run past the limit.
// The sample is process wide, so the limit is a guard against runaway
// allocation rather than a precise per-program quota.
func (s *Sandbox) watchMemory(stop <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(memorySampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc &&
				int64(now.HeapAlloc-base.HeapAlloc) > s.cfg.MaxMemoryBytes {
				s.vm.Interrupt(InterruptMemory)
				return
			}
		}
	}
}

func (s *Sandbox) install() error {
	atp := s.vm.NewObject()

	llmObj := s.vm.NewObject()
	_ = llmObj.Set("call", s.hostFn("llm", "call"))
	_ = atp.Set("llm", llmObj)

	approvalObj := s.vm.NewObject()
	_ = approvalObj.Set("request", s.hostFn("approval", "request"))
	_ = atp.Set("approval", approvalObj)

	embeddingObj := s.vm.NewObject()
	_ = embeddingObj.Set("embed", s.hostFn("embedding", "embed"))
	_ = atp.Set("embedding", embeddingObj)

	_ = atp.Set("log", s.logFn())

	cacheObj := s.vm.NewObject()
	_ = cacheObj.Set("get", s.hostFn("cache", "get"))
	_ = cacheObj.Set("set", s.hostFn("cache", "set"))
	_ = cacheObj.Set("delete", s.hostFn("cache", "delete"))
	_ = cacheObj.Set("has", s.hostFn("cache", "has"))
	_ = cacheObj.Set("clear", s.hostFn("cache", "clear"))
	_ = atp.Set("cache", cacheObj)

	timeObj := s.vm.NewObject()
	_ = timeObj.Set("now", func() int64 { return time.Now().UnixMilli() })
	_ = timeObj.Set("sleep", s.sleep)
	_ = atp.Set("time", timeObj)
	if err := s.vm.Set("atp", atp); err != nil {
		return err
	}

	if err := s.vm.Set("api", s.buildAPI()); err != nil {
		return err
	}

	internal := s.vm.NewObject()
	_ = internal.Set("deferred", s.deferred)
	_ = internal.Set("batchParallel", s.batchParallel)
	_ = internal.Set("forEach", s.forEach)
	_ = internal.Set("whileLoop", s.whileLoop)
	_ = internal.Set("bin", s.bin)
	_ = internal.Set("tpl", s.tpl)
	_ = internal.Set("mcall", s.mcall)
	if err := s.vm.Set("__atp", internal); err != nil {
		return err
	}

	console := s.vm.NewObject()
	_ = console.Set("log", s.logFn())
	_ = console.Set("error", s.logFn())
	_ = console.Set("warn", s.logFn())
	if err := s.vm.Set("console", console); err != nil {
		return err
	}

	// Awaits are erased before execution, so promise combinators reduce
	// to plain values. eval and the Function constructor are disabled on
	// top of the static validation pass.
	_, err := s.vm.RunString(`
Promise = {
	all: function(values) { return values; },
	allSettled: function(values) {
		var out = [];
		for (var i = 0; i < values.length; i++) {
			out.push({status: "fulfilled", value: values[i]});
		}
		return out;
	},
	race: function(values) { return values.length > 0 ? values[0] : undefined; },
	resolve: function(value) { return value; },
	reject: function(reason) { throw reason; }
};
eval = undefined;
Function = undefined;
`)
	return err
}

// buildAPI nests the exposed operations into api.<group>...<fn> objects.
func (s *Sandbox) buildAPI() *goja.Object {
	root := s.vm.NewObject()
	for _, op := range s.cfg.Operations {
		segments := strings.Split(op, ".")
		if len(segments) < 2 {
			continue
		}
		node := root
		for _, seg := range segments[:len(segments)-1] {
			child, ok := node.Get(seg).(*goja.Object)
			if !ok || child == nil {
				child = s.vm.NewObject()
				_ = node.Set(seg, child)
			}
			node = child
		}
		_ = node.Set(segments[len(segments)-1], s.hostFn("tool", op))
	}
	return root
}

func exportAll(args []goja.Value) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Export()
	}
	return out
}

func (s *Sandbox) hostFn(kind, operation string) func(args ...goja.Value) (any, error) {
	return func(args ...goja.Value) (any, error) {
		result, err := s.hooks.HostCall(kind, operation, exportAll(args))
		if err != nil {
			return nil, raise(err)
		}
		return result, nil
	}
}

// sleep blocks the guest for up to ms milliseconds, clamped to the run's
// time budget so a long sleep cannot outlive the deadline by much.
func (s *Sandbox) sleep(ms int64) {
	if ms <= 0 {
		return
	}
	d := time.Duration(ms) * time.Millisecond
	if s.cfg.Timeout > 0 && d > s.cfg.Timeout {
		d = s.cfg.Timeout
	}
	time.Sleep(d)
}

func (s *Sandbox) logFn() func(args ...goja.Value) {
	return func(args ...goja.Value) {
		s.hooks.Log(exportAll(args))
	}
}

// deferred packages a host call description for batchParallel.
func (s *Sandbox) deferred(kind, operation string, args goja.Value) *goja.Object {
	obj := s.vm.NewObject()
	_ = obj.Set("kind", kind)
	_ = obj.Set("operation", operation)
	_ = obj.Set("args", args)
	return obj
}

func (s *Sandbox) batchParallel(values goja.Value) (any, error) {
	arr := s.arrayValues(values)
	requests := make([]BatchRequest, 0, len(arr))
	for _, v := range arr {
		obj, ok := v.(*goja.Object)
		if !ok {
			return nil, fmt.Errorf("batch element is not a deferred call")
		}
		requests = append(requests, BatchRequest{
			Kind:      obj.Get("kind").String(),
			Operation: obj.Get("operation").String(),
			Args:      exportAll(s.arrayValues(obj.Get("args"))),
		})
	}
	results, err := s.hooks.BatchCall(requests)
	if err != nil {
		return nil, raise(err)
	}
	return results, nil
}

func (s *Sandbox) forEach(loopID string, iterable goja.Value, fn goja.Value) error {
	callback, ok := goja.AssertFunction(fn)
	if !ok {
		return fmt.Errorf("forEach callback is not a function")
	}
	items := s.arrayValues(iterable)
	for i, item := range items {
		if err := s.hooks.LoopTick(loopID, int64(i)); err != nil {
			return raise(err)
		}
		if _, err := callback(goja.Undefined(), item, s.vm.ToValue(i)); err != nil {
			rethrow(err)
			return err
		}
	}
	return nil
}

// rethrow re-panics guest exceptions and interrupts coming back from a
// callback, so a throw inside a lowered loop body behaves like a throw in
// the original loop.
func rethrow(err error) {
	switch t := err.(type) {
	case *goja.Exception:
		panic(t)
	case *goja.InterruptedError:
		panic(t)
	}
}

func (s *Sandbox) whileLoop(loopID string, cond, update, body goja.Value) error {
	condFn, ok := goja.AssertFunction(cond)
	if !ok {
		return fmt.Errorf("loop condition is not a function")
	}
	bodyFn, ok := goja.AssertFunction(body)
	if !ok {
		return fmt.Errorf("loop body is not a function")
	}
	updateFn, hasUpdate := goja.AssertFunction(update)

	for i := int64(0); ; i++ {
		if err := s.hooks.LoopTick(loopID, i); err != nil {
			return raise(err)
		}
		test, err := condFn(goja.Undefined())
		if err != nil {
			rethrow(err)
			return err
		}
		if !test.ToBoolean() {
			return nil
		}
		if _, err := bodyFn(goja.Undefined()); err != nil {
			rethrow(err)
			return err
		}
		if hasUpdate {
			if _, err := updateFn(goja.Undefined()); err != nil {
				rethrow(err)
				return err
			}
		}
	}
}

// bin performs an instrumented + and propagates provenance to the result.
func (s *Sandbox) bin(op string, a, b goja.Value, site string) (goja.Value, error) {
	if op != "+" {
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	var result goja.Value
	if isStringValue(a) || isStringValue(b) {
		result = s.vm.ToValue(a.String() + b.String())
	} else {
		result = s.vm.ToValue(a.ToFloat() + b.ToFloat())
	}
	s.hooks.Derived(result.Export(), []any{a.Export(), b.Export()}, site)
	return result, nil
}

// tpl reports a template literal's parts so the already-computed result
// inherits their provenance.
func (s *Sandbox) tpl(value goja.Value, parts goja.Value, site string) goja.Value {
	s.hooks.Derived(value.Export(), exportAll(s.arrayValues(parts)), site)
	return value
}

// mcall invokes a method on a guest value and marks the result as derived
// from the receiver and arguments.
func (s *Sandbox) mcall(recv goja.Value, name string, args goja.Value, site string) (goja.Value, error) {
	obj := recv.ToObject(s.vm)
	method, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil, fmt.Errorf("TypeError: %s is not a function", name)
	}
	callArgs := s.arrayValues(args)
	result, err := method(recv, callArgs...)
	if err != nil {
		rethrow(err)
		return nil, err
	}
	parts := append([]any{recv.Export()}, exportAll(callArgs)...)
	s.hooks.Derived(result.Export(), parts, site)
	return result, nil
}

func (s *Sandbox) arrayValues(v goja.Value) []goja.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj := v.ToObject(s.vm)
	length := obj.Get("length")
	if length == nil {
		return nil
	}
	n := int(length.ToInteger())
	out := make([]goja.Value, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, obj.Get(strconv.Itoa(i)))
	}
	return out
}

func isStringValue(v goja.Value) bool {
	_, ok := v.Export().(string)
	return ok
}
