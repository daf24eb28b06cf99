// Package scripting runs user-supplied JavaScript predicates over scan hits
// inside a goja runtime with code-compiling globals removed. goja has no
// host access of its own, so the remaining surface is plain ECMAScript.
package scripting

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	entryPoint        = "match"
	scriptInitTimeout = 2 * time.Second
	scriptCallTimeout = 250 * time.Millisecond
)

var (
	ErrNoMatchFunc = errors.New("script must define a match(hit) function")
	ErrTimeout     = errors.New("script timed out")
)

// Hit is the value passed to match().
type Hit struct {
	Seed    string         `json:"seed"`
	Offset  uint64         `json:"offset"`
	Metric  float64        `json:"metric"`
	Details map[string]any `json:"details"`
}

// Filter is a compiled script. It is safe to share between goroutines;
// each goroutine evaluates through its own Instance.
type Filter struct {
	source  string
	program *goja.Program
}

// NewFilter compiles source and checks that it defines match().
func NewFilter(source string) (*Filter, error) {
	program, err := goja.Compile("filter.js", source, true)
	if err != nil {
		return nil, fmt.Errorf("script compile error: %w", err)
	}
	f := &Filter{source: source, program: program}

	// Fail fast on scripts that run but never define match().
	if _, err := f.Instance(); err != nil {
		return nil, err
	}
	return f, nil
}

// Source returns the original script text.
func (f *Filter) Source() string {
	return f.source
}

// Instance is a single-goroutine runtime with the script loaded.
type Instance struct {
	runtime *goja.Runtime
	match   goja.Callable
}

// Instance creates a fresh sandboxed runtime and runs the program in it.
func (f *Filter) Instance() (*Instance, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := sandbox(rt); err != nil {
		return nil, err
	}

	err := runWithTimeout(rt, scriptInitTimeout, func() error {
		_, err := rt.RunProgram(f.program)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	fn, ok := goja.AssertFunction(rt.Get(entryPoint))
	if !ok {
		return nil, ErrNoMatchFunc
	}
	return &Instance{runtime: rt, match: fn}, nil
}

// Match calls match(hit) and returns its truthiness.
func (in *Instance) Match(hit Hit) (bool, error) {
	var matched bool
	err := runWithTimeout(in.runtime, scriptCallTimeout, func() error {
		v, err := in.match(goja.Undefined(), in.runtime.ToValue(hit))
		if err != nil {
			return fmt.Errorf("match() error: %w", err)
		}
		matched = v.ToBoolean()
		return nil
	})
	return matched, err
}

// lockdown hides the function constructors reachable from function values.
const lockdown = `(function() {
	var protos = [
		Function.prototype,
		Object.getPrototypeOf(function*() {}),
		Object.getPrototypeOf(async function() {}),
	];
	for (var i = 0; i < protos.length; i++) {
		try {
			Object.defineProperty(protos[i], "constructor", {value: undefined, writable: false, configurable: false});
		} catch (e) {
			protos[i].constructor = undefined;
		}
	}
})()`

// sandbox removes globals that compile code from strings, along with the
// constructor properties that lead back to them.
func sandbox(rt *goja.Runtime) error {
	if _, err := rt.RunString(lockdown); err != nil {
		return fmt.Errorf("script sandbox setup: %w", err)
	}
	for _, name := range []string{"require", "fetch", "XMLHttpRequest", "eval", "Function"} {
		rt.Set(name, goja.Undefined())
	}
	return nil
}

func runWithTimeout(rt *goja.Runtime, timeout time.Duration, fn func() error) error {
	fired := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		rt.Interrupt(ErrTimeout)
		close(fired)
	})

	err := fn()
	if !timer.Stop() {
		// Wait for the interrupt to land so clearing it cannot race ahead
		// and leave the flag set for the next call.
		<-fired
		rt.ClearInterrupt()
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrTimeout
	}
	return err
}
