// Package fake provides a scripted execution collaborator for tests and
// for demo wiring in the gateway binary.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/pulsectl/internal/executor"
)

// Call records one Execute invocation.
type Call struct {
	Query     string
	Variables map[string]any
}

// Executor is a scripted executor.Executor. Unscripted queries compile to
// an empty plan and execute via DefaultResult (direct echo when nil).
type Executor struct {
	mu          sync.Mutex
	plans       map[string]*executor.Plan
	results     map[string]executor.Result
	compileErrs map[string]error
	executeErrs map[string]error
	calls       []Call

	// DefaultResult builds the result for queries with no scripted entry.
	DefaultResult func(plan *executor.Plan, variables map[string]any) executor.Result
}

func New() *Executor {
	return &Executor{
		plans:       make(map[string]*executor.Plan),
		results:     make(map[string]executor.Result),
		compileErrs: make(map[string]error),
		executeErrs: make(map[string]error),
	}
}

func (f *Executor) ScriptPlan(query string, plan *executor.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[query] = plan
}

func (f *Executor) ScriptResult(query string, res executor.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[query] = res
}

func (f *Executor) ScriptCompileError(query string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compileErrs[query] = err
}

func (f *Executor) ScriptExecuteError(query string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executeErrs[query] = err
}

// Calls returns a copy of recorded Execute invocations.
func (f *Executor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Executor) Compile(_ context.Context, query string) (*executor.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.compileErrs[query]; ok {
		return nil, err
	}
	if plan, ok := f.plans[query]; ok {
		return plan, nil
	}
	return &executor.Plan{Query: query}, nil
}

func (f *Executor) Execute(_ context.Context, plan *executor.Plan, _ any, variables map[string]any) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Query: plan.Query, Variables: variables})
	err, failed := f.executeErrs[plan.Query]
	res, scripted := f.results[plan.Query]
	fallback := f.DefaultResult
	f.mu.Unlock()

	if failed {
		return executor.Result{}, err
	}
	if scripted {
		return res, nil
	}
	if fallback != nil {
		return fallback(plan, variables), nil
	}
	return executor.Direct(map[string]any{"data": map[string]any{"echo": plan.Query}}), nil
}

// Demo returns an executor wired for manual poking: operations containing
// "subscription" stream a one-second counter, everything else echoes the
// query text back as a direct result.
func Demo() *Executor {
	f := New()
	f.DefaultResult = func(plan *executor.Plan, _ map[string]any) executor.Result {
		if strings.Contains(plan.Query, "subscription") {
			return executor.Stream(Ticks(time.Second, func(n int64) any {
				return map[string]any{"data": map[string]any{
					"tick": n,
					"at":   time.Now().UTC().Format(time.RFC3339),
				}}
			}))
		}
		return executor.Direct(map[string]any{"data": map[string]any{"echo": plan.Query}})
	}
	return f
}
