// Package invoker defines the contract between the executor and external
// action adapters. Invokers are stateless; all state lives in the execution.
// Because step execution is at-least-once, an invoker may be called again
// with the same inputs after a crash and must tolerate it.
package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fluxion-io/fluxion/model"
)

// ActionInvoker wraps one external action type (send email, call webhook,
// write a record). Config parameters arrive already resolved against the
// execution's variables.
type ActionInvoker interface {
	Name() string
	Invoke(ctx context.Context, config map[string]any, variables map[string]any) model.InvokeResult
}

// Registry maps action names to invokers.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]ActionInvoker
}

func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]ActionInvoker),
	}
}

func (r *Registry) Register(inv ActionInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[inv.Name()] = inv
}

func (r *Registry) Get(name string) (ActionInvoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[name]
	if !ok {
		return nil, fmt.Errorf("no invoker registered for action %q", name)
	}
	return inv, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func failure(message string, retryable bool) model.InvokeResult {
	return model.InvokeResult{
		Status:    model.INVOKE_FAILURE,
		Retryable: retryable,
		Message:   message,
	}
}

func success(outputs map[string]any) model.InvokeResult {
	return model.InvokeResult{
		Status:  model.INVOKE_SUCCESS,
		Outputs: outputs,
	}
}

const defaultHttpTimeout = 30 * time.Second
