// Package adapters defines the contracts for everything outside the
// core: external actions, notifications and metrics. The core depends
// on these surfaces but never implements the real integrations.
package adapters

import (
	"context"

	"github.com/aaron031291/grace/pkg/contracts"
)

// Result is the uniform adapter return shape.
type Result struct {
	OK        bool           `json:"ok"`
	Data      map[string]any `json:"data,omitempty"`
	Err       string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable"`
}

// Adapter executes one typed action record. Actions are data, never
// shell strings, and adapters should be deterministic for the same
// inputs where possible.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, action contracts.StepAction) (Result, error)
}

// NotificationSink delivers fire-and-forget operator messages.
type NotificationSink interface {
	Notify(ctx context.Context, channel, message string)
}

// MetricsSink publishes domain metrics.
type MetricsSink interface {
	Publish(ctx context.Context, domain, name string, value float64, labels map[string]string)
}

// Registry resolves adapters by action type.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to the action types it serves.
func (r *Registry) Register(a Adapter, actionTypes ...string) {
	for _, t := range actionTypes {
		r.adapters[t] = a
	}
}

// Resolve returns the adapter for an action type.
func (r *Registry) Resolve(actionType string) (Adapter, error) {
	a, ok := r.adapters[actionType]
	if !ok {
		return nil, contracts.ErrNotFound("adapter for action", actionType)
	}
	return a, nil
}
