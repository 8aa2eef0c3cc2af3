// Package tools implements the tool execution contract used by stage actions.
//
// A tool receives the accumulated user data plus conversation context and returns a
// models.ToolResult. Tools never propagate panics or unknown-name errors to the caller:
// Registry.Execute always returns a result.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Tool is a named side-effecting operation.
type Tool interface {
	Execute(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error)
}

// Func adapts a plain function to Tool.
type Func func(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, payload map[string]any, tc models.ToolContext) (models.ToolResult, error) {
	return f(ctx, payload, tc)
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(name string, tool Tool) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool == nil {
		return fmt.Errorf("tool %s cannot be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = tool
	slog.Debug("Registry.Register: tool registered", "tool", name)
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.tools[name]
	return found
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool. Unregistered names, returned errors and panics all become
// failed results.
func (r *Registry) Execute(ctx context.Context, name string, payload map[string]any, tc models.ToolContext) (result models.ToolResult) {
	r.mu.RLock()
	tool, found := r.tools[name]
	r.mu.RUnlock()
	if !found {
		slog.Error("Registry.Execute: tool not registered", "tool", name, "userID", tc.UserID, "stage", tc.Stage)
		return models.Failure(models.ToolErrorNotFound, fmt.Sprintf("tool %s is not registered", name))
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Registry.Execute: tool panicked", "tool", name, "userID", tc.UserID, "stage", tc.Stage,
				"panic", rec, "stack", string(debug.Stack()))
			result = models.Failure(models.ToolErrorPanic, fmt.Sprintf("tool %s failed unexpectedly", name))
		}
	}()

	slog.Debug("Registry.Execute: invoking tool", "tool", name, "userID", tc.UserID, "flowID", tc.FlowID,
		"stage", tc.Stage, "payloadKeys", formatPayloadKeysForLog(payload))
	res, err := tool.Execute(ctx, payload, tc)
	if err != nil {
		slog.Error("Registry.Execute: tool returned error", "tool", name, "userID", tc.UserID, "stage", tc.Stage, "error", err)
		return models.Failure(models.ToolErrorUpstream, err.Error())
	}
	slog.Info("Registry.Execute: tool finished", "tool", name, "userID", tc.UserID, "stage", tc.Stage,
		"success", res.Success, "errorCode", res.ErrorCode, "duration", time.Since(start))
	return res
}
