package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dskow/taskrouter/internal/apierror"
)

// ToolInvoker calls a named tool with JSON arguments and returns its raw
// JSON result. One implementation is chosen at startup from configuration.
type ToolInvoker interface {
	Invoke(ctx context.Context, provider, tool string, args any) (json.RawMessage, error)
}

// ToolFunc is an in-process tool implementation.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// LocalInvoker dispatches tool calls to in-process functions. Arguments go
// through a JSON round trip so tools see the same bytes the HTTP bridge
// would receive.
type LocalInvoker struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewLocalInvoker creates an invoker over tools.
func NewLocalInvoker(tools map[string]ToolFunc) *LocalInvoker {
	cp := make(map[string]ToolFunc, len(tools))
	for name, fn := range tools {
		cp[name] = fn
	}
	return &LocalInvoker{tools: cp}
}

// Register adds or replaces a tool.
func (l *LocalInvoker) Register(name string, fn ToolFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tools[name] = fn
}

// Invoke implements ToolInvoker.
func (l *LocalInvoker) Invoke(ctx context.Context, provider, tool string, args any) (json.RawMessage, error) {
	l.mu.RLock()
	fn, ok := l.tools[tool]
	l.mu.RUnlock()
	if !ok {
		return nil, apierror.Newf(apierror.ProviderNotConfigured, "tool %q is not registered for provider %q", tool, provider)
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %s: %w", tool, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, raw)
}
