package engine

import (
	"context"
	"strings"
	"time"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/refresh"
)

// ExecutorFunc is the function signature for tool execution.
type ExecutorFunc func(ctx context.Context, toolID string, input any) ([]byte, error)

// SkipRule determines whether to skip caching for a given tool.
// Returns true if caching should be skipped.
type SkipRule func(toolID string, tags []string) bool

// DefaultSkipRule skips caching for tools with unsafe tags.
// Tag matching is case-insensitive.
func DefaultSkipRule(_ string, tags []string) bool {
	return cache.HasUnsafeTag(tags)
}

// ToolCall describes one tool execution.
type ToolCall struct {
	Scope  cache.Scope
	ToolID string
	Input  any
	Tags   []string

	// TTL overrides the policy's default TTL, still clamped to MaxTTL.
	TTL time.Duration
}

// ToolMiddleware caches tool executions through the engine's refresh
// path, so concurrent identical calls share one execution.
type ToolMiddleware struct {
	engine   *Engine
	keyer    cache.Keyer
	policy   cache.Policy
	skipRule SkipRule
}

// NewToolMiddleware creates a tool middleware. A nil keyer means
// cache.NewDefaultKeyer() and a nil skipRule means DefaultSkipRule.
func NewToolMiddleware(e *Engine, keyer cache.Keyer, policy cache.Policy, skipRule SkipRule) *ToolMiddleware {
	if keyer == nil {
		keyer = cache.NewDefaultKeyer()
	}
	if skipRule == nil {
		skipRule = DefaultSkipRule
	}
	return &ToolMiddleware{engine: e, keyer: keyer, policy: policy, skipRule: skipRule}
}

// Tools returns a ToolMiddleware using the default keyer and a policy
// built from the engine's default TTL.
func (e *Engine) Tools() *ToolMiddleware {
	return NewToolMiddleware(e, nil, cache.Policy{DefaultTTL: e.cfg.DefaultTTL.D()}, nil)
}

// Execute runs the tool with caching.
// On a servable hit the cached result is returned without calling
// executor. Errors are never cached. Tools the skip rule or policy exclude,
// and calls whose key cannot be built, run uncached.
func (m *ToolMiddleware) Execute(ctx context.Context, call ToolCall, executor ExecutorFunc) ([]byte, error) {
	run := func(ctx context.Context) ([]byte, error) {
		return executor(ctx, call.ToolID, call.Input)
	}

	if !m.policy.AllowUnsafe && m.skipRule(call.ToolID, call.Tags) {
		return run(ctx)
	}
	if !m.policy.ShouldCache(call.Tags) {
		return run(ctx)
	}

	key, err := m.keyer.Key(call.Scope, call.ToolID, call.Input)
	if err != nil {
		return run(ctx)
	}

	return m.engine.GetWithRefresh(ctx, key, m.policy.EffectiveTTL(call.TTL), run,
		refresh.WithOperation(strings.ToLower(call.ToolID)))
}
