package safety

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
)

// guardChainKey carries the chain of guarded keys through a call stack.
type guardChainKey struct{}

// RecursionGuard executes functions under per-key mutual exclusion. A key
// that is already active cannot be re-entered, whether by the same call
// chain or a concurrent one, and the nesting depth of guarded calls within
// one chain is bounded by MaxDepth.
type RecursionGuard struct {
	mu       sync.Mutex
	maxDepth int
	active   map[string]struct{}
	logger   *zap.Logger
}

// NewRecursionGuard creates a guard with the given maximum nesting depth.
func NewRecursionGuard(maxDepth int, logger *zap.Logger) *RecursionGuard {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecursionGuard{
		maxDepth: maxDepth,
		active:   make(map[string]struct{}),
		logger:   logger,
	}
}

// CheckReentry reports whether entering key from the current call chain
// would recurse: RECURSIVE_CALL_BLOCKED if the chain already holds key,
// RECURSION_LIMIT_EXCEEDED if one more level would exceed MaxDepth. It
// inspects only the chain carried by ctx, never the cross-goroutine
// active set, so concurrent callers of the same key pass.
func (g *RecursionGuard) CheckReentry(ctx context.Context, key string) error {
	chain := chainFrom(ctx)

	for _, held := range chain {
		if held == key {
			g.logger.Warn("recursive call blocked", zap.String("key", key))
			return errors.Newf(errors.ErrCodeRecursiveCall, "key %q re-entered within its own guarded call", key).
				WithComponent("safety").
				WithOperation("guard")
		}
	}
	if len(chain)+1 > g.maxDepth {
		g.logger.Warn("recursion limit exceeded",
			zap.String("key", key),
			zap.Int("depth", len(chain)+1),
			zap.Int("max_depth", g.maxDepth))
		return errors.Newf(errors.ErrCodeRecursionLimit, "guard depth %d exceeds limit %d", len(chain)+1, g.maxDepth).
			WithComponent("safety").
			WithOperation("guard").
			WithDetail("key", key)
	}
	return nil
}

// Guard runs fn under mutual exclusion for key. It fails with
// RECURSIVE_CALL_BLOCKED if key is already active, and with
// RECURSION_LIMIT_EXCEEDED if the chain depth would exceed MaxDepth.
// The key is released on every exit path, including panics.
func (g *RecursionGuard) Guard(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := g.CheckReentry(ctx, key); err != nil {
		return err
	}
	chain := chainFrom(ctx)

	g.mu.Lock()
	if _, held := g.active[key]; held {
		g.mu.Unlock()
		g.logger.Warn("concurrent guarded call blocked", zap.String("key", key))
		return errors.Newf(errors.ErrCodeRecursiveCall, "key %q is active in another guarded call", key).
			WithComponent("safety").
			WithOperation("guard")
	}
	g.active[key] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.active, key)
		g.mu.Unlock()
	}()

	next := make([]string, len(chain)+1)
	copy(next, chain)
	next[len(chain)] = key

	return fn(context.WithValue(ctx, guardChainKey{}, next))
}

// Depth returns the guarded nesting depth of the current call chain.
func Depth(ctx context.Context) int {
	return len(chainFrom(ctx))
}

// ActiveKeys returns a snapshot of keys currently held by any chain.
func (g *RecursionGuard) ActiveKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]string, 0, len(g.active))
	for key := range g.active {
		keys = append(keys, key)
	}
	return keys
}

func chainFrom(ctx context.Context) []string {
	chain, _ := ctx.Value(guardChainKey{}).([]string)
	return chain
}
