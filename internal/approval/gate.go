// Package approval implements C5: the Approval Cache & Gate. It suspends a
// tool invocation until a human responds, dedupes concurrent requests for
// the same key, and caches ApprovedForSession decisions for the life of the
// process.
//
// Grounded on OnslaughtSnail-caelis/kernel/execenv/approval.go's
// request/decision shape, generalized into the full register/respond/
// cache/coalesce/cleanup lifecycle of spec.md §4.5.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/sandboxrun/execcore"
)

// DefaultTimeout is the default interactive approval wait, spec.md §5.
const DefaultTimeout = 900 * time.Second

// Id identifies one pending approval.
type Id string

// Context is a pending approval record (spec.md §3). Owned by the gate;
// destroyed on response or expiration.
type Context struct {
	Id        Id
	ThreadId  string
	ItemId    string
	ToolName  string
	Key       execcore.ApprovalKey
	Prompt    string
	RetryReason string
	CreatedAt time.Time
	Timeout   time.Duration

	reply chan execcore.ApprovalDecision
}

// Event is emitted when a new approval must be surfaced to a human
// observer (spec.md §6, ExecApprovalRequest / ApplyPatchApprovalRequest).
type Event struct {
	Id       Id
	ThreadId string
	ItemId   string
	ToolName string
	Key      execcore.ApprovalKey
	Prompt   string
}

// Observer receives approval lifecycle events.
type Observer func(Event)

type cacheKey struct {
	tool string
	key  string
}

// Gate implements the register/respond/cache/coalesce/cleanup contract of
// spec.md §4.5.
type Gate struct {
	log      *slog.Logger
	observer Observer

	mu      sync.Mutex
	pending map[Id]*Context
	cache   map[cacheKey]execcore.ApprovalDecision

	group singleflight.Group

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewGate constructs a Gate. observer may be nil.
func NewGate(log *slog.Logger, observer Observer) *Gate {
	if log == nil {
		log = slog.Default()
	}
	g := &Gate{
		log:           log,
		observer:      observer,
		pending:       make(map[Id]*Context),
		cache:         make(map[cacheKey]execcore.ApprovalDecision),
		sweepInterval: 30 * time.Second,
		stop:          make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Close stops the background cleanup sweep.
func (g *Gate) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Request suspends until a human responds, a cached decision short-
// circuits the prompt, or the timeout elapses. retryReason, when non-empty,
// bypasses the cache and forces a fresh prompt (spec.md §4.5 "Cached
// approval").
func (g *Gate) Request(ctx context.Context, threadId, itemId, toolName, prompt string, key execcore.ApprovalKey, retryReason string, timeout time.Duration) (execcore.ApprovalDecision, error) {
	if retryReason == "" {
		if cached, ok := g.lookupCache(toolName, key); ok {
			return cached, nil
		}
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Coalesce concurrent requests for the same (tool, key): all callers
	// observe the same decision, spec.md §4.5 "Concurrency".
	groupKey := toolName + "\x1f" + key.String()
	decisionIface, err, _ := g.group.Do(groupKey, func() (interface{}, error) {
		return g.registerAndAwait(ctx, threadId, itemId, toolName, prompt, key, retryReason, timeout)
	})
	if err != nil {
		return execcore.ApprovalDenied, err
	}
	return decisionIface.(execcore.ApprovalDecision), nil
}

func (g *Gate) registerAndAwait(ctx context.Context, threadId, itemId, toolName, prompt string, key execcore.ApprovalKey, retryReason string, timeout time.Duration) (execcore.ApprovalDecision, error) {
	id := Id(uuid.NewString())
	pc := &Context{
		Id:          id,
		ThreadId:    threadId,
		ItemId:      itemId,
		ToolName:    toolName,
		Key:         key,
		Prompt:      prompt,
		RetryReason: retryReason,
		CreatedAt:   time.Now(),
		Timeout:     timeout,
		reply:       make(chan execcore.ApprovalDecision, 1),
	}

	g.mu.Lock()
	g.pending[id] = pc
	g.mu.Unlock()

	if g.observer != nil {
		g.observer(Event{Id: id, ThreadId: threadId, ItemId: itemId, ToolName: toolName, Key: key, Prompt: prompt})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-pc.reply:
		if decision == execcore.ApprovalApprovedForSession {
			g.cacheDecision(toolName, key, decision)
		}
		return decision, nil
	case <-timer.C:
		g.removePending(id)
		return execcore.ApprovalDenied, execcore.NewError(execcore.KindApprovalTimedOut, "approval request timed out", nil)
	case <-ctx.Done():
		g.removePending(id)
		return execcore.ApprovalDenied, execcore.NewError(execcore.KindApprovalCancelled, "approval request cancelled", ctx.Err())
	}
}

// Respond delivers a decision for a pending approval id. Returns a
// KindApprovalTimedOut error if the context already expired, or
// KindApprovalNotFound if the id is unknown or was already resolved
// (spec.md §6, §8 monotonicity: responding to an already-removed id is
// distinguishable from a genuine internal invariant violation).
func (g *Gate) Respond(id Id, decision execcore.ApprovalDecision) error {
	g.mu.Lock()
	pc, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return execcore.NewError(execcore.KindApprovalNotFound, "approval id not found", nil)
	}
	if time.Since(pc.CreatedAt) >= pc.Timeout {
		return execcore.NewError(execcore.KindApprovalTimedOut, "approval already timed out", nil)
	}

	select {
	case pc.reply <- decision:
		return nil
	default:
		return execcore.NewError(execcore.KindInternal, "approval waiter already gone", nil)
	}
}

func (g *Gate) removePending(id Id) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

func (g *Gate) lookupCache(toolName string, key execcore.ApprovalKey) (execcore.ApprovalDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.cache[cacheKey{tool: toolName, key: key.String()}]
	return d, ok
}

func (g *Gate) cacheDecision(toolName string, key execcore.ApprovalKey, decision execcore.ApprovalDecision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[cacheKey{tool: toolName, key: key.String()}] = decision
}

// sweepLoop periodically removes pending contexts whose timeout has
// elapsed, per spec.md §4.5 "Cleanup". Their waiter already observed
// TimedOut via the select in registerAndAwait; this only prevents the map
// from retaining entries for waiters that vanished without reading their
// timer (defensive bound, not required for correctness of the select path).
func (g *Gate) sweepLoop() {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			now := time.Now()
			g.mu.Lock()
			for id, pc := range g.pending {
				if now.Sub(pc.CreatedAt) >= pc.Timeout {
					delete(g.pending, id)
				}
			}
			g.mu.Unlock()
		}
	}
}
