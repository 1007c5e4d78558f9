package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultAsyncLimit bounds concurrently executing asynchronous rule bodies
// per aggregate graph.
const DefaultAsyncLimit = 8

// Option configures an aggregate graph at root construction time.
type Option func(*graphOptions)

type graphOptions struct {
	asyncLimit int64
	baseCtx    context.Context
}

// WithAsyncLimit bounds the number of asynchronous rule bodies executing at
// once for the graph. Zero or negative disables the bound.
func WithAsyncLimit(n int) Option {
	return func(o *graphOptions) {
		o.asyncLimit = int64(n)
	}
}

// WithBaseContext sets the context asynchronous rule bodies inherit from.
// Defaults to context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(o *graphOptions) {
		o.baseCtx = ctx
	}
}

// graph is the state shared by every node of one aggregate.
//
// One mutex serializes all graph mutation: public API calls and asynchronous
// rule completions. The engine assumes at most one in-flight external
// mutation sequence per graph; the lock exists so background completions can
// merge safely against that single flow.
type graph struct {
	mu   sync.Mutex
	opts graphOptions
	sem  *semaphore.Weighted

	// pauseDepth > 0 switches property writes to load semantics. Stack
	// discipline: every Pause release decrements; hitting zero performs the
	// single deferred meta recompute.
	pauseDepth int

	// metaCh is closed and replaced whenever any cached meta flag flips.
	// WaitForTasks blocks on it.
	metaCh chan struct{}

	// Instrumentation for the incremental-cache tests.
	scans     atomic.Int64
	refreshes atomic.Int64
}

func newGraph(opts graphOptions) *graph {
	if opts.baseCtx == nil {
		opts.baseCtx = context.Background()
	}
	g := &graph{opts: opts}
	if opts.asyncLimit > 0 {
		g.sem = semaphore.NewWeighted(opts.asyncLimit)
	}
	return g
}

// detached spawns a fresh graph carrying the same options, for nodes that
// leave their aggregate.
func (g *graph) detached() *graph {
	return newGraph(g.opts)
}

func (g *graph) paused() bool {
	return g.pauseDepth > 0
}

// metaChangedLocked wakes every waiter blocked on a meta transition.
func (g *graph) metaChangedLocked() {
	if g.metaCh != nil {
		close(g.metaCh)
		g.metaCh = nil
	}
}

// metaSignalLocked returns a channel closed on the next meta transition.
func (g *graph) metaSignalLocked() chan struct{} {
	if g.metaCh == nil {
		g.metaCh = make(chan struct{})
	}
	return g.metaCh
}

// lockGraph acquires the node's graph lock, retrying if the node was adopted
// into a different graph between the pointer read and the acquisition.
func (n *Node) lockGraph() *graph {
	for {
		g := n.graph
		g.mu.Lock()
		if n.graph == g {
			return g
		}
		g.mu.Unlock()
	}
}

func (c *Collection) lockGraph() *graph {
	for {
		g := c.graph
		g.mu.Lock()
		if c.graph == g {
			return g
		}
		g.mu.Unlock()
	}
}
