// Package pool implements C5: a fixed-size set of workers that pull
// eligible nodes from the Work Graph, invoke the caller-supplied hashing
// step, and report completion back to the graph.
//
// The shape follows a verifier.Verifier-style worker loop (N
// goroutines draining a shared queue, a WaitGroup for shutdown, progress
// fed through a *progress.Bar), generalized so the queue is a
// workgraph.Graph instead of a Go channel, since readiness here depends on
// directory topology rather than simple FIFO order.
package pool

import (
	"context"
	"sync"

	"github.com/ivoronin/bddup/internal/workgraph"
)

// Handler processes one node to completion. It returns ok=false if the
// node's work failed (I/O error, symlink cycle, etc.) — the Work Graph
// records that as StateError, which still unblocks the node's parent
// (poisoning). Handler must itself honor ctx cancellation: it is
// the only place suspension happens besides the graph's ready-queue wait
// .
type Handler func(ctx context.Context, n *workgraph.Node) (ok bool)

// Pool runs Handler across a fixed number of worker goroutines over graph
// until the graph drains or ctx is cancelled.
type Pool struct {
	Workers int
	Graph  *workgraph.Graph
	Handle Handler
}

// New creates a Pool. workers <= 0 is treated as 1, matching a defensive
// floor rather than silently spawning zero workers and hanging forever.
func New(workers int, graph *workgraph.Graph, handle Handler) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{Workers: workers, Graph: graph, Handle: handle}
}

// Run blocks until every node has been processed (graph drains) or the
// context is cancelled, in which case Run stops dequeuing new work once
// in-flight nodes complete (cooperative cancellation) and shuts
// the graph down so other workers stop waiting.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.Workers)
	for i := 0; i < p.Workers; i++ {
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	if ctx != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				p.Graph.Shutdown()
			case <-done:
			}
		}()
	}

	wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		n, ok := p.Graph.Next()
		if !ok {
			return
		}
		result := p.Handle(ctx, n)
		p.Graph.Complete(n, result)
	}
}
