package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ivoronin/bddup/internal/workgraph"
)

func TestPoolProcessesAllNodes(t *testing.T) {
	g := workgraph.New()
	dir := g.AddDirectory("d", nil, 3)
	for _, name := range []string{"a", "b", "c"} {
		g.AddFile("d/"+name, dir)
	}

	var processed atomic.Int64
	p := New(4, g, func(_ context.Context, n *workgraph.Node) bool {
		processed.Add(1)
		return true
	})
	p.Run(context.Background())

	// 3 files + 1 directory = 4 nodes.
	if got := processed.Load(); got != 4 {
		t.Errorf("processed %d nodes, want 4", got)
	}
}

func TestPoolRecordsErrorsWithoutDeadlock(t *testing.T) {
	g := workgraph.New()
	dir := g.AddDirectory("d", nil, 2)
	g.AddFile("d/good", dir)
	g.AddFile("d/bad", dir)

	p := New(2, g, func(_ context.Context, n *workgraph.Node) bool {
		return n.Path != "d/bad"
	})
	p.Run(context.Background())
	// Completion above (no hang) is the assertion; Run returning proves the
	// graph still drained even though one child errored.
}

func TestPoolHonorsCancellation(t *testing.T) {
	g := workgraph.New()
	for i := 0; i < 50; i++ {
		g.AddFile("f", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var processed atomic.Int64
	p := New(2, g, func(ctx context.Context, n *workgraph.Node) bool {
		c := processed.Add(1)
		if c == 1 {
			cancel()
		}
		return true
	})
	p.Run(ctx)

	if got := processed.Load(); got >= 50 {
		t.Errorf("processed %d nodes after cancellation, want fewer than the full 50", got)
	}
}
