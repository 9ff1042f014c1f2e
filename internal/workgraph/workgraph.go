// Package workgraph implements C4: the in-memory dependency graph whose
// topology mirrors the directory tree being built, and whose ordering
// constraint — a directory becomes eligible only once every direct child is
// Done or Error — is the sole synchronizing authority for the Worker Pool.
//
// Unlike a flat worker-queue design that tracks work via a
// sync.WaitGroup ("pending") and lets any job re-queue itself, the Work
// Graph must additionally know, for every directory, exactly how many of
// its children remain outstanding — so node state lives in an explicit
// table behind one mutex, with a condition variable standing in for the
// a channel-based ready queue.
package workgraph

import "sync"

// State is one of a WorkNode's lifecycle states.
type State int

const (
	StateWaitingChildren State = iota // directory only: children still outstanding
	StateReady                        // eligible for a worker to pick up
	StateInProgress                   // a worker currently owns this node
	StateDone                         // completed successfully
	StateError                        // completed with an error (absorbing)
)

func (s State) String() string {
	switch s {
	case StateWaitingChildren:
		return "WaitingChildren"
	case StateReady:
		return "Ready"
	case StateInProgress:
		return "InProgress"
	case StateDone:
		return "Done"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Kind records whether a node waits on children (KindDirectory) or not
// (KindFile). AddFile and AddDirectory set it; callers pass it to
// AddResolved.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// Node is one WorkNode: a path, its kind, its parent, and its current
// lifecycle state. pendingChildren is meaningful only while the node is a
// directory in StateWaitingChildren.
type Node struct {
	Path   string
	Kind   Kind
	Parent *Node

	pendingChildren int
	state           State
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	return n.state
}

// Graph is the single shared mutable structure coordinating a build run.
// All access goes through its locked API: a mutex guards the node table
// and ready queue, and a condition variable wakes workers waiting on Next
// when a node becomes Ready or the graph drains to completion.
type Graph struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ready  []*Node
	live   int  // nodes not yet Done or Error
	closed bool // set by Shutdown on interrupt
}

// New creates an empty Graph.
func New() *Graph {
	g := &Graph{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// AddFile registers a file (or symlink/other leaf) node. Files have no
// children to wait on, so they become Ready immediately.
func (g *Graph) AddFile(path string, parent *Node) *Node {
	n := &Node{Path: path, Kind: KindFile, Parent: parent, state: StateReady}
	g.mu.Lock()
	g.live++
	g.ready = append(g.ready, n)
	g.mu.Unlock()
	g.cond.Broadcast()
	return n
}

// AddDirectory registers a directory node with childCount direct children
// still to be discovered/completed. A directory with zero children (an
// empty directory) becomes Ready immediately, same as a file.
func (g *Graph) AddDirectory(path string, parent *Node, childCount int) *Node {
	n := &Node{Path: path, Kind: KindDirectory, Parent: parent}
	g.mu.Lock()
	g.live++
	if childCount <= 0 {
		n.state = StateReady
		g.ready = append(g.ready, n)
	} else {
		n.state = StateWaitingChildren
		n.pendingChildren = childCount
	}
	g.mu.Unlock()
	if childCount <= 0 {
		g.cond.Broadcast()
	}
	return n
}

// AddResolved registers a node that is already complete — Done if ok, Error
// otherwise — without ever scheduling it to a worker. This backs the cache
// short-circuit: when the Cache Index reports a fresh entry for a leaf
// path, the Coordinator skips hashing it entirely and calls
// AddResolved(path, kind, parent, true). It also backs immediate,
// traversal-detected failures (e.g. a symlink cycle's back-edge) that never
// need a worker to process them. Either way, the parent's pendingChildren
// counter is still decremented so the parent can become Ready in its turn.
func (g *Graph) AddResolved(path string, kind Kind, parent *Node, ok bool) *Node {
	state := StateDone
	if !ok {
		state = StateError
	}
	n := &Node{Path: path, Kind: kind, Parent: parent, state: state}

	g.mu.Lock()
	var freedParent *Node
	if parent != nil {
		parent.pendingChildren--
		if parent.pendingChildren <= 0 && parent.state == StateWaitingChildren {
			parent.state = StateReady
			g.ready = append(g.ready, parent)
			freedParent = parent
		}
	}
	g.mu.Unlock()

	if freedParent != nil {
		g.cond.Broadcast()
	}
	return n
}

// Next blocks until a node is Ready or the graph has drained (no pending
// nodes and none in flight), matching the worker-loop shape used by a
// channel-based dispatch, generalized from a channel receive to a
// condition-variable wait because readiness here depends on graph topology,
// not just "is there an item in the channel".
func (g *Graph) Next() (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.ready) == 0 && g.live > 0 && !g.closed {
		g.cond.Wait()
	}
	if len(g.ready) == 0 {
		return nil, false
	}
	n := g.ready[0]
	g.ready = g.ready[1:]
	n.state = StateInProgress
	return n, true
}

// Complete marks n Done (ok=true) or Error (ok=false), decrements the
// graph's live count, and — if n has a parent — decrements the parent's
// pendingChildren counter. When that counter reaches zero the parent
// transitions WaitingChildren -> Ready and is enqueued.
//
// A child in Error state still counts toward its parent's completion: the
// parent becomes Ready so the Worker Pool can observe the error and record
// its own entry as poisoned, never silently waiting forever on a failed
// child.
func (g *Graph) Complete(n *Node, ok bool) {
	g.mu.Lock()
	if ok {
		n.state = StateDone
	} else {
		n.state = StateError
	}
	g.live--

	var freedParent *Node
	if n.Parent != nil {
		p := n.Parent
		p.pendingChildren--
		if p.pendingChildren <= 0 && p.state == StateWaitingChildren {
			p.state = StateReady
			g.ready = append(g.ready, p)
			freedParent = p
		}
	}
	g.mu.Unlock()

	if freedParent != nil || g.isDrained() {
		g.cond.Broadcast()
	}
}

// Shutdown stops the queue cooperatively: blocked and future Next calls
// return ok=false once the current ready queue is drained, regardless of
// live's value. Used on external interrupt.
func (g *Graph) Shutdown() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *Graph) isDrained() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live == 0
}
