package workgraph

import "testing"

func TestFileBecomesReadyImmediately(t *testing.T) {
	g := New()
	n := g.AddFile("a.txt", nil)
	got, ok := g.Next()
	if !ok || got != n {
		t.Fatalf("Next = %v, %v, want the just-added file node", got, ok)
	}
}

func TestDirectoryWaitsForChildren(t *testing.T) {
	g := New()
	dir := g.AddDirectory("d", nil, 2)
	c1 := g.AddFile("d/a.txt", dir)
	c2 := g.AddFile("d/b.txt", dir)

	// Directory must not be ready until both children complete.
	first, ok := g.Next()
	if !ok || (first != c1 && first != c2) {
		t.Fatalf("Next = %v, %v, want one of the children first", first, ok)
	}
	g.Complete(first, true)

	second, ok := g.Next()
	if !ok || second == first {
		t.Fatalf("Next = %v, %v, want the other child", second, ok)
	}
	g.Complete(second, true)

	parent, ok := g.Next()
	if !ok || parent != dir {
		t.Fatalf("Next = %v, %v, want the directory now both children are done", parent, ok)
	}
	if dir.State() != StateReady && dir.State() != StateInProgress {
		t.Errorf("directory state = %v, want Ready/InProgress", dir.State())
	}
}

func TestEmptyDirectoryReadyImmediately(t *testing.T) {
	g := New()
	dir := g.AddDirectory("empty", nil, 0)
	got, ok := g.Next()
	if !ok || got != dir {
		t.Fatalf("Next = %v, %v, want the empty directory immediately", got, ok)
	}
}

func TestErrorChildStillFreesParent(t *testing.T) {
	g := New()
	dir := g.AddDirectory("d", nil, 1)
	child := g.AddFile("d/a.txt", dir)

	got, _ := g.Next()
	if got != child {
		t.Fatalf("Next = %v, want child", got)
	}
	g.Complete(got, false) // error, not ok

	parent, ok := g.Next()
	if !ok || parent != dir {
		t.Fatalf("Next = %v, %v, want the directory even though its child errored", parent, ok)
	}
}

func TestCacheShortCircuitFreesParentWithoutScheduling(t *testing.T) {
	g := New()
	dir := g.AddDirectory("d", nil, 1)
	g.AddResolved("d/cached.txt", KindFile, dir, true)

	parent, ok := g.Next()
	if !ok || parent != dir {
		t.Fatalf("Next = %v, %v, want the directory freed by the cached child", parent, ok)
	}
}

func TestAddResolvedErrorStillFreesParentWithoutScheduling(t *testing.T) {
	g := New()
	dir := g.AddDirectory("d", nil, 1)
	g.AddResolved("d/cycle", KindFile, dir, false)

	parent, ok := g.Next()
	if !ok || parent != dir {
		t.Fatalf("Next = %v, %v, want the directory freed by the immediately-failed child", parent, ok)
	}
}

func TestNextReturnsFalseWhenDrained(t *testing.T) {
	g := New()
	n := g.AddFile("a.txt", nil)
	got, _ := g.Next()
	g.Complete(got, true)

	_, ok := g.Next()
	if ok {
		t.Errorf("Next on a drained graph should return ok=false")
	}
	_ = n
}
