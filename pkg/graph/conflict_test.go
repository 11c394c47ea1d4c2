package graph

import (
	"reflect"
	"testing"

	"github.com/markus-lassfolk/airbalance/pkg"
)

func TestBuilder_ObserveSymmetric(t *testing.T) {
	b := NewBuilder()
	b.AddAP("a")
	b.AddAP("b")
	b.AddAP("c")

	if b.Observe("s1", "a") {
		t.Error("Expected no edge from a single observation")
	}
	if !b.Observe("s1", "b") {
		t.Error("Expected edge a-b after shared station")
	}
	if b.Observe("s1", "b") {
		t.Error("Expected repeated observation to be a no-op")
	}

	if !b.Conflicts("a", "b") || !b.Conflicts("b", "a") {
		t.Error("Expected symmetric conflict between a and b")
	}
	if b.Conflicts("a", "c") {
		t.Error("Expected no conflict between a and c")
	}
	if got := b.Neighbors("a"); !reflect.DeepEqual(got, []pkg.APID{"b"}) {
		t.Errorf("Expected neighbours [b], got %v", got)
	}
}

func TestBuilder_SolverInputExcludesIsolated(t *testing.T) {
	b := NewBuilder()
	for _, ap := range []pkg.APID{"a", "b", "c", "d"} {
		b.AddAP(ap)
	}
	b.Observe("s1", "a")
	b.Observe("s1", "b")
	b.Observe("s2", "b")
	b.Observe("s2", "c")

	input := b.SolverInput()
	if !reflect.DeepEqual(input.Nodes, []pkg.APID{"a", "b", "c"}) {
		t.Errorf("Expected nodes [a b c], got %v", input.Nodes)
	}
	if input.Degree("b") != 2 {
		t.Errorf("Expected degree 2 for b, got %d", input.Degree("b"))
	}
	if _, ok := input.Adjacency["d"]; ok {
		t.Error("Expected isolated AP d to be excluded")
	}
	if !reflect.DeepEqual(b.Isolated(), []pkg.APID{"d"}) {
		t.Errorf("Expected isolated [d], got %v", b.Isolated())
	}
	if len(b.Full().Nodes) != 4 {
		t.Errorf("Expected 4 nodes in the full graph, got %d", len(b.Full().Nodes))
	}
	if b.EdgeCount() != 2 {
		t.Errorf("Expected 2 edges, got %d", b.EdgeCount())
	}
}

func TestBuilder_RemoveAP(t *testing.T) {
	b := NewBuilder()
	b.Observe("s1", "a")
	b.Observe("s1", "b")
	b.Observe("s1", "c")

	b.RemoveAP("b")
	if b.Conflicts("a", "b") {
		t.Error("Expected edges of removed AP to be gone")
	}
	if !b.Conflicts("a", "c") {
		t.Error("Expected a-c edge to survive")
	}

	// Re-adding the AP starts without edges
	b.AddAP("b")
	if len(b.Neighbors("b")) != 0 {
		t.Errorf("Expected no neighbours for re-added AP, got %v", b.Neighbors("b"))
	}

	b.RemoveStation("s1")
	if b.Observe("s1", "b") {
		t.Error("Expected fresh reachability after station removal")
	}
	if !b.Conflicts("a", "c") {
		t.Error("Expected edges to outlive the station")
	}
}

func TestBuilder_Components(t *testing.T) {
	b := NewBuilder()
	b.Observe("s1", "a")
	b.Observe("s1", "b")
	b.Observe("s2", "x")
	b.Observe("s2", "y")
	b.AddAP("lonely")

	comps := b.Components()
	want := [][]pkg.APID{{"a", "b"}, {"x", "y"}}
	if !reflect.DeepEqual(comps, want) {
		t.Errorf("Expected components %v, got %v", want, comps)
	}
}
