package lockorder

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

var (
	lockA = Lock{Proc: "main", Site: 1}
	lockB = Lock{Proc: "main", Site: 2}
	lockC = Lock{Proc: "main", Site: 3}
	lockP = Lock{Proc: "f", Site: 0, Synthetic: true}
)

func TestAddEdge(t *testing.T) {
	g := New()
	if !g.AddEdge(lockA, lockB, "main", 10) {
		t.Error("first edge did not change the graph")
	}
	if g.AddEdge(lockA, lockB, "other", 20) {
		t.Error("duplicate edge changed the graph")
	}
	e, ok := g.Edge(lockA, lockB)
	if !ok || e.Pos != 10 || e.Proc != "main" {
		t.Errorf("expected the first position to be kept, got %+v", e)
	}
	if g.HasEdge(lockB, lockA) {
		t.Error("edges are directed")
	}

	if !g.AddEdge(lockC, lockC, "main", 30) || g.AddEdge(lockC, lockC, "main", 40) {
		t.Error("self-loop should be recorded once")
	}
	loops := g.SelfLoops()
	if len(loops) != 1 || loops[0].Lock != lockC || loops[0].Pos != 30 {
		t.Errorf("unexpected self-loops %+v", loops)
	}
	if len(g.Edges()) != 1 {
		t.Errorf("self-loops must not appear among edges: %v", g.Edges())
	}
}

func TestLess(t *testing.T) {
	tests := []struct {
		a, b Lock
		want bool
	}{
		{lockA, lockB, true},
		{lockB, lockA, false},
		{lockP, lockA, true},
		{Lock{Proc: "main", Site: 9}, Lock{Proc: "main", Site: 0, Synthetic: true}, true},
	}
	for _, tc := range tests {
		if got := tc.a.Less(tc.b); got != tc.want {
			t.Errorf("%s.Less(%s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCycles(t *testing.T) {
	tests := []struct {
		name  string
		edges [][2]Lock
		want  []Cycle
	}{
		{
			name:  "chain",
			edges: [][2]Lock{{lockA, lockB}, {lockB, lockC}},
		},
		{
			name:  "two locks",
			edges: [][2]Lock{{lockA, lockB}, {lockB, lockA}},
			want:  []Cycle{{lockA, lockB}},
		},
		{
			name:  "three locks",
			edges: [][2]Lock{{lockC, lockA}, {lockA, lockB}, {lockB, lockC}},
			want:  []Cycle{{lockA, lockB, lockC}},
		},
		{
			name:  "diamond",
			edges: [][2]Lock{{lockP, lockA}, {lockP, lockB}, {lockA, lockC}, {lockB, lockC}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := New()
			for _, e := range tc.edges {
				g.AddEdge(e[0], e[1], "main", 1)
			}
			got := g.Cycles()
			if len(got) != len(tc.want) {
				t.Fatalf("Cycles() = %v, want %v", got, tc.want)
			}
			for i := range got {
				if !reflect.DeepEqual(got[i], tc.want[i]) {
					t.Errorf("cycle %d = %v, want %v", i, got[i], tc.want[i])
				}
				if n := len(g.CycleEdges(got[i])); n != len(got[i]) {
					t.Errorf("cycle %d has %d closing edges, want %d", i, n, len(got[i]))
				}
			}
		})
	}
}

func TestWriteDOT(t *testing.T) {
	g := New()
	g.AddEdge(lockA, lockB, "main", 1)
	g.AddEdge(lockB, lockA, "main", 2)
	g.AddEdge(lockB, lockC, "main", 3)
	g.AddEdge(lockC, lockC, "main", 4)

	names := map[Lock]string{lockA: "x.mu", lockB: "y.mu", lockC: "z.mu"}
	var buf bytes.Buffer
	if err := g.WriteDOT(&buf, "locks", func(l Lock) string { return names[l] }); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, s := range []string{"digraph", "locks", "x.mu", "y.mu", "z.mu", "red", "peripheries"} {
		if !strings.Contains(out, s) {
			t.Errorf("output does not contain %q:\n%s", s, out)
		}
	}
	if n := strings.Count(out, "red"); n != 2 {
		t.Errorf("expected the two cycle edges in red, got %d:\n%s", n, out)
	}
}
