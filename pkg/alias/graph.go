// Package alias implements a unification-based (Steensgaard-style) points-to
// analysis. Abstract locations live in an arena addressed by NodeID; merging
// two locations repoints one union-find root at the other and moves its
// edges, so a NodeID stays valid for the whole run and always resolves to
// its current representative through find.
package alias

import (
	"fmt"
	"go/token"
	"sort"
	"strings"

	"github.com/akerouanton/lockgraph/pkg/ir"
	"golang.org/x/exp/maps"
)

// NodeID addresses a node of the arena.
type NodeID int

// LabelKind is the kind of an alias graph edge.
type LabelKind int

const (
	LabelDeref LabelKind = iota
	LabelGuard
	LabelField
)

// Label is an edge label. Field is only meaningful for LabelField.
type Label struct {
	Kind  LabelKind
	Field int
}

var (
	DerefLabel = Label{Kind: LabelDeref}
	GuardLabel = Label{Kind: LabelGuard}
)

// FieldLabel returns the label of field i.
func FieldLabel(i int) Label { return Label{Kind: LabelField, Field: i} }

func (l Label) String() string {
	switch l.Kind {
	case LabelDeref:
		return "deref"
	case LabelGuard:
		return "guard"
	default:
		return fmt.Sprintf("field(%d)", l.Field)
	}
}

func labelLess(a, b Label) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Field < b.Field
}

// Identity names an abstract location: a local of a procedure, or a
// synthetic location minted while resolving a projection.
type Identity struct {
	Proc      ir.ProcID
	Index     int
	Synthetic bool
}

func (id Identity) String() string {
	if id.Synthetic {
		return fmt.Sprintf("%s:#%d", id.Proc, id.Index)
	}
	return fmt.Sprintf("%s:_%d", id.Proc, id.Index)
}

// IdentityLess orders identities by procedure, named before synthetic, then
// index.
func IdentityLess(a, b Identity) bool {
	if a.Proc != b.Proc {
		return a.Proc < b.Proc
	}
	if a.Synthetic != b.Synthetic {
		return !a.Synthetic
	}
	return a.Index < b.Index
}

// Allocator mints synthetic location ids. Each Graph owns one; parallel
// builders would each take a disjoint allocator.
type Allocator struct {
	next int
}

// NewAllocator returns an allocator whose first id is start.
func NewAllocator(start int) *Allocator { return &Allocator{next: start} }

// Next returns a fresh id.
func (a *Allocator) Next() int {
	id := a.next
	a.next++
	return id
}

type edgeSet map[NodeID]struct{}

type node struct {
	ids   []Identity
	sites []Identity // lock construction sites merged into this node
	out   map[Label]edgeSet
	in    map[Label]edgeSet
	lock  bool
}

func newNode(id Identity) *node {
	return &node{
		ids: []Identity{id},
		out: make(map[Label]edgeSet),
		in:  make(map[Label]edgeSet),
	}
}

func (n *node) degree() int {
	d := 0
	for _, s := range n.out {
		d += len(s)
	}
	for _, s := range n.in {
		d += len(s)
	}
	return d
}

// Graph is the alias graph. The zero value is not usable; call NewGraph.
type Graph struct {
	nodes   []*node
	parent  []NodeID
	byID    map[Identity]NodeID
	labels  map[Identity]string
	sitePos map[Identity]token.Pos
	alloc   *Allocator
	pending map[NodeID]struct{}
	merges  int
}

// NewGraph returns an empty alias graph.
func NewGraph() *Graph {
	return &Graph{
		byID:    make(map[Identity]NodeID),
		labels:  make(map[Identity]string),
		sitePos: make(map[Identity]token.Pos),
		alloc:   NewAllocator(0),
		pending: make(map[NodeID]struct{}),
	}
}

// Merges returns the number of unifications performed so far.
func (g *Graph) Merges() int { return g.merges }

// Len returns the number of nodes ever allocated, merged ones included.
func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) find(n NodeID) NodeID {
	root := n
	for g.parent[root] != root {
		root = g.parent[root]
	}
	for g.parent[n] != root {
		next := g.parent[n]
		g.parent[n] = root
		n = next
	}
	return root
}

// Find returns the current representative of n.
func (g *Graph) Find(n NodeID) NodeID { return g.find(n) }

func (g *Graph) add(id Identity) NodeID {
	n := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, newNode(id))
	g.parent = append(g.parent, n)
	g.byID[id] = n
	return n
}

// Node returns the representative of the location named id, creating it on
// first reference.
func (g *Graph) Node(id Identity) NodeID {
	if n, ok := g.byID[id]; ok {
		return g.find(n)
	}
	return g.add(id)
}

// Lookup returns the representative of id without creating it.
func (g *Graph) Lookup(id Identity) (NodeID, bool) {
	n, ok := g.byID[id]
	if !ok {
		return 0, false
	}
	return g.find(n), true
}

// LocalNode returns the node of a procedure local.
func (g *Graph) LocalNode(proc ir.ProcID, l ir.Local) NodeID {
	return g.Node(Identity{Proc: proc, Index: int(l)})
}

// Fresh mints a synthetic location owned by proc.
func (g *Graph) Fresh(proc ir.ProcID, label string) NodeID {
	id := Identity{Proc: proc, Index: g.alloc.Next(), Synthetic: true}
	if label != "" {
		g.labels[id] = label
	}
	return g.add(id)
}

// SetLabel attaches a human-readable name to id.
func (g *Graph) SetLabel(id Identity, label string) { g.labels[id] = label }

// Label returns the name of id, falling back to its string form.
func (g *Graph) Label(id Identity) string {
	if l, ok := g.labels[id]; ok {
		return l
	}
	return id.String()
}

// NodeLabel names the representative of n by its smallest identity.
func (g *Graph) NodeLabel(n NodeID) string {
	return g.Label(g.minIdentity(g.nodes[g.find(n)].ids))
}

// Identities returns the equivalence class of n, sorted.
func (g *Graph) Identities(n NodeID) []Identity {
	ids := append([]Identity(nil), g.nodes[g.find(n)].ids...)
	sort.Slice(ids, func(i, j int) bool { return IdentityLess(ids[i], ids[j]) })
	return ids
}

func (g *Graph) minIdentity(ids []Identity) Identity {
	best := ids[0]
	for _, id := range ids[1:] {
		if IdentityLess(id, best) {
			best = id
		}
	}
	return best
}

func (g *Graph) addEdge(from NodeID, l Label, to NodeID) {
	nf, nt := g.nodes[from], g.nodes[to]
	if nf.out[l] == nil {
		nf.out[l] = make(edgeSet)
	}
	if nt.in[l] == nil {
		nt.in[l] = make(edgeSet)
	}
	nf.out[l][to] = struct{}{}
	nt.in[l][from] = struct{}{}
	if len(nf.out[l]) > 1 {
		g.pending[from] = struct{}{}
	}
}

// AddEdge records from --l--> to between the representatives of both ends.
// The graph may temporarily hold several targets under one label; Normalize
// restores the single-target invariant.
func (g *Graph) AddEdge(from NodeID, l Label, to NodeID) {
	g.addEdge(g.find(from), l, g.find(to))
}

// Targets returns the representatives n points to under l, sorted.
func (g *Graph) Targets(n NodeID, l Label) []NodeID {
	set := g.nodes[g.find(n)].out[l]
	ts := make([]NodeID, 0, len(set))
	for t := range set {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

// Target returns the target of n under l. When the graph is not normalized
// and several targets exist, the lowest NodeID wins.
func (g *Graph) Target(n NodeID, l Label) (NodeID, bool) {
	set := g.nodes[g.find(n)].out[l]
	if len(set) == 0 {
		return 0, false
	}
	best := NodeID(-1)
	for t := range set {
		if best < 0 || t < best {
			best = t
		}
	}
	return best, true
}

// TargetOrCreate returns the target of n under l, minting a synthetic
// location owned by proc when there is none.
func (g *Graph) TargetOrCreate(proc ir.ProcID, n NodeID, l Label, name string) NodeID {
	if t, ok := g.Target(n, l); ok {
		return t
	}
	label := name
	if label == "" {
		base := g.NodeLabel(n)
		switch l.Kind {
		case LabelDeref:
			label = "*" + base
		case LabelGuard:
			label = "guard(" + base + ")"
		default:
			label = fmt.Sprintf("%s.%d", base, l.Field)
		}
	}
	t := g.Fresh(proc, label)
	g.addEdge(g.find(n), l, t)
	return t
}

// Resolve returns the node denoted by place in proc, creating dereference
// and field targets on demand. Index and downcast projections are not
// modeled and yield ir.ErrUnsupported together with the node resolved so far.
func (g *Graph) Resolve(proc ir.ProcID, place ir.Place) (NodeID, error) {
	n := g.LocalNode(proc, place.Local)
	for _, p := range place.Projection {
		switch p.Kind {
		case ir.ProjDeref:
			n = g.TargetOrCreate(proc, n, DerefLabel, "")
		case ir.ProjField:
			name := ""
			if p.Name != "" {
				name = strings.TrimPrefix(g.NodeLabel(n), "*") + "." + p.Name
			}
			n = g.TargetOrCreate(proc, n, FieldLabel(p.Field), name)
		default:
			return n, fmt.Errorf("%w: projection of %s in %s", ir.ErrUnsupported, place, proc)
		}
	}
	return n, nil
}

// MarkLock records that n holds a lock constructed at pos. The construction
// site is the smallest identity of n at the time of the call.
func (g *Graph) MarkLock(n NodeID, pos token.Pos) {
	nd := g.nodes[g.find(n)]
	site := g.minIdentity(nd.ids)
	nd.lock = true
	for _, s := range nd.sites {
		if s == site {
			return
		}
	}
	nd.sites = append(nd.sites, site)
	g.sitePos[site] = pos
}

// IsLock reports whether n holds a constructed lock.
func (g *Graph) IsLock(n NodeID) bool { return g.nodes[g.find(n)].lock }

// LockIdentity names the lock held at n: its smallest construction site,
// or its smallest identity when the lock was never seen constructed.
func (g *Graph) LockIdentity(n NodeID) Identity {
	nd := g.nodes[g.find(n)]
	if len(nd.sites) > 0 {
		return g.minIdentity(nd.sites)
	}
	return g.minIdentity(nd.ids)
}

// SitePos returns the construction position recorded for a lock site.
func (g *Graph) SitePos(id Identity) token.Pos { return g.sitePos[id] }

// Unify merges the locations of x and y and returns the surviving
// representative. The node with the larger degree survives. Unifying a node
// with itself is a no-op.
func (g *Graph) Unify(x, y NodeID) NodeID {
	x, y = g.find(x), g.find(y)
	if x == y {
		return x
	}
	if g.nodes[y].degree() > g.nodes[x].degree() {
		x, y = y, x
	}
	g.merge(x, y)
	g.merges++
	return x
}

// merge moves every edge and identity of root y onto root x.
func (g *Graph) merge(x, y NodeID) {
	nx, ny := g.nodes[x], g.nodes[y]
	g.parent[y] = x

	for l, targets := range ny.out {
		for t := range targets {
			to := t
			if t == y {
				to = x
			} else {
				delete(g.nodes[t].in[l], y)
			}
			g.addEdge(x, l, to)
		}
	}
	for l, sources := range ny.in {
		for s := range sources {
			if s == y {
				continue
			}
			delete(g.nodes[s].out[l], y)
			g.addEdge(s, l, x)
		}
	}

	nx.ids = append(nx.ids, ny.ids...)
	nx.sites = append(nx.sites, ny.sites...)
	nx.lock = nx.lock || ny.lock
	ny.ids, ny.sites, ny.out, ny.in = nil, nil, nil, nil
	delete(g.pending, y)
}

// multiLabel returns the smallest label under which n has several targets.
func (g *Graph) multiLabel(n NodeID) (Label, bool) {
	var best Label
	found := false
	for l, ts := range g.nodes[n].out {
		if len(ts) > 1 && (!found || labelLess(l, best)) {
			best, found = l, true
		}
	}
	return best, found
}

// Normalize is the congruence-closure pass: while some node has several
// targets under one label, those targets are unified. Each unification may
// leave the survivor with several targets under its own labels, so it is
// queued again. On return every node has at most one target per label.
func (g *Graph) Normalize() {
	var work []NodeID
	for i := range g.nodes {
		n := NodeID(i)
		if g.parent[n] != n {
			continue
		}
		if _, multi := g.multiLabel(n); multi {
			work = append(work, n)
		}
	}
	for n := range g.pending {
		work = append(work, n)
	}
	g.pending = make(map[NodeID]struct{})
	sort.Slice(work, func(i, j int) bool { return work[i] < work[j] })

	for len(work) > 0 {
		n := work[len(work)-1]
		work = work[:len(work)-1]
		for {
			n = g.find(n)
			l, multi := g.multiLabel(n)
			if !multi {
				break
			}
			ts := g.Targets(n, l)
			work = append(work, g.Unify(ts[0], ts[1]))
		}
	}
	g.pending = make(map[NodeID]struct{})
}

// InvariantError is the panic value raised when the merge invariant is
// violated. It is the only failure that aborts a whole analysis run.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "alias: merge invariant violated: " + e.Msg }

func invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// Protect runs fn and turns a panic into an error naming proc. An
// *InvariantError is re-raised.
func Protect(proc ir.ProcID, fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if inv, ok := r.(*InvariantError); ok {
			panic(inv)
		}
		err = fmt.Errorf("%s: %v", proc, r)
	}()
	fn()
	return nil
}

// CheckInvariants panics when the graph violates the merge invariant: an
// identity claimed by two representatives, or edges touching a merged node.
// When normalized is set it also checks the single-target invariant.
func (g *Graph) CheckInvariants(normalized bool) {
	owner := make(map[Identity]NodeID)
	for i, nd := range g.nodes {
		n := NodeID(i)
		if g.parent[n] != n {
			if len(nd.ids) != 0 || len(nd.out) != 0 || len(nd.in) != 0 {
				panic(invariantf("merged node %d still owns state", n))
			}
			continue
		}
		for _, id := range nd.ids {
			if prev, dup := owner[id]; dup {
				panic(invariantf("identity %s claimed by nodes %d and %d", id, prev, n))
			}
			owner[id] = n
			if g.find(g.byID[id]) != n {
				panic(invariantf("identity %s does not resolve to its owner %d", id, n))
			}
		}
		for l, ts := range nd.out {
			if normalized && len(ts) > 1 {
				panic(invariantf("node %d has %d targets under %s", n, len(ts), l))
			}
			for t := range ts {
				if g.parent[t] != t {
					panic(invariantf("node %d points to merged node %d", n, t))
				}
			}
		}
	}
}

// String dumps every representative with its class and edges. The format is
// for debugging only.
func (g *Graph) String() string {
	type row struct {
		key  Identity
		node NodeID
	}
	var rows []row
	for i := range g.nodes {
		n := NodeID(i)
		if g.parent[n] == n {
			rows = append(rows, row{g.minIdentity(g.nodes[n].ids), n})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return IdentityLess(rows[i].key, rows[j].key) })

	var b strings.Builder
	fmt.Fprintf(&b, "alias graph (%d classes, %d merges):\n", len(rows), g.merges)
	for _, r := range rows {
		nd := g.nodes[r.node]
		names := make([]string, 0, len(nd.ids))
		for _, id := range g.Identities(r.node) {
			names = append(names, g.Label(id))
		}
		lock := ""
		if nd.lock {
			lock = " [lock]"
		}
		fmt.Fprintf(&b, "  n%d%s {%s}\n", r.node, lock, strings.Join(names, ", "))
		labels := maps.Keys(nd.out)
		sort.Slice(labels, func(i, j int) bool { return labelLess(labels[i], labels[j]) })
		for _, l := range labels {
			for _, t := range g.Targets(r.node, l) {
				fmt.Fprintf(&b, "    --%s--> n%d (%s)\n", l, t, g.NodeLabel(t))
			}
		}
	}
	return b.String()
}
