// Package graph maintains the AP interference graph derived from station
// reachability.
package graph

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/markus-lassfolk/airbalance/pkg"
)

// Graph is a serializable undirected conflict graph
type Graph struct {
	Nodes     []pkg.APID              `json:"nodes"`
	Adjacency map[pkg.APID][]pkg.APID `json:"adjacency"`
}

// Degree returns the number of neighbours of a node
func (g Graph) Degree(ap pkg.APID) int {
	return len(g.Adjacency[ap])
}

// Builder tracks which APs each station can reach and keeps a symmetric
// conflict edge between every two APs that share a station. Edges are only
// removed when one of their APs leaves.
type Builder struct {
	g     *simple.UndirectedGraph
	ids   map[pkg.APID]int64
	names map[int64]pkg.APID
	next  int64
	reach map[pkg.StationID]map[pkg.APID]struct{}
}

// NewBuilder creates an empty conflict graph builder
func NewBuilder() *Builder {
	return &Builder{
		g:     simple.NewUndirectedGraph(),
		ids:   make(map[pkg.APID]int64),
		names: make(map[int64]pkg.APID),
		reach: make(map[pkg.StationID]map[pkg.APID]struct{}),
	}
}

// AddAP registers an AP as a node without edges
func (b *Builder) AddAP(ap pkg.APID) {
	b.node(ap)
}

// RemoveAP drops the node and every edge touching it
func (b *Builder) RemoveAP(ap pkg.APID) {
	id, ok := b.ids[ap]
	if !ok {
		return
	}
	b.g.RemoveNode(id)
	delete(b.ids, ap)
	delete(b.names, id)
	for _, set := range b.reach {
		delete(set, ap)
	}
}

// RemoveStation forgets a station's reachability; existing edges stay
func (b *Builder) RemoveStation(station pkg.StationID) {
	delete(b.reach, station)
}

// Observe records that station can reach ap and links ap with every other
// AP the station reaches. It reports whether any edge was added.
func (b *Builder) Observe(station pkg.StationID, ap pkg.APID) bool {
	set, ok := b.reach[station]
	if !ok {
		set = make(map[pkg.APID]struct{})
		b.reach[station] = set
	}
	if _, seen := set[ap]; seen {
		return false
	}
	set[ap] = struct{}{}

	u := b.node(ap)
	added := false
	for other := range set {
		if other == ap {
			continue
		}
		v := b.node(other)
		if b.g.HasEdgeBetween(u.ID(), v.ID()) {
			continue
		}
		b.g.SetEdge(b.g.NewEdge(u, v))
		added = true
	}
	return added
}

// Conflicts reports whether two APs share an edge
func (b *Builder) Conflicts(a, c pkg.APID) bool {
	ia, ok := b.ids[a]
	if !ok {
		return false
	}
	ic, ok := b.ids[c]
	if !ok {
		return false
	}
	return b.g.HasEdgeBetween(ia, ic)
}

// Neighbors returns the APs in conflict with ap, ascending
func (b *Builder) Neighbors(ap pkg.APID) []pkg.APID {
	id, ok := b.ids[ap]
	if !ok {
		return nil
	}
	var out []pkg.APID
	nodes := b.g.From(id)
	for nodes.Next() {
		out = append(out, b.names[nodes.Node().ID()])
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Full returns every node, isolated ones included
func (b *Builder) Full() Graph {
	return b.export(true)
}

// SolverInput returns the graph restricted to APs with at least one conflict
func (b *Builder) SolverInput() Graph {
	return b.export(false)
}

// Isolated returns the APs without conflicts, ascending
func (b *Builder) Isolated() []pkg.APID {
	var out []pkg.APID
	for ap, id := range b.ids {
		if b.g.From(id).Len() == 0 {
			out = append(out, ap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Components returns the connected components with more than one AP,
// each sorted, ordered by their first member
func (b *Builder) Components() [][]pkg.APID {
	var out [][]pkg.APID
	for _, comp := range topo.ConnectedComponents(b.g) {
		if len(comp) < 2 {
			continue
		}
		aps := make([]pkg.APID, 0, len(comp))
		for _, n := range comp {
			aps = append(aps, b.names[n.ID()])
		}
		sort.Slice(aps, func(i, j int) bool { return aps[i] < aps[j] })
		out = append(out, aps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// EdgeCount returns the number of conflict edges
func (b *Builder) EdgeCount() int {
	return b.g.Edges().Len()
}

func (b *Builder) export(includeIsolated bool) Graph {
	out := Graph{Adjacency: make(map[pkg.APID][]pkg.APID)}
	for ap := range b.ids {
		nbrs := b.Neighbors(ap)
		if len(nbrs) == 0 && !includeIsolated {
			continue
		}
		out.Nodes = append(out.Nodes, ap)
		out.Adjacency[ap] = nbrs
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i] < out.Nodes[j] })
	return out
}

func (b *Builder) node(ap pkg.APID) simple.Node {
	if id, ok := b.ids[ap]; ok {
		return simple.Node(id)
	}
	id := b.next
	b.next++
	b.ids[ap] = id
	b.names[id] = ap
	b.g.AddNode(simple.Node(id))
	return simple.Node(id)
}
