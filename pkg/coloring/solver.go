// Package coloring assigns channels to conflicting APs with a backtracking
// constraint solver.
package coloring

import (
	"sort"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/graph"
)

// Options controls one solver run
type Options struct {
	// Channels is the color set, tried in ascending order
	Channels []pkg.Channel
	// Domains optionally restricts individual APs to a subset of Channels
	Domains map[pkg.APID][]pkg.Channel
	// Prune drops a channel from the remaining search once the estimated
	// utilization of the APs tentatively on it falls below PruneThreshold
	Prune          bool
	PruneThreshold float64
	Utilization    map[pkg.APID]float64
}

// Result is the outcome of a solver run. Assignment is only meaningful when
// Feasible is true.
type Result struct {
	Assignment map[pkg.APID]pkg.Channel `json:"assignment"`
	Feasible   bool                     `json:"feasible"`
	Steps      int                      `json:"steps"`
	Pruned     []pkg.Channel            `json:"pruned,omitempty"`
}

// Change is one AP whose channel differs between two assignments
type Change struct {
	AP   pkg.APID    `json:"ap"`
	From pkg.Channel `json:"from"`
	To   pkg.Channel `json:"to"`
}

type search struct {
	g        graph.Graph
	opts     Options
	channels []pkg.Channel
	active   map[pkg.Channel]bool
	domains  map[pkg.APID]map[pkg.Channel]bool
	assign   map[pkg.APID]pkg.Channel
	pruned   []pkg.Channel
	steps    int
}

// Solve colors g with opts.Channels so that no edge joins two APs on the
// same channel. Variables are picked most-constrained first, then
// most-constraining, then by id.
func Solve(g graph.Graph, opts Options) Result {
	channels := append([]pkg.Channel(nil), opts.Channels...)
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	channels = dedupe(channels)

	s := &search{
		g:        g,
		opts:     opts,
		channels: channels,
		active:   make(map[pkg.Channel]bool, len(channels)),
		domains:  make(map[pkg.APID]map[pkg.Channel]bool, len(opts.Domains)),
		assign:   make(map[pkg.APID]pkg.Channel, len(g.Nodes)),
	}
	for _, c := range channels {
		s.active[c] = true
	}
	for ap, dom := range opts.Domains {
		if len(dom) == 0 {
			continue
		}
		set := make(map[pkg.Channel]bool, len(dom))
		for _, c := range dom {
			set[c] = true
		}
		s.domains[ap] = set
	}

	if !s.solve() {
		return Result{Feasible: false, Steps: s.steps, Pruned: s.pruned}
	}
	return Result{Assignment: s.assign, Feasible: true, Steps: s.steps, Pruned: s.pruned}
}

func (s *search) solve() bool {
	node, ok := s.pick()
	if !ok {
		return true
	}

	// The candidate list is fixed before trying; pruning only affects
	// deeper levels.
	for _, c := range s.candidates(node) {
		s.steps++
		s.assign[node] = c
		if s.opts.Prune && s.active[c] && s.estimate(c) < s.opts.PruneThreshold {
			s.active[c] = false
			s.pruned = append(s.pruned, c)
		}
		if s.solve() {
			return true
		}
		delete(s.assign, node)
	}
	return false
}

// pick returns the next uncolored node
func (s *search) pick() (pkg.APID, bool) {
	var best pkg.APID
	bestForbidden, bestFree := -1, -1
	for _, n := range s.g.Nodes {
		if _, done := s.assign[n]; done {
			continue
		}
		forbidden, free := s.degrees(n)
		better := forbidden > bestForbidden ||
			(forbidden == bestForbidden && free > bestFree) ||
			(forbidden == bestForbidden && free == bestFree && n < best)
		if better {
			best, bestForbidden, bestFree = n, forbidden, free
		}
	}
	return best, bestForbidden >= 0
}

// degrees returns the number of distinct colors on colored neighbours and
// the number of uncolored neighbours
func (s *search) degrees(n pkg.APID) (int, int) {
	used := make(map[pkg.Channel]struct{})
	free := 0
	for _, nb := range s.g.Adjacency[n] {
		if c, ok := s.assign[nb]; ok {
			used[c] = struct{}{}
		} else {
			free++
		}
	}
	return len(used), free
}

func (s *search) candidates(n pkg.APID) []pkg.Channel {
	forbidden := make(map[pkg.Channel]bool)
	for _, nb := range s.g.Adjacency[n] {
		if c, ok := s.assign[nb]; ok {
			forbidden[c] = true
		}
	}
	dom := s.domains[n]
	var out []pkg.Channel
	for _, c := range s.channels {
		if !s.active[c] || forbidden[c] {
			continue
		}
		if dom != nil && !dom[c] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// estimate sums the utilization of APs tentatively assigned channel c
func (s *search) estimate(c pkg.Channel) float64 {
	var total float64
	for ap, ch := range s.assign {
		if ch == c {
			total += s.opts.Utilization[ap]
		}
	}
	return total
}

// Valid reports whether assignment colors every node of g and no edge
// joins two APs on the same channel
func Valid(g graph.Graph, assignment map[pkg.APID]pkg.Channel) bool {
	for _, n := range g.Nodes {
		c, ok := assignment[n]
		if !ok {
			return false
		}
		for _, nb := range g.Adjacency[n] {
			if assignment[nb] == c {
				return false
			}
		}
	}
	return true
}

// Diff lists the APs whose proposed channel differs from the current one,
// ordered by AP id
func Diff(current, proposed map[pkg.APID]pkg.Channel) []Change {
	var out []Change
	for ap, to := range proposed {
		if from := current[ap]; from != to {
			out = append(out, Change{AP: ap, From: from, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AP < out[j].AP })
	return out
}

func dedupe(sorted []pkg.Channel) []pkg.Channel {
	out := sorted[:0]
	for i, c := range sorted {
		if i == 0 || c != sorted[i-1] {
			out = append(out, c)
		}
	}
	return out
}
