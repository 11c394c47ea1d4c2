package decision

import (
	"cmp"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SpreadResult describes one robust-spread test over a population
type SpreadResult[K cmp.Ordered] struct {
	Breach bool    `json:"breach"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
	MaxID  K       `json:"max_id"`
	Count  int     `json:"count"`
}

// Spread flags a population when max - min exceeds its median. The
// maximal entity is reported in MaxID, ties going to the lowest id. An
// empty population never breaches.
func Spread[K cmp.Ordered](values map[K]float64) SpreadResult[K] {
	var res SpreadResult[K]
	if len(values) == 0 {
		return res
	}

	ids := make([]K, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	vals := make([]float64, len(ids))
	for i, id := range ids {
		vals[i] = values[id]
	}

	res.Count = len(vals)
	res.Max = floats.Max(vals)
	res.Min = floats.Min(vals)
	res.MaxID = ids[floats.MaxIdx(vals)]
	res.Median = median(vals)
	if len(vals) > 1 {
		res.StdDev = stat.StdDev(vals, nil)
	}
	res.Breach = res.Max-res.Min > res.Median
	return res
}

// median averages the two middle values for even-sized input
func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Sustained counts consecutive observations in which an entity is the
// maximal outlier of a breaching population
type Sustained[K cmp.Ordered] struct {
	required int
	counters map[K]int
}

// NewSustained creates a counter set that becomes actionable after
// required consecutive outlier observations
func NewSustained[K cmp.Ordered](required int) *Sustained[K] {
	if required < 1 {
		required = 1
	}
	return &Sustained[K]{required: required, counters: make(map[K]int)}
}

// Observe tests values and advances the counter of subject. The subject's
// counter increments only if it is the max outlier under a breach; on
// reaching the required count it is actionable and reset. Every entity
// that is not the current max outlier is reset.
func (s *Sustained[K]) Observe(values map[K]float64, subject K) (bool, SpreadResult[K]) {
	res := Spread(values)

	for id := range s.counters {
		if !res.Breach || id != res.MaxID {
			delete(s.counters, id)
		}
	}
	if !res.Breach || res.MaxID != subject {
		return false, res
	}

	s.counters[subject]++
	if s.counters[subject] >= s.required {
		delete(s.counters, subject)
		return true, res
	}
	return false, res
}

// Count returns the current counter of an entity
func (s *Sustained[K]) Count(id K) int {
	return s.counters[id]
}

// Reset zeroes the counter of an entity
func (s *Sustained[K]) Reset(id K) {
	delete(s.counters, id)
}

// Counters returns a copy of all non-zero counters
func (s *Sustained[K]) Counters() map[K]int {
	out := make(map[K]int, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}
