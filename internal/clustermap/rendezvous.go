package clustermap

import (
	"hash/fnv"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Rendezvous assigns keys to devices by weighted rendezvous hashing
// (highest random weight). Members are cluster device orders. A member's
// share of keys is proportional to its weight, and adding a member only
// moves the keys it wins.
type Rendezvous struct {
	mu      sync.RWMutex
	members map[int64]uint64
	list    []int64 // cached sorted orders, rebuilt on Add
}

// NewRendezvous creates an empty hash
func NewRendezvous() *Rendezvous {
	return &Rendezvous{members: make(map[int64]uint64)}
}

// Add adds or reweights a member. A zero weight counts as one.
func (r *Rendezvous) Add(order int64, weight uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if weight == 0 {
		weight = 1
	}
	_, exists := r.members[order]
	r.members[order] = weight
	if !exists {
		r.rebuild()
	}
}

// rebuild refreshes the cached member list. Must be called with mu held.
func (r *Rendezvous) rebuild() {
	r.list = r.list[:0]
	for order := range r.members {
		r.list = append(r.list, order)
	}
	sort.Slice(r.list, func(i, j int) bool { return r.list[i] < r.list[j] })
}

// score is the weighted HRW score of order for key: weight / -ln(u) with u
// the member's hash mapped into (0, 1)
func score(key []byte, order int64, weight uint64) float64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.FormatInt(order, 10)))
	u := (float64(h.Sum64()>>11) + 0.5) / (1 << 53)
	return float64(weight) / -math.Log(u)
}

// Owner returns the member with the highest score for key
func (r *Rendezvous) Owner(key string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.list) == 0 {
		return 0, false
	}

	k := []byte(key)
	best := r.list[0]
	bestScore := -1.0
	for _, order := range r.list {
		if s := score(k, order, r.members[order]); s > bestScore {
			best, bestScore = order, s
		}
	}
	return best, true
}
