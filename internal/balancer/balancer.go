// Package balancer selects one replica from a candidate list.
package balancer

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/dousnl-han/vertx-dispatcher/internal/registry"
)

// RequestInfo carries request attributes to the selection policies. The
// current policies do not consult it; it exists so future policies (session
// affinity, path hashing) can.
type RequestInfo struct {
	Method string
	Path   string
}

// Policy selects exactly one replica from a non-empty candidate list.
// A nil or empty list yields nil.
type Policy interface {
	Select(replicas []*registry.Replica, req *RequestInfo) *registry.Replica
}

// RoundRobin rotates through the candidate list with an atomic counter.
type RoundRobin struct {
	current atomic.Uint64
}

// NewRoundRobin creates a round-robin policy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select returns the next replica in rotation.
func (b *RoundRobin) Select(replicas []*registry.Replica, _ *RequestInfo) *registry.Replica {
	if len(replicas) == 0 {
		return nil
	}
	idx := b.current.Add(1) - 1
	return replicas[idx%uint64(len(replicas))]
}

// Random picks a uniformly random replica.
type Random struct{}

// NewRandom creates a random policy.
func NewRandom() *Random {
	return &Random{}
}

// Select returns a uniformly random replica.
func (b *Random) Select(replicas []*registry.Replica, _ *RequestInfo) *registry.Replica {
	if len(replicas) == 0 {
		return nil
	}
	return replicas[secureRandomInt(len(replicas))]
}

// WeightedRandom picks a replica with probability proportional to its
// weight. A zero total weight degrades to uniform random.
type WeightedRandom struct {
	random Random
}

// NewWeightedRandom creates a weighted-random policy.
func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{}
}

// Select draws r in [0, totalWeight) and returns the first replica whose
// running weight sum exceeds r.
func (b *WeightedRandom) Select(replicas []*registry.Replica, req *RequestInfo) *registry.Replica {
	if len(replicas) == 0 {
		return nil
	}

	totalWeight := 0
	for _, replica := range replicas {
		totalWeight += replica.Weight
	}
	if totalWeight == 0 {
		return b.random.Select(replicas, req)
	}

	r := secureRandomInt(totalWeight)
	for _, replica := range replicas {
		r -= replica.Weight
		if r < 0 {
			return replica
		}
	}

	return replicas[len(replicas)-1]
}

// LeastConnections returns the first healthy replica, falling back to the
// first replica when none are healthy. A richer implementation could track
// in-flight counts per replica.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections policy.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Select returns the first healthy replica, or the first replica.
func (b *LeastConnections) Select(replicas []*registry.Replica, _ *RequestInfo) *registry.Replica {
	if len(replicas) == 0 {
		return nil
	}
	for _, replica := range replicas {
		if replica.Healthy() {
			return replica
		}
	}
	return replicas[0]
}

// Policy algorithm names.
const (
	AlgorithmRoundRobin       = "round-robin"
	AlgorithmRandom           = "random"
	AlgorithmWeightedRandom   = "weighted-random"
	AlgorithmLeastConnections = "least-connections"
)

// New creates a policy by algorithm name. Unknown names yield the default
// weighted-random policy.
func New(algorithm string) Policy {
	switch algorithm {
	case AlgorithmRoundRobin:
		return NewRoundRobin()
	case AlgorithmRandom:
		return NewRandom()
	case AlgorithmLeastConnections:
		return NewLeastConnections()
	default:
		return NewWeightedRandom()
	}
}

// secureRandomInt returns a cryptographically secure random int in [0, n).
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n))
}
