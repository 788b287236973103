// Package cluster provides device-ownership resolution across a static peer
// set and the transport that relays subscription traffic between nodes.
package cluster

import (
	"hash/fnv"
	"sync"

	"github.com/voltaic-io/telemux/internal/telemetry"
)

// Ring resolves the owning node for a device over a static peer set using
// rendezvous (highest-random-weight) hashing: every node scores every device
// and the highest score owns it. Adding or removing one peer only moves the
// devices that hashed to it.
type Ring struct {
	mu    sync.RWMutex
	self  string
	peers []string
}

// NewRing builds a ring for the local advertise address and its peers. The
// local address is excluded from the peer list if present.
func NewRing(self string, peers []string) *Ring {
	r := &Ring{self: self}
	r.SetPeers(peers)
	return r
}

// SetPeers swaps the peer set. The caller is expected to follow up with the
// manager's OnTopologyChanged to rebalance registrations.
func (r *Ring) SetPeers(peers []string) {
	cp := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != "" && p != r.self {
			cp = append(cp, p)
		}
	}
	r.mu.Lock()
	r.peers = cp
	r.mu.Unlock()
}

// Peers returns a copy of the current peer set.
func (r *Ring) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.peers...)
}

// Self returns the local advertise address.
func (r *Ring) Self() string { return r.self }

// Resolve returns the owning node's address for a device, or ok=false when
// the local node owns it.
func (r *Ring) Resolve(device telemetry.DeviceID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := r.self
	bestScore := score(r.self, device)
	for _, p := range r.peers {
		if s := score(p, device); s > bestScore || (s == bestScore && p > best) {
			best, bestScore = p, s
		}
	}
	if best == r.self {
		return "", false
	}
	return best, true
}

func score(node string, device telemetry.DeviceID) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(node))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(device))
	return h.Sum64()
}
