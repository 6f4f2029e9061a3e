// Package index holds the small set of domain types shared by every part of
// the settlement core.
package index

import (
	"fmt"
	"sort"
	"strings"
)

// SubnetID identifies a subnet token on the underlying network.
type SubnetID uint16

// TotalBasisPoints is the exact integer total every committed weight
// distribution must sum to.
const TotalBasisPoints = 10000

// WeightsBps maps subnet ids to integer basis-point weights.
type WeightsBps map[SubnetID]uint32

// Sum returns the basis-point total of the map.
func (w WeightsBps) Sum() uint32 {
	var total uint32
	for _, bps := range w {
		total += bps
	}
	return total
}

// SortedIDs returns the subnet ids in ascending order. Deterministic
// iteration order is load-bearing everywhere weights are serialized or
// remainders are distributed.
func (w WeightsBps) SortedIDs() []SubnetID {
	ids := make([]SubnetID, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Canonical returns the bit-exact canonical serialization of the weight map:
// ascending subnet ids, "netuid=bps" pairs joined by ";". This string is the
// preimage of the published weights hash, so its format must never change.
func (w WeightsBps) Canonical() string {
	var b strings.Builder
	for i, id := range w.SortedIDs() {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%d=%d", id, w[id])
	}
	return b.String()
}

// Basket maps subnet ids to quantities in base units.
type Basket map[SubnetID]uint64

// Clone returns a copy of the basket.
func (b Basket) Clone() Basket {
	out := make(Basket, len(b))
	for id, qty := range b {
		out[id] = qty
	}
	return out
}
