package vclock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidNode is returned when a caller tries to advance a clock entry it
// does not own. This is a programmer error: component boundaries are supposed
// to make it impossible, so callers should treat it as fatal rather than retry.
var ErrInvalidNode = errors.New("vclock: increment by non-owner node")

// VectorClock tracks causal ordering across replica nodes.
// Each entry maps a node ID to a logical counter; an absent node reads as 0.
type VectorClock map[string]uint64

// New creates an empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Parse deserializes a vector clock from JSON bytes.
func Parse(data []byte) (VectorClock, error) {
	if len(data) == 0 {
		return New(), nil
	}
	vc := New()
	if err := json.Unmarshal(data, &vc); err != nil {
		return nil, fmt.Errorf("parse vector clock: %w", err)
	}
	return vc, nil
}

// Bytes serializes the clock to JSON. Go's encoder emits map keys in sorted
// order, so equal clocks always produce identical bytes.
func (vc VectorClock) Bytes() []byte {
	data, _ := json.Marshal(vc)
	return data
}

// Get returns the counter for a node (0 if absent).
func (vc VectorClock) Get(node string) uint64 {
	return vc[node]
}

// Incremented returns a copy of the clock with owner's counter advanced by one.
// Only the clock's owning node may advance its own entry; owner != node means
// the caller is stamping on behalf of someone else and gets ErrInvalidNode.
func (vc VectorClock) Incremented(owner, node string) (VectorClock, error) {
	if owner != node {
		return nil, fmt.Errorf("%w: %s stamping for %s", ErrInvalidNode, node, owner)
	}
	next := vc.Clone()
	next[owner]++
	return next, nil
}

// Merge combines two clocks by taking the max of each entry. The result is the
// causal frontier of both inputs; it is never used to order events.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := make(VectorClock, len(vc))
	for k, v := range vc {
		merged[k] = v
	}
	for k, v := range other {
		if v > merged[k] {
			merged[k] = v
		}
	}
	return merged
}

// Ordering represents the causal relationship between two vector clocks.
type Ordering int

const (
	Equal          Ordering = iota
	HappenedBefore          // vc < other
	HappenedAfter           // vc > other
	Concurrent              // neither dominates
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case HappenedBefore:
		return "happened-before"
	case HappenedAfter:
		return "happened-after"
	default:
		return "concurrent"
	}
}

// Compare determines the causal ordering between two vector clocks, pointwise
// over the union of keys with absent keys read as 0.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	allKeys := make(map[string]struct{}, len(vc)+len(other))
	for k := range vc {
		allKeys[k] = struct{}{}
	}
	for k := range other {
		allKeys[k] = struct{}{}
	}

	hasLess := false
	hasGreater := false

	for k := range allKeys {
		a := vc[k]
		b := other[k]
		if a < b {
			hasLess = true
		}
		if a > b {
			hasGreater = true
		}
		if hasLess && hasGreater {
			return Concurrent
		}
	}

	if hasLess && !hasGreater {
		return HappenedBefore
	}
	if hasGreater && !hasLess {
		return HappenedAfter
	}
	return Equal
}

// DominatesOrEquals reports whether every entry of other is <= the
// corresponding entry of vc.
func (vc VectorClock) DominatesOrEquals(other VectorClock) bool {
	ord := vc.Compare(other)
	return ord == HappenedAfter || ord == Equal
}

// Clone returns a deep copy of the vector clock.
func (vc VectorClock) Clone() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}

// Sum returns the total of all counters. The sum strictly increases along any
// causal chain (each new change bumps exactly one counter), which makes it
// usable as the weight component of last-writer tie-breaking.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}
	return total
}

// Nodes returns the sorted list of node IDs present in the clock.
func (vc VectorClock) Nodes() []string {
	nodes := make([]string, 0, len(vc))
	for k := range vc {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)
	return nodes
}
