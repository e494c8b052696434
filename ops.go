package godist

import "fmt"

// ReduceOpType selects among the basic types of reduction supported by
// AllReduce.
type ReduceOpType int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOpType = iota

	// ReduceOpSum reduces by summing all elements being reduced.
	ReduceOpSum

	// ReduceOpProduct reduces by multiplying all elements being reduced.
	ReduceOpProduct

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax

	// ReduceOpMin reduces by taking the minimum value.
	ReduceOpMin
)

// String implements fmt.Stringer.
func (r ReduceOpType) String() string {
	switch r {
	case ReduceOpUndefined:
		return "Undefined"
	case ReduceOpSum:
		return "Sum"
	case ReduceOpProduct:
		return "Product"
	case ReduceOpMax:
		return "Max"
	case ReduceOpMin:
		return "Min"
	}
	return fmt.Sprintf("ReduceOpType(%d)", int(r))
}

// ReduceOpTypeString returns the ReduceOpType whose String() is s, mirroring
// the names accepted on command lines.
func ReduceOpTypeString(s string) (ReduceOpType, error) {
	for _, r := range []ReduceOpType{ReduceOpSum, ReduceOpProduct, ReduceOpMax, ReduceOpMin} {
		if r.String() == s {
			return r, nil
		}
	}
	return ReduceOpUndefined, fmt.Errorf("%q does not name a ReduceOpType", s)
}

// BroadcastOptions configures ProcessGroup.Broadcast.
type BroadcastOptions struct {
	// RootRank is the rank of the process whose tensor is broadcast.
	RootRank int

	// RootTensor indexes which of the root process's tensors is the source,
	// when it drives more than one device. Usually 0.
	RootTensor int
}

// AllreduceOptions configures ProcessGroup.AllReduce.
type AllreduceOptions struct {
	// Op is the reduction to apply. The zero value is ReduceOpUndefined,
	// which is rejected: pick one explicitly, typically ReduceOpSum.
	Op ReduceOpType
}
