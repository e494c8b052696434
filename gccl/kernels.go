package gccl

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
)

// supportedDType reports whether gccl collectives can operate on dtype.
// Booleans and complex numbers are not supported.
func supportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

// apply runs the round's collective over the member buffers. It is called by
// the round's last arrival while every other member is parked, so it has
// exclusive access to all the entries.
func apply(desc opDescriptor, entries []roundEntry) {
	switch desc.kind {
	case opBroadcast:
		applyBroadcast(desc.root, entries)
	case opAllReduce:
		applyAllReduce(desc.op, desc.dtype, entries)
	default:
		exceptions.Panicf("gccl: cannot apply unknown collective %s", desc)
	}
}

func applyBroadcast(root int, entries []roundEntry) {
	var src *device.Tensor
	for _, e := range entries {
		if e.rank == root {
			src = e.tensor
			break
		}
	}
	if src == nil {
		exceptions.Panicf("gccl: broadcast root rank %d not among the round's %d entries", root, len(entries))
	}
	for _, e := range entries {
		if e.tensor != src {
			copyTensorData(e.tensor, src)
		}
	}
}

func copyTensorData(dst, src *device.Tensor) {
	switch dst.DType() {
	case dtypes.Float32:
		copyFlat[float32](dst, src)
	case dtypes.Float64:
		copyFlat[float64](dst, src)
	case dtypes.Float16:
		copyFlat[float16.Float16](dst, src)
	case dtypes.BFloat16:
		copyFlat[bfloat16.BFloat16](dst, src)
	case dtypes.Int8:
		copyFlat[int8](dst, src)
	case dtypes.Int16:
		copyFlat[int16](dst, src)
	case dtypes.Int32:
		copyFlat[int32](dst, src)
	case dtypes.Int64:
		copyFlat[int64](dst, src)
	case dtypes.Uint8:
		copyFlat[uint8](dst, src)
	case dtypes.Uint16:
		copyFlat[uint16](dst, src)
	case dtypes.Uint32:
		copyFlat[uint32](dst, src)
	case dtypes.Uint64:
		copyFlat[uint64](dst, src)
	default:
		exceptions.Panicf("gccl: cannot copy dtype %s", dst.DType())
	}
}

func copyFlat[T dtypes.Supported](dst, src *device.Tensor) {
	copy(device.Flat[T](dst), device.Flat[T](src))
}

func applyAllReduce(op godist.ReduceOpType, dtype dtypes.DType, entries []roundEntry) {
	switch dtype {
	case dtypes.Float32:
		reduceEntries(numericCombine[float32](op), entries)
	case dtypes.Float64:
		reduceEntries(numericCombine[float64](op), entries)
	case dtypes.Float16:
		reduceEntries(float16Combine(op), entries)
	case dtypes.BFloat16:
		reduceEntries(bfloat16Combine(op), entries)
	case dtypes.Int8:
		reduceEntries(numericCombine[int8](op), entries)
	case dtypes.Int16:
		reduceEntries(numericCombine[int16](op), entries)
	case dtypes.Int32:
		reduceEntries(numericCombine[int32](op), entries)
	case dtypes.Int64:
		reduceEntries(numericCombine[int64](op), entries)
	case dtypes.Uint8:
		reduceEntries(numericCombine[uint8](op), entries)
	case dtypes.Uint16:
		reduceEntries(numericCombine[uint16](op), entries)
	case dtypes.Uint32:
		reduceEntries(numericCombine[uint32](op), entries)
	case dtypes.Uint64:
		reduceEntries(numericCombine[uint64](op), entries)
	default:
		exceptions.Panicf("gccl: cannot reduce dtype %s", dtype)
	}
}

// reduceEntries folds every member buffer into the first entry's buffer and
// then fans the result back out, leaving all members with the reduction.
func reduceEntries[T dtypes.Supported](combine func(a, b T) T, entries []roundEntry) {
	acc := device.Flat[T](entries[0].tensor)
	for _, e := range entries[1:] {
		for ii, v := range device.Flat[T](e.tensor) {
			acc[ii] = combine(acc[ii], v)
		}
	}
	for _, e := range entries[1:] {
		copy(device.Flat[T](e.tensor), acc)
	}
}

func numericCombine[T dtypes.NumberNotComplex](op godist.ReduceOpType) func(a, b T) T {
	switch op {
	case godist.ReduceOpSum:
		return func(a, b T) T { return a + b }
	case godist.ReduceOpProduct:
		return func(a, b T) T { return a * b }
	case godist.ReduceOpMax:
		return func(a, b T) T {
			if a > b {
				return a
			}
			return b
		}
	case godist.ReduceOpMin:
		return func(a, b T) T {
			if a < b {
				return a
			}
			return b
		}
	default:
		exceptions.Panicf("gccl: cannot reduce with %s", op)
	}
	return nil
}

// float16Combine computes in float32 and converts back, like hardware
// half-precision accumulators do.
func float16Combine(op godist.ReduceOpType) func(a, b float16.Float16) float16.Float16 {
	combine := numericCombine[float32](op)
	return func(a, b float16.Float16) float16.Float16 {
		return float16.Fromfloat32(combine(a.Float32(), b.Float32()))
	}
}

func bfloat16Combine(op godist.ReduceOpType) func(a, b bfloat16.BFloat16) bfloat16.BFloat16 {
	combine := numericCombine[float32](op)
	return func(a, b bfloat16.BFloat16) bfloat16.BFloat16 {
		return bfloat16.FromFloat32(combine(a.Float32(), b.Float32()))
	}
}
