package device

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/godist/internal/xsync"
)

// Tensor is a typed, shaped buffer resident on a device.
//
// Its contents are only touched by work running on the device's streams:
// CopyFromHost and CopyToHost issue on the device's current stream, and
// collective kernels run on whatever stream they were submitted to. Reading
// the buffer from the host without synchronizing first is a race.
type Tensor struct {
	device *Device
	dtype  dtypes.DType
	dims   []int
	size   int
	flat   any // []T with T = dtype.GoType(), len == size.
}

// NewTensor allocates a zero-initialized tensor of the given dtype and
// dimensions on the device. No dimensions make a scalar (one element).
func (d *Device) NewTensor(dtype dtypes.DType, dims ...int) *Tensor {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("%s.NewTensor: invalid dtype", d)
	}
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("%s.NewTensor: negative dimension in %v", d, dims)
		}
		size *= dim
	}
	flat := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface()
	return &Tensor{
		device: d,
		dtype:  dtype,
		dims:   slices.Clone(dims),
		size:   size,
		flat:   flat,
	}
}

// NewTensorFromFlat allocates a tensor on the device and initializes it from
// flat, whose length must match the product of dims. The copy is issued on
// the device's current stream; flat can be reused immediately.
func NewTensorFromFlat[T dtypes.Supported](d *Device, flat []T, dims ...int) *Tensor {
	t := d.NewTensor(dtypes.FromGenericsType[T](), dims...)
	t.CopyFromHost(flat)
	return t
}

// Device returns the device the tensor lives on.
func (t *Tensor) Device() *Device { return t.device }

// DType returns the tensor's element type.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dims returns a copy of the tensor's dimensions.
func (t *Tensor) Dims() []int { return slices.Clone(t.dims) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.size }

// Memory returns the buffer size in bytes.
func (t *Tensor) Memory() uintptr { return t.dtype.Memory() * uintptr(t.size) }

// SameShape reports whether other has the same dtype and dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return t.dtype == other.dtype && slices.Equal(t.dims, other.dims)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	dims := make([]string, len(t.dims))
	for i, dim := range t.dims {
		dims[i] = strconv.Itoa(dim)
	}
	return fmt.Sprintf("(%s)[%s]@%s", t.dtype, strings.Join(dims, " "), t.device)
}

func (t *Tensor) checkHostSlice(v reflect.Value, op string) {
	if v.Kind() != reflect.Slice {
		exceptions.Panicf("Tensor.%s: host buffer must be a slice, got %s", op, v.Kind())
	}
	if v.Type().Elem() != t.dtype.GoType() {
		exceptions.Panicf("Tensor.%s: host buffer is []%s, tensor is %s", op, v.Type().Elem(), t.dtype)
	}
	if v.Len() != t.size {
		exceptions.Panicf("Tensor.%s: host buffer has %d elements, tensor has %d", op, v.Len(), t.size)
	}
}

// CopyFromHost copies src (a []T matching the tensor's dtype and size) into
// the tensor, ordered on the device's current stream. It stages a copy of
// src, so the caller may reuse it immediately.
func (t *Tensor) CopyFromHost(src any) {
	v := reflect.ValueOf(src)
	t.checkHostSlice(v, "CopyFromHost")
	staged := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(staged, v)
	backing := reflect.ValueOf(t.flat)
	t.device.CurrentStream().Submit(func() {
		reflect.Copy(backing, staged)
	})
}

// CopyToHost copies the tensor into dst (a []T matching the tensor's dtype
// and size), ordered on the device's current stream. It blocks until the
// copy has executed.
func (t *Tensor) CopyToHost(dst any) {
	v := reflect.ValueOf(dst)
	t.checkHostSlice(v, "CopyToHost")
	backing := reflect.ValueOf(t.flat)
	done := xsync.NewLatch()
	t.device.CurrentStream().Submit(func() {
		reflect.Copy(v, backing)
		done.Trigger()
	})
	done.Wait()
}

// Flat returns the tensor's backing slice as []T, without synchronizing.
// It is meant for kernels running on the tensor's streams; host code should
// prefer CopyToHost or ToFlat. It panics if T does not match the dtype.
func Flat[T dtypes.Supported](t *Tensor) []T {
	want := dtypes.FromGenericsType[T]()
	if want != t.dtype {
		exceptions.Panicf("device.Flat[%s]: tensor is %s", want, t.dtype)
	}
	return t.flat.([]T)
}

// ToFlat copies the tensor to a freshly allocated []T, ordered on the
// device's current stream, blocking until done.
func ToFlat[T dtypes.Supported](t *Tensor) []T {
	out := make([]T, t.size)
	t.CopyToHost(out)
	return out
}
