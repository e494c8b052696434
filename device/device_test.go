package device

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntimeDevices(t *testing.T) {
	r := newTestRuntime(t, 3)
	require.Equal(t, 3, r.NumDevices())
	require.Len(t, r.Devices(), 3)
	for i := range 3 {
		require.Equal(t, i, r.Device(i).Num())
		require.Same(t, r, r.Device(i).Runtime())
	}
	require.Panics(t, func() { r.Device(3) })
	require.Panics(t, func() { r.Device(-1) })
	require.Panics(t, func() { NewRuntime(0) })
}

func TestCurrentStream(t *testing.T) {
	r := newTestRuntime(t, 2)
	d := r.Device(0)
	require.Same(t, d.DefaultStream(), d.CurrentStream())

	s := d.NewStream()
	prev := d.SetCurrentStream(s)
	require.Same(t, d.DefaultStream(), prev)
	require.Same(t, s, d.CurrentStream())
	d.SetCurrentStream(prev)

	// A stream of another device cannot become current here.
	require.Panics(t, func() { d.SetCurrentStream(r.Device(1).DefaultStream()) })
}

func TestDeviceSynchronize(t *testing.T) {
	r := newTestRuntime(t, 1)
	d := r.Device(0)
	var completed atomic.Int32
	for range 4 {
		s := d.NewStream()
		s.Submit(func() { completed.Add(1) })
	}
	d.Synchronize()
	require.Equal(t, int32(4), completed.Load())
}

func TestRuntimeSynchronize(t *testing.T) {
	r := newTestRuntime(t, 3)
	var completed atomic.Int32
	for _, d := range r.Devices() {
		d.DefaultStream().Submit(func() { completed.Add(1) })
	}
	r.Synchronize()
	require.Equal(t, int32(3), completed.Load())
}
