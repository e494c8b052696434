// Package device implements the accelerator model the collective backends run
// on: a Runtime of numbered Devices, each with asynchronous Streams of work
// and Events to order them.
//
// The semantics mirror the usual accelerator programming model:
//
//   - Work submitted to a Stream executes in FIFO order, asynchronously with
//     respect to the caller and to other streams.
//   - An Event captures a point in a stream when recorded; other streams can
//     wait on it, and the host can query or block on it.
//   - Each Device has a default stream, and a settable "current" stream that
//     operations like tensor copies implicitly use.
//
// Every stream is backed by its own goroutine, so a stream blocked waiting on
// an event never stalls the others.
package device

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
)

// Runtime owns a fixed set of devices. Typically one Runtime per process,
// created at startup and finalized at exit.
type Runtime struct {
	devices []*Device

	mu        sync.Mutex
	finalized bool
}

// NewRuntime creates a runtime with numDevices devices, numbered from 0.
func NewRuntime(numDevices int) *Runtime {
	if numDevices <= 0 {
		exceptions.Panicf("device.NewRuntime: numDevices must be positive, got %d", numDevices)
	}
	r := &Runtime{devices: make([]*Device, numDevices)}
	for i := range r.devices {
		r.devices[i] = newDevice(r, i)
	}
	return r
}

// NumDevices returns how many devices the runtime has.
func (r *Runtime) NumDevices() int { return len(r.devices) }

// Device returns the device numbered num. It panics if num is out of range.
func (r *Runtime) Device(num int) *Device {
	if num < 0 || num >= len(r.devices) {
		exceptions.Panicf("device.Runtime.Device: device #%d out of range, runtime has %d devices", num, len(r.devices))
	}
	return r.devices[num]
}

// Devices returns all devices, in number order. The returned slice is owned
// by the runtime and must not be modified.
func (r *Runtime) Devices() []*Device { return r.devices }

// Synchronize blocks until all work submitted to all streams of all devices
// has completed.
func (r *Runtime) Synchronize() {
	for _, d := range r.devices {
		d.Synchronize()
	}
}

// Finalize drains every stream and stops its worker goroutine. The runtime
// must not be used afterwards. Finalizing twice is a no-op.
func (r *Runtime) Finalize() {
	r.mu.Lock()
	if r.finalized {
		r.mu.Unlock()
		return
	}
	r.finalized = true
	r.mu.Unlock()
	for _, d := range r.devices {
		d.finalize()
	}
}

// Device is one accelerator of a Runtime, identified by its number.
type Device struct {
	runtime *Runtime
	num     int

	defaultStream *Stream

	mu           sync.Mutex
	current      *Stream
	streams      []*Stream
	nextStreamID int
	nextEventID  int
}

func newDevice(r *Runtime, num int) *Device {
	d := &Device{runtime: r, num: num}
	d.defaultStream = d.newStreamLocked()
	d.current = d.defaultStream
	return d
}

// Num returns the device number within its runtime.
func (d *Device) Num() int { return d.num }

// Runtime returns the runtime the device belongs to.
func (d *Device) Runtime() *Runtime { return d.runtime }

// String implements fmt.Stringer.
func (d *Device) String() string { return fmt.Sprintf("device#%d", d.num) }

// DefaultStream returns the stream the device was created with.
func (d *Device) DefaultStream() *Stream { return d.defaultStream }

// CurrentStream returns the device's current stream, the one implicit
// operations (tensor copies) are issued on. It is the default stream unless
// changed with SetCurrentStream.
//
// The current stream is device-global state, not per-goroutine.
func (d *Device) CurrentStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// SetCurrentStream makes s the device's current stream and returns the
// previous one. It panics if s belongs to another device.
func (d *Device) SetCurrentStream(s *Stream) *Stream {
	if s.device != d {
		exceptions.Panicf("%s.SetCurrentStream: stream %s belongs to another device", d, s)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.current
	d.current = s
	return prev
}

// NewStream creates a new stream on the device and starts its worker.
func (d *Device) NewStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newStreamLocked()
}

func (d *Device) newStreamLocked() *Stream {
	s := newStream(d, d.nextStreamID)
	d.nextStreamID++
	d.streams = append(d.streams, s)
	return s
}

// NewEvent creates an unrecorded event scoped to the device.
func (d *Device) NewEvent() *Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &Event{device: d, id: d.nextEventID}
	d.nextEventID++
	return e
}

// Synchronize blocks until all work submitted to all of the device's streams
// has completed.
func (d *Device) Synchronize() {
	d.mu.Lock()
	streams := make([]*Stream, len(d.streams))
	copy(streams, d.streams)
	d.mu.Unlock()
	for _, s := range streams {
		s.Synchronize()
	}
}

func (d *Device) finalize() {
	d.mu.Lock()
	streams := make([]*Stream, len(d.streams))
	copy(streams, d.streams)
	d.mu.Unlock()
	for _, s := range streams {
		s.Finalize()
	}
}
