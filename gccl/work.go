package gccl

import (
	"github.com/pkg/errors"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
)

// Work implements godist.Work for one gccl collective. On top of the
// godist.Work surface it offers FinishedDeviceExecution.
//
// gccl has a fatal failure model: a failed collective breaks its whole
// clique and the failure is reported from Wait and Synchronize (and from
// every later collective on the same device set), not stored per Work. So
// IsSuccess is always true and Exception is not supported.
type Work struct {
	comms  []*Comm
	events []*device.Event // One completion event per device, in set order.
}

var _ godist.Work = (*Work)(nil)

func newWork(comms []*Comm, events []*device.Event) *Work {
	return &Work{comms: comms, events: events}
}

// IsCompleted implements godist.Work: whether the collective finished on
// all of this process's devices. Never blocks.
func (w *Work) IsCompleted() bool {
	for _, ev := range w.events {
		if !ev.Query() {
			return false
		}
	}
	return true
}

// FinishedDeviceExecution reports whether the collective's device work has
// finished on every device. It is monotone: once true it stays true.
//
// For gccl the collective is pure device work, so this coincides with
// IsCompleted. Native backends distinguish the two when a Work also covers
// host-side steps.
func (w *Work) FinishedDeviceExecution() bool {
	return w.IsCompleted()
}

// IsSuccess implements godist.Work. Always true, see Work.
func (w *Work) IsSuccess() bool { return true }

// Exception implements godist.Work. Always an error wrapping
// godist.ErrNotSupported, see Work.
func (w *Work) Exception() error {
	return errors.Wrapf(godist.ErrNotSupported,
		"gccl does not store failures per work, they are reported by Wait and Synchronize")
}

// Synchronize implements godist.Work: each device's current stream waits
// for the collective's completion on that device. The host is not blocked;
// an already known failure of the collective's clique is returned.
func (w *Work) Synchronize() error {
	for _, ev := range w.events {
		ev.Device().CurrentStream().WaitEvent(ev)
	}
	return w.asyncError()
}

// Wait implements godist.Work: Synchronize plus blocking the host until the
// collective finished everywhere. After a successful Wait the tensors hold
// the collective's result and IsCompleted is true.
func (w *Work) Wait() error {
	if err := w.Synchronize(); err != nil {
		return err
	}
	for _, ev := range w.events {
		ev.Synchronize()
	}
	return w.asyncError()
}

func (w *Work) asyncError() error {
	for _, comm := range w.comms {
		if err := comm.AsyncError(); err != nil {
			return err
		}
	}
	return nil
}
