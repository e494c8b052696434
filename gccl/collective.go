package gccl

import (
	"github.com/pkg/errors"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
)

// checkOperands validates a collective's tensor lists before anything is
// enqueued, returning errors wrapping godist.ErrInvalidOperands that name
// the offending tensor.
//
// inputs holds one tensor per participating device, on distinct devices of
// the group's runtime, all with the same shape and dtype. outputs holds
// multiplier tensors per input, each on its input's device and of its
// input's shape. The in-place collectives pass outputs == inputs and
// multiplier 1.
func (pg *ProcessGroup) checkOperands(inputs, outputs []*device.Tensor, multiplier int) error {
	if len(inputs) == 0 {
		return errors.Wrapf(godist.ErrInvalidOperands, "tensor list must not be empty")
	}
	if len(inputs) > pg.runtime.NumDevices() {
		return errors.Wrapf(godist.ErrInvalidOperands,
			"got %d tensors but the runtime only has %d devices", len(inputs), pg.runtime.NumDevices())
	}
	if len(outputs) != len(inputs)*multiplier {
		return errors.Wrapf(godist.ErrInvalidOperands,
			"expected %d output tensors (%d inputs x %d), got %d",
			len(inputs)*multiplier, len(inputs), multiplier, len(outputs))
	}
	first := inputs[0]
	if !supportedDType(first.DType()) {
		return errors.Wrapf(godist.ErrInvalidOperands, "dtype %s is not supported", first.DType())
	}
	devices := make(map[*device.Device]int, len(inputs))
	for i, t := range inputs {
		if t == nil {
			return errors.Wrapf(godist.ErrInvalidOperands, "inputs[%d] is nil", i)
		}
		if t.Device().Runtime() != pg.runtime {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"inputs[%d] (%s) is not on the group's runtime", i, t)
		}
		if prev, dup := devices[t.Device()]; dup {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"inputs[%d] is on %s, already taken by inputs[%d]: tensors must be on distinct devices",
				i, t.Device(), prev)
		}
		devices[t.Device()] = i
		if t.DType() != first.DType() {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"inputs[%d] has dtype %s, expected %s: tensors must share one dtype", i, t.DType(), first.DType())
		}
		if !t.SameShape(first) {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"inputs[%d] is %s, expected the shape of inputs[0] (%s)", i, t, first)
		}
	}
	for j, t := range outputs {
		in := inputs[j/multiplier]
		if t == nil {
			return errors.Wrapf(godist.ErrInvalidOperands, "outputs[%d] is nil", j)
		}
		if t.Device() != in.Device() {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"outputs[%d] is on %s, expected its input's %s", j, t.Device(), in.Device())
		}
		if t.DType() != in.DType() {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"outputs[%d] has dtype %s, expected %s", j, t.DType(), in.DType())
		}
		if !t.SameShape(in) {
			return errors.Wrapf(godist.ErrInvalidOperands,
				"outputs[%d] is %s, expected the shape of its input (%s)", j, t, in)
		}
	}
	return nil
}

// collective runs the common dispatch: resolve the device set's resources
// (rendezvous on first use), order each dedicated stream after its device's
// current stream, enqueue with enqueueFn and record one completion event
// per device. Any error is returned synchronously, without a Work.
func (pg *ProcessGroup) collective(tensors []*device.Tensor,
	enqueueFn func(comm *Comm, tensor *device.Tensor, stream *device.Stream) error) (godist.Work, error) {
	devices := make([]*device.Device, len(tensors))
	for i, t := range tensors {
		devices[i] = t.Device()
	}
	res, err := pg.commsFor(devices)
	if err != nil {
		return nil, err
	}
	events := make([]*device.Event, len(tensors))
	for i, t := range tensors {
		dedicated := res.streams[i]
		res.syncEvents[i].Record(t.Device().CurrentStream())
		dedicated.WaitEvent(res.syncEvents[i])
		if err := enqueueFn(res.comms[i], t, dedicated); err != nil {
			return nil, err
		}
		pg.enqueued++
		ev := t.Device().NewEvent()
		ev.Record(dedicated)
		events[i] = ev
	}
	return newWork(res.comms, events), nil
}

// Broadcast implements godist.ProcessGroup.
func (pg *ProcessGroup) Broadcast(tensors []*device.Tensor, opts godist.BroadcastOptions) (godist.Work, error) {
	if err := pg.checkOperands(tensors, tensors, 1); err != nil {
		return nil, err
	}
	if opts.RootRank < 0 || opts.RootRank >= pg.worldSize {
		return nil, errors.Wrapf(godist.ErrInvalidOperands,
			"root rank %d outside [0, %d)", opts.RootRank, pg.worldSize)
	}
	if opts.RootTensor < 0 || opts.RootTensor >= len(tensors) {
		return nil, errors.Wrapf(godist.ErrInvalidOperands,
			"root tensor %d outside [0, %d)", opts.RootTensor, len(tensors))
	}
	// The root in communicator rank space; see ProcessGroup.commsFor.
	root := opts.RootRank*len(tensors) + opts.RootTensor
	return pg.collective(tensors, func(comm *Comm, tensor *device.Tensor, stream *device.Stream) error {
		return comm.Broadcast(tensor, root, stream)
	})
}

// AllReduce implements godist.ProcessGroup.
func (pg *ProcessGroup) AllReduce(tensors []*device.Tensor, opts godist.AllreduceOptions) (godist.Work, error) {
	if err := pg.checkOperands(tensors, tensors, 1); err != nil {
		return nil, err
	}
	switch opts.Op {
	case godist.ReduceOpSum, godist.ReduceOpProduct, godist.ReduceOpMax, godist.ReduceOpMin:
	default:
		return nil, errors.Wrapf(godist.ErrInvalidOperands,
			"reduce operation %s is not supported, pick one of Sum, Product, Max or Min", opts.Op)
	}
	return pg.collective(tensors, func(comm *Comm, tensor *device.Tensor, stream *device.Stream) error {
		return comm.AllReduce(tensor, opts.Op, stream)
	})
}
