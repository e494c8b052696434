package gccl

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
	"github.com/gomlx/godist/store"
)

// newSoloGroup returns a world-of-one process group, enough to exercise
// dispatch, the communicator cache and the work lifecycle without peers.
func newSoloGroup(t *testing.T, numDevices int) (*ProcessGroup, *device.Runtime, *store.HashStore) {
	st := store.NewHashStore()
	rt := device.NewRuntime(numDevices)
	pg, err := New("", godist.Options{Store: st, Rank: 0, WorldSize: 1, Runtime: rt})
	require.NoError(t, err)
	t.Cleanup(func() {
		pg.Finalize()
		rt.Finalize()
		_ = st.Close()
	})
	return pg.(*ProcessGroup), rt, st
}

func TestNewValidation(t *testing.T) {
	st := store.NewHashStore()
	defer func() { _ = st.Close() }()
	rt := device.NewRuntime(1)
	defer rt.Finalize()
	valid := godist.Options{Store: st, Rank: 0, WorldSize: 1, Runtime: rt}

	_, err := New("bogus", valid)
	require.ErrorContains(t, err, "configuration")

	for _, opts := range []godist.Options{
		{Store: nil, Rank: 0, WorldSize: 1, Runtime: rt},
		{Store: st, Rank: 0, WorldSize: 1, Runtime: nil},
		{Store: st, Rank: 0, WorldSize: 0, Runtime: rt},
		{Store: st, Rank: 2, WorldSize: 2, Runtime: rt},
		{Store: st, Rank: -1, WorldSize: 2, Runtime: rt},
	} {
		_, err := New("", opts)
		require.Error(t, err)
	}

	pg, err := New("", valid)
	require.NoError(t, err)
	pg.Finalize()
}

func TestRegistry(t *testing.T) {
	t.Setenv(godist.GODIST_BACKEND, "gccl:")
	st := store.NewHashStore()
	defer func() { _ = st.Close() }()
	rt := device.NewRuntime(1)
	defer rt.Finalize()
	pg, err := godist.New(godist.Options{Store: st, Rank: 0, WorldSize: 1, Runtime: rt})
	require.NoError(t, err)
	defer pg.Finalize()

	require.Equal(t, BackendName, pg.Name())
	require.NotEmpty(t, pg.Description())
	require.Equal(t, 0, pg.Rank())
	require.Equal(t, 1, pg.WorldSize())
	require.IsType(t, &ProcessGroup{}, pg)
	require.Contains(t, pg.(*ProcessGroup).String(), "rank 0 of 1")
}

func TestCommunicatorCache(t *testing.T) {
	pg, rt, st := newSoloGroup(t, 2)
	d0, d1 := rt.Device(0), rt.Device(1)

	resA, err := pg.commsFor([]*device.Device{d0, d1})
	require.NoError(t, err)
	resB, err := pg.commsFor([]*device.Device{d0, d1})
	require.NoError(t, err)
	require.Same(t, resA, resB)
	require.Same(t, resA.comms[0], resB.comms[0])

	// Communicator ranks flatten the process rank over the set's devices.
	require.Equal(t, 0, resA.comms[0].Rank())
	require.Equal(t, 1, resA.comms[1].Rank())
	require.Equal(t, 2, resA.comms[0].NumRanks())

	// The same devices in another order are another set.
	resC, err := pg.commsFor([]*device.Device{d1, d0})
	require.NoError(t, err)
	require.NotSame(t, resA, resC)
	require.Same(t, d1, resC.comms[0].Device())

	_, err = pg.commsFor([]*device.Device{d0})
	require.NoError(t, err)
	_, err = pg.commsFor([]*device.Device{d1})
	require.NoError(t, err)

	// One unique id was exchanged per device set, under the derived keys.
	require.Equal(t, []string{"gccl:0", "gccl:0,1", "gccl:1", "gccl:1,0"}, st.Keys())
}

func TestOperandValidation(t *testing.T) {
	pg, rt, st := newSoloGroup(t, 2)
	d0, d1 := rt.Device(0), rt.Device(1)
	t0 := device.NewTensorFromFlat(d0, []float32{1, 2}, 2)
	t1 := device.NewTensorFromFlat(d1, []float32{3, 4}, 2)

	otherRuntime := device.NewRuntime(1)
	defer otherRuntime.Finalize()
	cases := []struct {
		name    string
		tensors []*device.Tensor
	}{
		{"empty list", nil},
		{"more tensors than devices", []*device.Tensor{t0, t1, t1}},
		{"duplicate device", []*device.Tensor{t0, device.NewTensorFromFlat(d0, []float32{0, 0}, 2)}},
		{"mixed dtypes", []*device.Tensor{t0, device.NewTensorFromFlat(d1, []float64{0, 0}, 2)}},
		{"mixed shapes", []*device.Tensor{t0, device.NewTensorFromFlat(d1, []float32{0, 0, 0}, 3)}},
		{"unsupported dtype", []*device.Tensor{d0.NewTensor(dtypes.Bool, 2)}},
		{"foreign runtime", []*device.Tensor{t0, device.NewTensorFromFlat(otherRuntime.Device(0), []float32{0, 0}, 2)}},
	}
	for _, test := range cases {
		_, err := pg.AllReduce(test.tensors, godist.AllreduceOptions{Op: godist.ReduceOpSum})
		require.ErrorIs(t, err, godist.ErrInvalidOperands, "case %q", test.name)
		_, err = pg.Broadcast(test.tensors, godist.BroadcastOptions{})
		require.ErrorIs(t, err, godist.ErrInvalidOperands, "case %q", test.name)
	}

	valid := []*device.Tensor{t0, t1}
	_, err := pg.Broadcast(valid, godist.BroadcastOptions{RootRank: 1})
	require.ErrorIs(t, err, godist.ErrInvalidOperands)
	_, err = pg.Broadcast(valid, godist.BroadcastOptions{RootTensor: 2})
	require.ErrorIs(t, err, godist.ErrInvalidOperands)
	_, err = pg.Broadcast(valid, godist.BroadcastOptions{RootTensor: -1})
	require.ErrorIs(t, err, godist.ErrInvalidOperands)
	_, err = pg.AllReduce(valid, godist.AllreduceOptions{})
	require.ErrorIs(t, err, godist.ErrInvalidOperands)
	_, err = pg.AllReduce(valid, godist.AllreduceOptions{Op: godist.ReduceOpType(77)})
	require.ErrorIs(t, err, godist.ErrInvalidOperands)

	// Nothing was enqueued and nobody rendezvoused: validation failures must
	// come before any communicator work.
	require.Zero(t, pg.enqueued)
	n, err := st.NumKeys()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckOperandsMultiplier(t *testing.T) {
	pg, rt, _ := newSoloGroup(t, 2)
	d0, d1 := rt.Device(0), rt.Device(1)
	in := device.NewTensorFromFlat(d0, []float32{1, 2}, 2)
	outA := device.NewTensorFromFlat(d0, []float32{0, 0}, 2)
	outB := device.NewTensorFromFlat(d0, []float32{0, 0}, 2)

	require.NoError(t, pg.checkOperands([]*device.Tensor{in}, []*device.Tensor{outA, outB}, 2))

	err := pg.checkOperands([]*device.Tensor{in}, []*device.Tensor{outA}, 2)
	require.ErrorIs(t, err, godist.ErrInvalidOperands)

	wrongDevice := device.NewTensorFromFlat(d1, []float32{0, 0}, 2)
	err = pg.checkOperands([]*device.Tensor{in}, []*device.Tensor{outA, wrongDevice}, 2)
	require.ErrorIs(t, err, godist.ErrInvalidOperands)
}

func TestBroadcastWithinProcess(t *testing.T) {
	pg, rt, _ := newSoloGroup(t, 2)
	t0 := device.NewTensorFromFlat(rt.Device(0), []float32{5, 6}, 2)
	t1 := device.NewTensorFromFlat(rt.Device(1), []float32{0, 0}, 2)

	w, err := pg.Broadcast([]*device.Tensor{t0, t1}, godist.BroadcastOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.Equal(t, []float32{5, 6}, device.ToFlat[float32](t0))
	require.Equal(t, []float32{5, 6}, device.ToFlat[float32](t1))

	// Root a different tensor of the same member.
	t1.CopyFromHost([]float32{9, 9})
	w, err = pg.Broadcast([]*device.Tensor{t0, t1}, godist.BroadcastOptions{RootTensor: 1})
	require.NoError(t, err)
	require.NoError(t, w.Wait())
	require.Equal(t, []float32{9, 9}, device.ToFlat[float32](t0))
	require.Equal(t, 4, pg.enqueued)
}

func TestWorkLifecycle(t *testing.T) {
	pg, rt, _ := newSoloGroup(t, 1)
	d := rt.Device(0)

	// Hold the device's current stream so the collective cannot start. The
	// gate also closes on cleanup so a failed assertion cannot wedge
	// finalization.
	gate := make(chan struct{})
	closeGate := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(closeGate)
	d.DefaultStream().Submit(func() { <-gate })

	tensor := device.NewTensorFromFlat(d, []float32{3, 4}, 2)
	w, err := pg.AllReduce([]*device.Tensor{tensor}, godist.AllreduceOptions{Op: godist.ReduceOpSum})
	require.NoError(t, err)

	gw := w.(*Work)
	require.False(t, w.IsCompleted())
	require.False(t, gw.FinishedDeviceExecution())
	require.True(t, w.IsSuccess())
	require.ErrorIs(t, w.Exception(), godist.ErrNotSupported)

	// Synchronize only queues the dependency; it must not block the host.
	require.NoError(t, w.Synchronize())

	closeGate()
	require.NoError(t, w.Wait())
	for i := 0; i < 3; i++ {
		require.True(t, w.IsCompleted())
		require.True(t, gw.FinishedDeviceExecution())
	}
	require.True(t, w.IsSuccess())
	require.ErrorIs(t, w.Exception(), godist.ErrNotSupported)
	require.Equal(t, []float32{3, 4}, device.ToFlat[float32](tensor))
}

func TestBroadcastTwoRanks(t *testing.T) {
	st := store.NewHashStore()
	defer func() { _ = st.Close() }()

	const worldSize = 2
	results := make([][]float32, worldSize)
	errs := make(chan error, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		go func(rank int) {
			errs <- func() error {
				rt := device.NewRuntime(1)
				pg, err := New("", godist.Options{Store: st, Rank: rank, WorldSize: worldSize, Runtime: rt})
				if err != nil {
					return err
				}
				defer pg.Finalize()
				var val float32
				if rank == 0 {
					val = 7
				}
				tensor := device.NewTensorFromFlat(rt.Device(0), []float32{val})
				w, err := pg.Broadcast([]*device.Tensor{tensor}, godist.BroadcastOptions{})
				if err != nil {
					return err
				}
				if err := w.Wait(); err != nil {
					return err
				}
				results[rank] = device.ToFlat[float32](tensor)
				return nil
			}()
		}(rank)
	}
	for i := 0; i < worldSize; i++ {
		require.NoError(t, <-errs)
	}
	require.Equal(t, []float32{7}, results[0])
	require.Equal(t, []float32{7}, results[1])
}

func TestAllReduceThreeRanksTwoDevices(t *testing.T) {
	st := store.NewHashStore()
	defer func() { _ = st.Close() }()

	const worldSize, devicesPerRank = 3, 2
	results := make([][][]float32, worldSize)
	errs := make(chan error, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		go func(rank int) {
			errs <- func() error {
				rt := device.NewRuntime(devicesPerRank)
				pg, err := New("", godist.Options{Store: st, Rank: rank, WorldSize: worldSize, Runtime: rt})
				if err != nil {
					return err
				}
				defer pg.Finalize()
				tensors := make([]*device.Tensor, devicesPerRank)
				for i := range tensors {
					tensors[i] = device.NewTensorFromFlat(rt.Device(i), []float32{1})
				}
				w, err := pg.AllReduce(tensors, godist.AllreduceOptions{Op: godist.ReduceOpSum})
				if err != nil {
					return err
				}
				if err := w.Wait(); err != nil {
					return err
				}
				results[rank] = make([][]float32, devicesPerRank)
				for i, tensor := range tensors {
					results[rank][i] = device.ToFlat[float32](tensor)
				}
				return nil
			}()
		}(rank)
	}
	for i := 0; i < worldSize; i++ {
		require.NoError(t, <-errs)
	}
	// 3 ranks x 2 devices, each contributing 1: everybody ends with 6.
	for rank := 0; rank < worldSize; rank++ {
		for dev := 0; dev < devicesPerRank; dev++ {
			require.Equal(t, []float32{6}, results[rank][dev], "rank %d device %d", rank, dev)
		}
	}
}

func TestMismatchedCollectivesFailTheGroup(t *testing.T) {
	st := store.NewHashStore()
	defer func() { _ = st.Close() }()

	type outcome struct{ waitErr, retryErr error }
	outcomes := make(chan outcome, 2)
	issue := func(rank int) {
		rt := device.NewRuntime(1)
		pg, err := New("", godist.Options{Store: st, Rank: rank, WorldSize: 2, Runtime: rt})
		if err != nil {
			outcomes <- outcome{waitErr: err}
			return
		}
		tensor := device.NewTensorFromFlat(rt.Device(0), []float32{1})
		var w godist.Work
		if rank == 0 {
			w, err = pg.Broadcast([]*device.Tensor{tensor}, godist.BroadcastOptions{})
		} else {
			w, err = pg.AllReduce([]*device.Tensor{tensor}, godist.AllreduceOptions{Op: godist.ReduceOpSum})
		}
		if err != nil {
			outcomes <- outcome{waitErr: err}
			return
		}
		var out outcome
		out.waitErr = w.Wait()
		// The group is broken: the next collective must fail synchronously.
		_, out.retryErr = pg.Broadcast([]*device.Tensor{tensor}, godist.BroadcastOptions{})
		outcomes <- out
	}
	go issue(0)
	go issue(1)

	for i := 0; i < 2; i++ {
		out := <-outcomes
		require.ErrorIs(t, out.waitErr, godist.ErrBackendFailure)
		require.ErrorContains(t, out.waitErr, "same order")
		require.ErrorIs(t, out.retryErr, godist.ErrBackendFailure)
	}
}

func TestStoreFailures(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		st := store.NewHashStore()
		defer func() { _ = st.Close() }()
		st.SetTimeout(50 * time.Millisecond)

		rt := device.NewRuntime(1)
		// Rank 1 blocks for rank 0's unique id, which never comes.
		pg, err := New("", godist.Options{Store: st, Rank: 1, WorldSize: 2, Runtime: rt})
		require.NoError(t, err)
		defer pg.Finalize()

		tensor := device.NewTensorFromFlat(rt.Device(0), []float32{1})
		_, err = pg.AllReduce([]*device.Tensor{tensor}, godist.AllreduceOptions{Op: godist.ReduceOpSum})
		require.ErrorIs(t, err, store.ErrTimeout)
		require.Zero(t, pg.(*ProcessGroup).enqueued)
	})

	t.Run("closed", func(t *testing.T) {
		st := store.NewHashStore()
		require.NoError(t, st.Close())

		rt := device.NewRuntime(1)
		pg, err := New("", godist.Options{Store: st, Rank: 0, WorldSize: 2, Runtime: rt})
		require.NoError(t, err)
		defer pg.Finalize()

		tensor := device.NewTensorFromFlat(rt.Device(0), []float32{1})
		_, err = pg.Broadcast([]*device.Tensor{tensor}, godist.BroadcastOptions{})
		require.ErrorIs(t, err, store.ErrClosed)
	})
}

func TestFinalize(t *testing.T) {
	pg, rt, _ := newSoloGroup(t, 1)
	tensor := device.NewTensorFromFlat(rt.Device(0), []float32{2})
	w, err := pg.AllReduce([]*device.Tensor{tensor}, godist.AllreduceOptions{Op: godist.ReduceOpSum})
	require.NoError(t, err)
	require.NoError(t, w.Wait())

	pg.Finalize()
	pg.Finalize() // Idempotent.
	require.Empty(t, pg.resources)

	_, err = pg.AllReduce([]*device.Tensor{tensor}, godist.AllreduceOptions{Op: godist.ReduceOpSum})
	require.ErrorIs(t, err, godist.ErrBackendFailure)
}
