package device

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, numDevices int) *Runtime {
	t.Helper()
	r := NewRuntime(numDevices)
	t.Cleanup(r.Finalize)
	return r
}

func TestStreamFIFO(t *testing.T) {
	r := newTestRuntime(t, 1)
	s := r.Device(0).DefaultStream()
	var order []int
	for i := range 100 {
		s.Submit(func() { order = append(order, i) })
	}
	s.Synchronize()
	require.Len(t, order, 100)
	for i, got := range order {
		require.Equal(t, i, got)
	}
}

func TestStreamQuery(t *testing.T) {
	r := newTestRuntime(t, 1)
	s := r.Device(0).NewStream()
	require.True(t, s.Query(), "fresh stream must be idle")

	gate := make(chan struct{})
	s.Submit(func() { <-gate })
	require.False(t, s.Query(), "stream with pending work must not be idle")
	close(gate)
	s.Synchronize()
	require.True(t, s.Query())
}

func TestStreamsRunConcurrently(t *testing.T) {
	r := newTestRuntime(t, 1)
	d := r.Device(0)
	streamA, streamB := d.NewStream(), d.NewStream()

	// A's task only finishes if B's task runs while A's is blocked.
	handoff := make(chan struct{})
	streamA.Submit(func() { <-handoff })
	streamB.Submit(func() { handoff <- struct{}{} })
	streamA.Synchronize()
	streamB.Synchronize()
}

func TestStreamWaitEvent(t *testing.T) {
	r := newTestRuntime(t, 1)
	d := r.Device(0)
	producer, consumer := d.NewStream(), d.NewStream()

	var value int
	gate := make(chan struct{})
	producer.Submit(func() {
		<-gate
		value = 42
	})
	ev := d.NewEvent()
	ev.Record(producer)

	consumer.WaitEvent(ev)
	var got int
	consumer.Submit(func() { got = value })

	close(gate)
	consumer.Synchronize()
	require.Equal(t, 42, got, "consumer must observe the producer's write")
}

func TestStreamWaitEventUnrecorded(t *testing.T) {
	r := newTestRuntime(t, 1)
	d := r.Device(0)
	s := d.NewStream()

	// Waiting on a never-recorded event is a no-op.
	s.WaitEvent(d.NewEvent())
	ran := false
	s.Submit(func() { ran = true })
	s.Synchronize()
	require.True(t, ran)
}

func TestStreamWaitEventCapturesRecording(t *testing.T) {
	r := newTestRuntime(t, 1)
	d := r.Device(0)
	producer, consumer := d.NewStream(), d.NewStream()

	gate1 := make(chan struct{})
	gate2 := make(chan struct{})
	ev := d.NewEvent()

	producer.Submit(func() { <-gate1 })
	ev.Record(producer)
	consumer.WaitEvent(ev) // Captures the first recording.

	producer.Submit(func() { <-gate2 })
	ev.Record(producer) // Re-record: moves the event, not the wait above.

	var reached atomic.Bool
	consumer.Submit(func() { reached.Store(true) })

	close(gate1)
	consumer.Synchronize()
	require.True(t, reached.Load(), "wait refers to the recording at call time")
	require.False(t, ev.Query(), "the re-recorded event is still pending")

	close(gate2)
	ev.Synchronize()
	require.True(t, ev.Query())
}

func TestStreamSynchronizeOnlyCoversPriorWork(t *testing.T) {
	r := newTestRuntime(t, 1)
	s := r.Device(0).NewStream()
	var slow atomic.Bool
	s.Submit(func() {
		time.Sleep(10 * time.Millisecond)
		slow.Store(true)
	})
	s.Synchronize()
	require.True(t, slow.Load())
}

func TestSubmitAfterFinalizePanics(t *testing.T) {
	r := NewRuntime(1)
	s := r.Device(0).NewStream()
	r.Finalize()
	require.Panics(t, func() { s.Submit(func() {}) })
	r.Finalize() // Idempotent.
}
