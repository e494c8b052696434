package device

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"github.com/gomlx/exceptions"

	"github.com/gomlx/godist/internal/xsync"
)

// Stream is an ordered queue of work on a device.
//
// Tasks submitted to a stream run one at a time, in submission order, on the
// stream's own worker goroutine. Different streams run concurrently; ordering
// across streams is established with Events.
type Stream struct {
	device *Device
	id     int

	mu        sync.Mutex
	cond      *sync.Cond
	queue     *linkedlistqueue.Queue[*func()] // Pointers: the queue's elements must be comparable.
	submitted uint64
	completed uint64
	closed    bool
	done      *xsync.Latch
}

func newStream(d *Device, id int) *Stream {
	s := &Stream{
		device: d,
		id:     id,
		queue:  linkedlistqueue.New[*func()](),
		done:   xsync.NewLatch(),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Device returns the device the stream belongs to.
func (s *Stream) Device() *Device { return s.device }

// String implements fmt.Stringer.
func (s *Stream) String() string { return fmt.Sprintf("%s/stream#%d", s.device, s.id) }

// run is the stream's worker: it executes queued tasks in FIFO order until
// the stream is finalized and its queue drained.
func (s *Stream) run() {
	s.mu.Lock()
	for {
		for s.queue.Empty() && !s.closed {
			s.cond.Wait()
		}
		task, ok := s.queue.Dequeue()
		if !ok {
			// Queue empty, so the stream was finalized.
			s.mu.Unlock()
			s.done.Trigger()
			return
		}
		s.mu.Unlock()
		(*task)()
		s.mu.Lock()
		s.completed++
		s.cond.Broadcast()
	}
}

// Submit enqueues task to run on the stream, after everything submitted
// before it. It returns immediately.
func (s *Stream) Submit(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		exceptions.Panicf("%s: Submit on finalized stream", s)
	}
	s.queue.Enqueue(&task)
	s.submitted++
	s.cond.Broadcast()
}

// WaitEvent makes all work submitted to the stream after this call wait until
// the event's current recording has completed. If the event was never
// recorded, or its recording already completed, this is a no-op.
//
// Only the recording present at call time is waited on: re-recording the
// event later does not move the wait.
func (s *Stream) WaitEvent(e *Event) {
	wait := e.waiter()
	if wait == nil {
		return
	}
	s.Submit(wait)
}

// Query reports whether all work submitted to the stream has completed.
func (s *Stream) Query() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed == s.submitted
}

// Synchronize blocks until all work submitted to the stream so far has
// completed. Work submitted afterwards is not waited on.
func (s *Stream) Synchronize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.submitted
	for s.completed < target {
		s.cond.Wait()
	}
}

// Finalize drains the queue, waits for it to be executed and stops the
// worker goroutine. Submitting afterwards panics. Finalizing twice is a
// no-op; Runtime.Finalize finalizes every stream.
func (s *Stream) Finalize() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	s.done.Wait()
}
