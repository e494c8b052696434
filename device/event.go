package device

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/godist/internal/xsync"
)

// Event marks a point in a stream's work. Recording an event on a stream
// captures "everything submitted to the stream so far"; the event completes
// when the stream executes past that point.
//
// Events are scoped to the device they were created on and may only be
// recorded on its streams. Re-recording an event replaces its completion
// point; waits placed before the re-record still refer to the old one.
type Event struct {
	device *Device
	id     int

	mu        sync.Mutex
	recording *xsync.Latch
}

// Device returns the device the event is scoped to.
func (e *Event) Device() *Device { return e.device }

// String implements fmt.Stringer.
func (e *Event) String() string { return fmt.Sprintf("%s/event#%d", e.device, e.id) }

// Record captures the current tail of stream s: the event completes once all
// work submitted to s before this call has executed. It panics if s belongs
// to a different device than the event.
func (e *Event) Record(s *Stream) {
	if s.device != e.device {
		exceptions.Panicf("%s: Record on stream %s of another device", e, s)
	}
	latch := xsync.NewLatch()
	e.mu.Lock()
	e.recording = latch
	e.mu.Unlock()
	s.Submit(latch.Trigger)
}

// Query reports whether the event has completed. An event that was never
// recorded counts as complete.
func (e *Event) Query() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording == nil || e.recording.Triggered()
}

// Synchronize blocks until the event completes. It returns immediately if
// the event was never recorded.
func (e *Event) Synchronize() {
	e.mu.Lock()
	recording := e.recording
	e.mu.Unlock()
	if recording != nil {
		recording.Wait()
	}
}

// waiter returns a function blocking until the current recording completes,
// or nil if there is nothing to wait for.
func (e *Event) waiter() func() {
	e.mu.Lock()
	recording := e.recording
	e.mu.Unlock()
	if recording == nil || recording.Triggered() {
		return nil
	}
	return recording.Wait
}
