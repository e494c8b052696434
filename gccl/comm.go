package gccl

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
	"github.com/gomlx/godist/internal/xsync"
)

// opKind distinguishes the collective issued in a round.
type opKind byte

const (
	opBroadcast opKind = iota + 1
	opAllReduce
)

// String implements fmt.Stringer.
func (k opKind) String() string {
	switch k {
	case opBroadcast:
		return "Broadcast"
	case opAllReduce:
		return "AllReduce"
	}
	return fmt.Sprintf("opKind(%d)", int(k))
}

// opDescriptor is everything about a collective that must agree across all
// members of a clique for a round to be well-formed. It is comparable: two
// members disagree iff their descriptors differ.
type opDescriptor struct {
	kind  opKind
	op    godist.ReduceOpType // Only for opAllReduce.
	root  int                 // Only for opBroadcast: member rank of the source buffer.
	dtype dtypes.DType
	count int // Elements per member buffer.
}

// String implements fmt.Stringer.
func (d opDescriptor) String() string {
	switch d.kind {
	case opBroadcast:
		return fmt.Sprintf("Broadcast(root=%d, %s×%d)", d.root, d.dtype, d.count)
	case opAllReduce:
		return fmt.Sprintf("AllReduce(%s, %s×%d)", d.op, d.dtype, d.count)
	}
	return fmt.Sprintf("%s(%s×%d)", d.kind, d.dtype, d.count)
}

// round is one matched collective across all members of a clique: the k-th
// collective issued on every member joins the clique's round k.
type round struct {
	desc    opDescriptor
	entries []roundEntry
	done    *xsync.Latch
	err     error // Written before done triggers, read after.
}

type roundEntry struct {
	rank   int
	tensor *device.Tensor
}

// clique is the set of communicators created with one UniqueID, across all
// process groups of this process. It is the in-process stand-in for a native
// collective backend's bootstrap network: members find each other here
// instead of over sockets.
type clique struct {
	id       UniqueID
	numRanks int

	mu      sync.Mutex
	members map[int]*Comm
	rounds  map[uint64]*round
	err     error // Once set the clique is broken: everything fails with it.
}

// cliques is the process-wide rendezvous point, keyed by UniqueID.
var cliques xsync.SyncMap[UniqueID, *clique]

func joinClique(id UniqueID, numRanks int, comm *Comm) (*clique, error) {
	c, _ := cliques.LoadOrStore(id, &clique{
		id:       id,
		numRanks: numRanks,
		members:  make(map[int]*Comm),
		rounds:   make(map[uint64]*round),
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.numRanks != numRanks {
		return nil, errors.Wrapf(godist.ErrBackendFailure,
			"clique %s has %d ranks, cannot join with numRanks=%d", id, c.numRanks, numRanks)
	}
	if _, taken := c.members[comm.rank]; taken {
		return nil, errors.Wrapf(godist.ErrBackendFailure,
			"rank %d of clique %s is already taken", comm.rank, id)
	}
	c.members[comm.rank] = comm
	return c, nil
}

// Err returns the error the clique was broken with, or nil.
func (c *clique) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// poisonLocked breaks the clique: every pending round is released with err
// and every future submission fails with it. Callers hold c.mu.
func (c *clique) poisonLocked(err error) {
	c.err = err
	for seq, r := range c.rounds {
		r.err = err
		r.done.Trigger()
		delete(c.rounds, seq)
	}
	klog.Warningf("gccl: %v", err)
}

// submit joins the member's round seq, blocking until every member has
// arrived and the last one applied the collective, or the round failed. It
// runs on the member's dedicated stream, so a parked member stalls only its
// own stream.
func (c *clique) submit(comm *Comm, seq uint64, desc opDescriptor, tensor *device.Tensor) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	r, found := c.rounds[seq]
	if !found {
		r = &round{desc: desc, done: xsync.NewLatch()}
		c.rounds[seq] = r
	} else if r.desc != desc {
		err := errors.Wrapf(godist.ErrBackendFailure,
			"clique %s round %d: rank %d issued %s while other ranks issued %s"+
				" -- all ranks must issue the same collectives in the same order",
			c.id, seq, comm.rank, desc, r.desc)
		c.poisonLocked(err)
		c.mu.Unlock()
		return err
	}
	r.entries = append(r.entries, roundEntry{rank: comm.rank, tensor: tensor})
	if len(r.entries) < c.numRanks {
		c.mu.Unlock()
		r.done.Wait()
		return r.err
	}
	delete(c.rounds, seq)
	c.mu.Unlock()

	// Last arrival applies the collective for the whole round; every other
	// member is parked on the latch, so the buffers are exclusively ours.
	apply(desc, r.entries)
	r.done.Trigger()
	return nil
}

// Comm is one member of a clique: the communication context of one device,
// bound to its member rank and the clique's total size. Create one per
// device with NewComm; issue collectives from a single goroutine.
type Comm struct {
	clique *clique
	rank   int
	dev    *device.Device
	seq    uint64
}

// NewComm creates the communicator for member rank (of numRanks total) of
// the clique identified by id, bound to device dev.
//
// Creation does not block waiting for the other members: they meet at their
// first collective. Size disagreements and duplicate ranks are reported as
// errors wrapping godist.ErrBackendFailure.
func NewComm(id UniqueID, numRanks, rank int, dev *device.Device) (*Comm, error) {
	if numRanks <= 0 {
		return nil, errors.Wrapf(godist.ErrInvalidOperands, "NewComm: numRanks=%d must be positive", numRanks)
	}
	if rank < 0 || rank >= numRanks {
		return nil, errors.Wrapf(godist.ErrInvalidOperands, "NewComm: rank=%d outside [0, %d)", rank, numRanks)
	}
	if dev == nil {
		return nil, errors.Wrapf(godist.ErrInvalidOperands, "NewComm: nil device")
	}
	comm := &Comm{rank: rank, dev: dev}
	c, err := joinClique(id, numRanks, comm)
	if err != nil {
		return nil, err
	}
	comm.clique = c
	klog.V(1).Infof("gccl: rank %d/%d of clique %s bound to %s", rank, numRanks, id, dev)
	return comm, nil
}

// Rank returns the member rank within the clique.
func (comm *Comm) Rank() int { return comm.rank }

// NumRanks returns the clique's total number of members.
func (comm *Comm) NumRanks() int { return comm.checkAlive().numRanks }

// Device returns the device the communicator is bound to.
func (comm *Comm) Device() *device.Device { return comm.dev }

// AsyncError returns the error that broke the communicator's clique during
// an earlier collective, if any. Mirrors how native backends report
// failures detected after enqueue.
func (comm *Comm) AsyncError() error { return comm.checkAlive().Err() }

func (comm *Comm) checkAlive() *clique {
	c := comm.clique
	if c == nil {
		exceptions.Panicf("gccl: using destroyed communicator (rank %d on %s)", comm.rank, comm.dev)
	}
	return c
}

// nextSeq returns the round index of the member's next collective. Comm is
// not safe for concurrent use: collectives are issued from one goroutine.
func (comm *Comm) nextSeq() uint64 {
	seq := comm.seq
	comm.seq++
	return seq
}

// enqueue validates synchronously, then submits the round participation to
// stream and returns. Failures detected later (a mismatched round) surface
// through AsyncError.
func (comm *Comm) enqueue(desc opDescriptor, tensor *device.Tensor, stream *device.Stream) error {
	c := comm.checkAlive()
	if tensor.Device() != comm.dev {
		return errors.Wrapf(godist.ErrInvalidOperands,
			"%s: tensor %s is not on the communicator's device %s", desc, tensor, comm.dev)
	}
	if stream.Device() != comm.dev {
		return errors.Wrapf(godist.ErrInvalidOperands,
			"%s: stream %s is not on the communicator's device %s", desc, stream, comm.dev)
	}
	if !supportedDType(desc.dtype) {
		return errors.Wrapf(godist.ErrInvalidOperands, "%s: dtype %s is not supported", desc, desc.dtype)
	}
	if err := c.Err(); err != nil {
		return err
	}
	seq := comm.nextSeq()
	stream.Submit(func() {
		// The round outcome is kept on the clique; see AsyncError.
		_ = c.submit(comm, seq, desc, tensor)
	})
	return nil
}

// Broadcast enqueues on stream the in-place broadcast of tensor: the buffer
// of member root replaces every member's buffer.
func (comm *Comm) Broadcast(tensor *device.Tensor, root int, stream *device.Stream) error {
	c := comm.checkAlive()
	if root < 0 || root >= c.numRanks {
		return errors.Wrapf(godist.ErrInvalidOperands,
			"Broadcast: root=%d outside [0, %d)", root, c.numRanks)
	}
	desc := opDescriptor{kind: opBroadcast, root: root, dtype: tensor.DType(), count: tensor.Size()}
	return comm.enqueue(desc, tensor, stream)
}

// AllReduce enqueues on stream the in-place allreduce of tensor: every
// member's buffer is replaced by the elementwise reduction of all of them.
func (comm *Comm) AllReduce(tensor *device.Tensor, op godist.ReduceOpType, stream *device.Stream) error {
	switch op {
	case godist.ReduceOpSum, godist.ReduceOpProduct, godist.ReduceOpMax, godist.ReduceOpMin:
	default:
		return errors.Wrapf(godist.ErrInvalidOperands, "AllReduce: reduction %s is not supported", op)
	}
	desc := opDescriptor{kind: opAllReduce, op: op, dtype: tensor.DType(), count: tensor.Size()}
	return comm.enqueue(desc, tensor, stream)
}

// Destroy removes the communicator from its clique; the last member out
// releases the clique itself. The communicator must not be used afterwards,
// and no collective may be in flight.
func (comm *Comm) Destroy() {
	c := comm.clique
	if c == nil {
		return
	}
	comm.clique = nil
	c.mu.Lock()
	delete(c.members, comm.rank)
	empty := len(c.members) == 0
	c.mu.Unlock()
	if empty {
		cliques.Delete(c.id)
	}
}
