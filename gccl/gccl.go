// Package gccl implements the "gccl" godist backend: collectives executed
// on the devices' streams by a Go collective communication library.
//
// All members of a group must live in the same operating-system process,
// each typically driving its own device.Runtime from its own goroutine;
// they find each other through the shared store and meet at an in-process
// rendezvous keyed by the exchanged UniqueID. The store may still be remote
// (store.TCPStoreClient), but a shared store.HashStore is the usual choice.
//
// To use it, import it so it registers itself with godist:
//
//	import _ "github.com/gomlx/godist/gccl"
//
// Two contracts carry over from native collective libraries:
//
//   - Every member must issue the same collectives in the same order, each
//     from a single goroutine. A member that falls out of step either fails
//     the group (mismatched operations) or stalls it (missing operations).
//   - Groups sharing one store must not share key namespaces: scope each
//     group with store.NewPrefixStore.
package gccl

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/godist"
	"github.com/gomlx/godist/device"
	"github.com/gomlx/godist/store"
)

// BackendName of the gccl backend, used to select it with godist.New.
const BackendName = "gccl"

// Registers New() as the default constructor for the "gccl" backend.
func init() {
	godist.Register(BackendName, New)
}

// New constructs a gccl ProcessGroup for opts. The backend takes no
// configuration, config must be empty.
//
// New does not talk to the store: members rendezvous lazily, when the first
// collective on a given device set creates its communicators.
func New(config string, opts godist.Options) (godist.ProcessGroup, error) {
	if config != "" {
		return nil, errors.Errorf("gccl backend takes no configuration, got %q", config)
	}
	if opts.Store == nil {
		return nil, errors.Errorf("gccl requires a store for rendezvous, Options.Store is nil")
	}
	if opts.Runtime == nil {
		return nil, errors.Errorf("gccl requires a device runtime, Options.Runtime is nil")
	}
	if opts.WorldSize <= 0 {
		return nil, errors.Errorf("gccl requires a positive world size, got %d", opts.WorldSize)
	}
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Errorf("gccl rank %d outside [0, %d)", opts.Rank, opts.WorldSize)
	}
	pg := &ProcessGroup{
		store:     store.NewPrefixStore("gccl:", opts.Store),
		rank:      opts.Rank,
		worldSize: opts.WorldSize,
		runtime:   opts.Runtime,
		resources: make(map[deviceKey]*deviceResources),
	}
	klog.V(1).Infof("gccl: created process group, rank %d of %d", pg.rank, pg.worldSize)
	return pg, nil
}

// ProcessGroup implements godist.ProcessGroup with gccl communicators.
//
// Collectives must be issued from a single goroutine; see the package
// documentation.
type ProcessGroup struct {
	store     store.Store
	rank      int
	worldSize int
	runtime   *device.Runtime

	mu        sync.Mutex
	resources map[deviceKey]*deviceResources
	finalized bool

	// enqueued counts the collectives handed to communicators. Operand
	// validation failures must leave it untouched.
	enqueued int
}

var _ godist.ProcessGroup = (*ProcessGroup)(nil)

// deviceResources is everything the group keeps per device set: one
// communicator, one dedicated stream and one reusable synchronization event
// per device, in the set's order.
type deviceResources struct {
	comms      []*Comm
	streams    []*device.Stream
	syncEvents []*device.Event
}

// deviceKey names an ordered device set. Build it with deviceKeyFor only:
// it doubles as the store key under which the set's UniqueID is exchanged,
// so all members must derive it identically.
type deviceKey string

func deviceKeyFor(devices []*device.Device) deviceKey {
	parts := make([]string, len(devices))
	for i, dev := range devices {
		parts[i] = strconv.Itoa(dev.Num())
	}
	return deviceKey(strings.Join(parts, ","))
}

// Name implements godist.ProcessGroup.
func (pg *ProcessGroup) Name() string { return BackendName }

// Description implements godist.ProcessGroup.
func (pg *ProcessGroup) Description() string {
	return "gccl, in-process collectives on device streams"
}

// String implements fmt.Stringer.
func (pg *ProcessGroup) String() string {
	return fmt.Sprintf("gccl[rank %d of %d]", pg.rank, pg.worldSize)
}

// Rank implements godist.ProcessGroup.
func (pg *ProcessGroup) Rank() int { return pg.rank }

// WorldSize implements godist.ProcessGroup.
func (pg *ProcessGroup) WorldSize() int { return pg.worldSize }

// commsFor returns the group's resources for the ordered device set,
// creating them on first use. Creation exchanges the set's UniqueID through
// the store -- rank 0 generates it, the others block for it -- and then
// creates one communicator, dedicated stream and sync event per device.
//
// Communicator ranks flatten process ranks over devices: with n devices per
// member, this process's i-th device gets communicator rank Rank()*n+i of
// WorldSize()*n total.
func (pg *ProcessGroup) commsFor(devices []*device.Device) (*deviceResources, error) {
	key := deviceKeyFor(devices)
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.finalized {
		return nil, errors.Wrapf(godist.ErrBackendFailure, "process group is finalized")
	}
	if res, found := pg.resources[key]; found {
		return res, nil
	}

	id, err := exchangeUniqueID(pg.store, pg.rank, string(key))
	if err != nil {
		return nil, err
	}
	numRanks := pg.worldSize * len(devices)
	res := &deviceResources{}
	for i, dev := range devices {
		comm, err := NewComm(id, numRanks, pg.rank*len(devices)+i, dev)
		if err != nil {
			// Nothing partial is cached; undo what this loop created.
			for _, c := range res.comms {
				c.Destroy()
			}
			for _, s := range res.streams {
				s.Finalize()
			}
			return nil, err
		}
		res.comms = append(res.comms, comm)
		res.streams = append(res.streams, dev.NewStream())
		res.syncEvents = append(res.syncEvents, dev.NewEvent())
	}
	pg.resources[key] = res
	klog.V(1).Infof("gccl: rank %d of %d created communicators for devices [%s]", pg.rank, pg.worldSize, key)
	return res, nil
}

// Finalize implements godist.ProcessGroup: it destroys the group's
// communicators and finalizes its dedicated streams. Idempotent.
//
// Every collective of the group must have completed (Work.Wait) first: a
// dedicated stream still parked in a round cannot drain.
func (pg *ProcessGroup) Finalize() {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.finalized {
		return
	}
	pg.finalized = true
	for key, res := range pg.resources {
		for _, c := range res.comms {
			c.Destroy()
		}
		for _, s := range res.streams {
			s.Finalize()
		}
		delete(pg.resources, key)
	}
	klog.V(1).Infof("gccl: rank %d of %d finalized", pg.rank, pg.worldSize)
}
