// Package godist provides process groups for collective communication across
// processes and their devices: broadcast, allreduce and friends, executed
// in-place on one tensor per device.
//
// Every participating process creates a process group with the same shared
// store.Store, its own rank and the common world size. Members find each
// other through the store (rendezvous); once communicators are established
// the store is no longer on the critical path.
//
// Backends register themselves with Register, and are selected by name --
// the usual one is "gccl", imported for its registration side effect:
//
//	import _ "github.com/gomlx/godist/gccl"
//
// Collective operations validate their operands and return errors (wrapping
// ErrInvalidOperands and friends) rather than panicking; panics with stack
// traces (see github.com/gomlx/exceptions) are reserved for API misuse, like
// requesting an unregistered backend.
package godist

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/godist/device"
	"github.com/gomlx/godist/store"
)

// ProcessGroup is one member's handle on a group of processes running
// collectives together. All members must issue the same collectives in the
// same order.
type ProcessGroup interface {
	// Name returns the short name of the backend implementing the group.
	// E.g.: "gccl".
	Name() string

	// Description is a longer description of the backend that can be used
	// to pretty-print.
	Description() string

	// Rank returns this process's rank within the group, in [0, WorldSize).
	Rank() int

	// WorldSize returns the number of processes in the group.
	WorldSize() int

	// Broadcast replicates the root's tensor to every tensor in the group,
	// in-place. tensors holds one tensor per device of this process, each
	// on a distinct device. It returns immediately with a Work tracking the
	// asynchronous operation.
	Broadcast(tensors []*device.Tensor, opts BroadcastOptions) (Work, error)

	// AllReduce reduces the tensors across the whole group with opts.Op and
	// leaves the result in every tensor, in-place. tensors holds one tensor
	// per device of this process, each on a distinct device. It returns
	// immediately with a Work tracking the asynchronous operation.
	AllReduce(tensors []*device.Tensor, opts AllreduceOptions) (Work, error)

	// Finalize releases the group's communicators and streams. The group
	// must not be used afterwards.
	Finalize()
}

// Work tracks one asynchronous collective operation.
//
// The collective runs on internal streams of each participating device;
// Synchronize or Wait order the caller's current streams after it. Backends
// may implement more than this surface (e.g. device-level completion
// queries); callers needing those assert to the concrete type.
type Work interface {
	// IsCompleted reports whether the operation has finished on all of this
	// process's devices. It never blocks.
	IsCompleted() bool

	// IsSuccess reports whether the operation succeeded. Backends with a
	// fatal failure model -- failures are raised from Wait/Synchronize, not
	// stored -- always report true.
	IsSuccess() bool

	// Exception returns the operation's stored failure. Backends with a
	// fatal failure model keep none and return an error wrapping
	// ErrNotSupported.
	Exception() error

	// Synchronize makes each participating device's current stream wait for
	// the operation's completion on that device. It does not block the
	// host. It returns an error if the operation is already known to have
	// failed.
	Synchronize() error

	// Wait is Synchronize plus blocking: it also blocks the host until the
	// operation has finished, and then reports any failure. After a
	// successful Wait, IsCompleted is true and the tensors hold the result.
	Wait() error
}

// Options carries what every backend needs to build a ProcessGroup.
type Options struct {
	// Store is the rendezvous store shared by all members of the group.
	// Typically a store.TCPStoreClient, or a store.HashStore when they all
	// live in one process.
	Store store.Store

	// Rank of this process, in [0, WorldSize).
	Rank int

	// WorldSize is the number of processes in the group.
	WorldSize int

	// Runtime with the devices this process operates.
	Runtime *device.Runtime
}

// Constructor takes a backend-specific config string (optionally empty) and
// the group options, and returns a connected ProcessGroup.
type Constructor func(config string, opts Options) (ProcessGroup, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as
// input a configuration string that is passed along to the backend.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GODIST_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "gccl")
// and "<backend_configuration>" is backend specific.
const GODIST_BACKEND = "GODIST_BACKEND"

// New returns a ProcessGroup built with the default backend configuration.
//
// The default is:
//
// 1. The environment GODIST_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New(opts Options) (ProcessGroup, error) {
	config, found := os.LookupEnv(GODIST_BACKEND)
	if found {
		return NewWithConfig(config, opts)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig, opts)
	}
	return NewWithConfig("", opts)
}

// NewWithConfig builds a ProcessGroup from a configuration string.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "gccl")
// and "<backend_configuration>" is backend specific.
//
// It panics if the named backend was not registered; errors from the backend
// itself (failed rendezvous, store unavailable) are returned.
func NewWithConfig(config string, opts Options) (ProcessGroup, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for godist -- maybe import the default one with import _ "github.com/gomlx/godist/gccl"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig, opts)
}
