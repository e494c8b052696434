package godist

import "github.com/pkg/errors"

// Sentinel errors returned (wrapped, with context) by ProcessGroup
// operations and Work. Test with errors.Is.
var (
	// ErrInvalidOperands is returned when a collective's tensors fail
	// validation: wrong count, duplicated devices, mismatched shapes or
	// dtypes, or an unsupported reduction. The operation is rejected before
	// anything is enqueued.
	ErrInvalidOperands = errors.New("invalid operands")

	// ErrNotSupported is returned for operations the backend does not
	// implement.
	ErrNotSupported = errors.New("operation not supported")

	// ErrBackendFailure is returned when a communicator breaks down, e.g.
	// when group members disagree on the collective being issued.
	ErrBackendFailure = errors.New("backend failure")
)
