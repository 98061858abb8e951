package transition

import "github.com/pkg/errors"

var (
	ErrTopologyChanged    = errors.New("operation could not be kept across a topology change")
	ErrAllocationFailure  = errors.New("failed to allocate node connection")
	ErrClosed             = errors.New("coordinator is closed")
	ErrNotInitialized     = errors.New("no topology has been applied")
	ErrAlreadyScheduled   = errors.New("operation is already scheduled")
	ErrNilTopology        = errors.New("topology must not be nil")
	ErrMissingDialer      = errors.New("a dialer is required")
	ErrUnknownServerScope = errors.New("server-scoped operation does not name a node")
)
