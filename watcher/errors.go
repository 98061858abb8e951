package watcher

import "github.com/pkg/errors"

var (
	ErrMissingCoordinator = errors.New("watcher requires a coordinator")
	ErrPayloadSkipped     = errors.New("payload revision is older than the active topology")
)
