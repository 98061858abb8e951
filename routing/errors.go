package routing

import "github.com/pkg/errors"

var (
	ErrNoMatchingNode = errors.New("no node available for the key")
	ErrInvalidShard   = errors.New("invalid shard index")
)
