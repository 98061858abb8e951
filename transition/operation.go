/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transition

import (
	"sync"
)

type OpScope int

const (
	// ScopeShard operations are routed by their key or shard.
	ScopeShard OpScope = iota

	// ScopeServer operations (stats, observe, config requests) target a
	// specific node and are never relocated.
	ScopeServer
)

type Operation struct {
	// Key is hashed to pick the shard.  When Key is nil the Shard field is
	// used as-is.
	Key   []byte
	Shard int

	Scope OpScope

	// Node is the identity a ScopeServer operation is sent to.
	Node string

	// Retryable operations may be moved to another node when the topology
	// changes.  Anything else fails rather than risk being executed twice.
	Retryable bool

	// Callback is invoked exactly once when the operation fails or is
	// completed.
	Callback func(err error)

	// ConnState belongs to the connection the operation is queued on and is
	// discarded whenever the operation is relocated.
	ConnState any

	lock        sync.Mutex
	seq         uint64
	generation  *Generation
	conn        NodeConn
	finished    bool
	relocations int
}

// Seq is the submission order of the operation.
func (op *Operation) Seq() uint64 {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.seq
}

// Generation returns the topology generation the operation is currently
// routed under, or nil once it has finished.
func (op *Operation) Generation() *Generation {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.generation
}

func (op *Operation) Relocations() int {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.relocations
}

func (op *Operation) Finished() bool {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.finished
}

func (op *Operation) isScheduled() bool {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.generation != nil && !op.finished
}

func (op *Operation) bind(gen *Generation, seq uint64, conn NodeConn) {
	gen.acquire()

	op.lock.Lock()
	op.seq = seq
	op.generation = gen
	op.conn = conn
	op.finished = false
	op.relocations = 0
	op.lock.Unlock()
}

// relocate moves the operation onto conn under gen, routed to shard.  The
// reference to the generation it was routed under before is dropped.  It
// returns false, leaving the operation untouched, if it already finished.
func (op *Operation) relocate(gen *Generation, conn NodeConn, shard int) bool {
	op.lock.Lock()
	if op.finished {
		op.lock.Unlock()
		return false
	}

	gen.acquire()
	oldGen := op.generation
	op.generation = gen
	op.conn = conn
	op.Shard = shard
	op.ConnState = nil
	op.relocations++
	op.lock.Unlock()

	if oldGen != nil {
		oldGen.release()
	}
	return true
}

func (op *Operation) currentConn() NodeConn {
	op.lock.Lock()
	defer op.lock.Unlock()
	return op.conn
}

// Finish completes the operation with err and invokes its callback.  Only the
// first call has any effect; it reports whether this call finished it.
func (op *Operation) Finish(err error) bool {
	op.lock.Lock()
	if op.finished {
		op.lock.Unlock()
		return false
	}

	op.finished = true
	gen := op.generation
	op.generation = nil
	op.conn = nil
	op.lock.Unlock()

	if gen != nil {
		gen.release()
	}

	if op.Callback != nil {
		op.Callback(err)
	}

	return true
}
