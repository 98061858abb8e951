/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memconn implements node connections which never leave the process.
// Enqueued operations wait in a queue until Flush "writes" them, after which
// they are in flight and can no longer be removed.  Nothing completes until
// Complete is called, which makes the state of every connection observable
// during a transition.
package memconn

import (
	"sync"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbase/gocbtopology/transition"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrDialFailed = errors.New("dial failed")

type Conn struct {
	logger   *zap.Logger
	identity string

	lock     sync.Mutex
	queue    []*transition.Operation
	inflight []*transition.Operation
	flushes  int
	closing  bool
	closed   bool
}

var _ transition.NodeConn = (*Conn)(nil)

func (c *Conn) Identity() string {
	return c.identity
}

func (c *Conn) Enqueue(op *transition.Operation) {
	c.lock.Lock()
	if c.closing {
		c.logger.Warn("operation enqueued on a closing connection")
	}
	c.queue = append(c.queue, op)
	c.lock.Unlock()
}

// Requeue inserts op among the queued operations ahead of the first one
// submitted after it.
func (c *Conn) Requeue(op *transition.Operation) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closing {
		c.logger.Warn("operation requeued on a closing connection")
	}

	seq := op.Seq()
	opIdx := slices.IndexFunc(c.queue, func(queued *transition.Operation) bool {
		return queued.Seq() > seq
	})
	if opIdx < 0 {
		opIdx = len(c.queue)
	}
	c.queue = slices.Insert(c.queue, opIdx, op)
}

// Pending returns the in flight operations followed by the queued ones.
func (c *Conn) Pending() []*transition.Operation {
	c.lock.Lock()
	defer c.lock.Unlock()

	pending := make([]*transition.Operation, 0, len(c.inflight)+len(c.queue))
	pending = append(pending, c.inflight...)
	pending = append(pending, c.queue...)
	return pending
}

// Queued returns the operations which have not been flushed yet.
func (c *Conn) Queued() []*transition.Operation {
	c.lock.Lock()
	defer c.lock.Unlock()

	return slices.Clone(c.queue)
}

func (c *Conn) InFlight() []*transition.Operation {
	c.lock.Lock()
	defer c.lock.Unlock()

	return slices.Clone(c.inflight)
}

// Remove only succeeds for operations which have not been flushed.
func (c *Conn) Remove(op *transition.Operation) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	opIdx := slices.Index(c.queue, op)
	if opIdx < 0 {
		return false
	}

	c.queue = slices.Delete(c.queue, opIdx, opIdx+1)
	c.maybeCloseLocked()
	return true
}

func (c *Conn) PendingCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.inflight) + len(c.queue)
}

func (c *Conn) Flush() {
	c.lock.Lock()
	c.flushes++
	c.inflight = append(c.inflight, c.queue...)
	c.queue = nil
	c.lock.Unlock()
}

// FlushCount is the number of times Flush was called.
func (c *Conn) FlushCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.flushes
}

func (c *Conn) CloseWhenDrained() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.closing = true
	c.maybeCloseLocked()
}

func (c *Conn) maybeCloseLocked() {
	if c.closing && !c.closed && len(c.queue) == 0 && len(c.inflight) == 0 {
		c.closed = true
		c.logger.Debug("connection closed after draining")
	}
}

func (c *Conn) Closing() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.closing
}

func (c *Conn) Closed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.closed
}

// Complete responds to op as the server would, whether or not it was
// flushed.  It returns false if op was not pending on this connection.
func (c *Conn) Complete(op *transition.Operation, err error) bool {
	c.lock.Lock()
	if opIdx := slices.Index(c.inflight, op); opIdx >= 0 {
		c.inflight = slices.Delete(c.inflight, opIdx, opIdx+1)
	} else if opIdx := slices.Index(c.queue, op); opIdx >= 0 {
		c.queue = slices.Delete(c.queue, opIdx, opIdx+1)
	} else {
		c.lock.Unlock()
		return false
	}
	c.maybeCloseLocked()
	c.lock.Unlock()

	op.Finish(err)
	return true
}

// CompleteAll responds to every pending operation in order.
func (c *Conn) CompleteAll(err error) int {
	numCompleted := 0
	for _, op := range c.Pending() {
		if c.Complete(op, err) {
			numCompleted++
		}
	}
	return numCompleted
}

type DialerOptions struct {
	Logger *zap.Logger
}

// Dialer opens Conns and remembers every connection it opened.
type Dialer struct {
	logger *zap.Logger

	lock     sync.Mutex
	conns    map[string][]*Conn
	failures map[string]error
}

var _ transition.Dialer = (*Dialer)(nil)

func NewDialer(opts DialerOptions) *Dialer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dialer{
		logger:   logger,
		conns:    make(map[string][]*Conn),
		failures: make(map[string]error),
	}
}

func (d *Dialer) Open(node *topology.Node) (transition.NodeConn, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if err, ok := d.failures[node.Identity]; ok {
		d.logger.Debug("refusing to open connection", zap.String("node", node.Identity))
		return nil, err
	}

	conn := &Conn{
		logger:   d.logger.With(zap.String("node", node.Identity)),
		identity: node.Identity,
	}
	d.conns[node.Identity] = append(d.conns[node.Identity], conn)

	return conn, nil
}

// FailNode makes every following Open for identity fail.  A nil err fails
// with ErrDialFailed.
func (d *Dialer) FailNode(identity string, err error) {
	if err == nil {
		err = errors.Wrap(ErrDialFailed, identity)
	}

	d.lock.Lock()
	d.failures[identity] = err
	d.lock.Unlock()
}

func (d *Dialer) ClearFailure(identity string) {
	d.lock.Lock()
	delete(d.failures, identity)
	d.lock.Unlock()
}

// Conn returns the most recent connection opened to identity.
func (d *Dialer) Conn(identity string) *Conn {
	d.lock.Lock()
	defer d.lock.Unlock()

	conns := d.conns[identity]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// OpenCount is the number of connections opened to identity.
func (d *Dialer) OpenCount(identity string) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.conns[identity])
}

// Conns returns every connection the dialer has opened, ordered by identity
// and then by the order they were opened in.
func (d *Dialer) Conns() []*Conn {
	d.lock.Lock()
	defer d.lock.Unlock()

	identities := make([]string, 0, len(d.conns))
	for identity := range d.conns {
		identities = append(identities, identity)
	}
	slices.Sort(identities)

	var conns []*Conn
	for _, identity := range identities {
		conns = append(conns, d.conns[identity]...)
	}
	return conns
}
