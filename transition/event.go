/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transition

import "github.com/couchbase/gocbtopology/topology"

type EventKind int

const (
	// EventNew is emitted for the first topology a coordinator applies.
	EventNew EventKind = iota

	// EventChanged is emitted for every later topology.
	EventChanged
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventChanged:
		return "changed"
	}
	return "unknown"
}

type Event struct {
	Kind       EventKind
	Generation uint64
	Topology   *topology.Topology

	// Diff is nil for EventNew.
	Diff *topology.Diff

	// OlderRevision is set when the applied topology carried an older
	// revision than the one it replaced.
	OlderRevision bool

	Relocated int
	Failed    int
	Retiring  int

	// AllocationFailures holds one error wrapping ErrAllocationFailure for
	// every node whose connection could not be opened.
	AllocationFailures []error
}

type EventHandler func(evt *Event)
