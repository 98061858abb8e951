/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

// RevisionArr returns the revision of the topology as a revision array,
// least significant element first.  Absent components count as zero.
func (t *Topology) RevisionArr() []uint64 {
	return []uint64{revisionComponent(t.Revision), revisionComponent(t.RevEpoch)}
}

func revisionComponent(value int64) uint64 {
	if value < 0 {
		return 0
	}
	return uint64(value)
}

// CompareRevisions returns 0 if a and b carry the same revision, -1 if a is
// older and +1 if a is newer.  Revisions are informational, a lower value
// does not make a topology invalid.
func CompareRevisions(a, b *Topology) int {
	return compareRevisionArrs(a.RevisionArr(), b.RevisionArr())
}

// compareRevisionArrs compares two revision arrays whose most significant
// element is last.  Missing elements are treated as zero.
func compareRevisionArrs(a, b []uint64) int {
	numEls := len(a)
	if len(b) > numEls {
		numEls = len(b)
	}

	for elIdx := numEls - 1; elIdx >= 0; elIdx-- {
		var aVal, bVal uint64
		if elIdx < len(a) {
			aVal = a[elIdx]
		}
		if elIdx < len(b) {
			bVal = b[elIdx]
		}

		if aVal > bVal {
			return +1
		} else if aVal < bVal {
			return -1
		}
	}

	return 0
}

// HasRevision reports whether the source config carried a revision at all.
func (t *Topology) HasRevision() bool {
	return t.Revision != RevisionAbsent
}
