/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareRevisions(t *testing.T) {
	rev := func(rev, epoch int64) *Topology {
		return &Topology{Revision: rev, RevEpoch: epoch}
	}

	require.Equal(t, 0, CompareRevisions(rev(10, 1), rev(10, 1)))
	require.Equal(t, -1, CompareRevisions(rev(9, 1), rev(10, 1)))
	require.Equal(t, +1, CompareRevisions(rev(11, 1), rev(10, 1)))

	// the epoch outranks the revision
	require.Equal(t, +1, CompareRevisions(rev(1, 2), rev(100, 1)))
	require.Equal(t, -1, CompareRevisions(rev(100, 1), rev(1, 2)))

	// absent components count as zero
	require.Equal(t, 0, CompareRevisions(rev(RevisionAbsent, RevisionAbsent), rev(0, 0)))
	require.Equal(t, -1, CompareRevisions(rev(5, RevisionAbsent), rev(5, 1)))
}

func TestCompareRevisionArrs(t *testing.T) {
	require.Equal(t, 0, compareRevisionArrs(nil, nil))
	require.Equal(t, 0, compareRevisionArrs([]uint64{4}, []uint64{4, 0}))
	require.Equal(t, -1, compareRevisionArrs([]uint64{4}, []uint64{0, 1}))
	require.Equal(t, +1, compareRevisionArrs([]uint64{0, 0, 1}, []uint64{9, 9}))
}
