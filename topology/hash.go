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
	"crypto/md5"
	"hash/crc32"
)

// ShardHash is the vbucket hash.  Servers compute the same value, so this
// must stay bit-for-bit identical: the upper 15 bits of the IEEE CRC32.
func ShardHash(key []byte) uint32 {
	crc := crc32.ChecksumIEEE(key)
	return (crc >> 16) & 0x7fff
}

// KetamaHash returns the first continuum point of the key.
func KetamaHash(key []byte) uint32 {
	digest := md5.Sum(key)
	return ketamaPoint(digest, 0)
}

// ketamaPoint reads the n'th little-endian 32-bit word of an md5 digest.
func ketamaPoint(digest [md5.Size]byte, n int) uint32 {
	return uint32(digest[3+n*4])<<24 |
		uint32(digest[2+n*4])<<16 |
		uint32(digest[1+n*4])<<8 |
		uint32(digest[n*4])
}
