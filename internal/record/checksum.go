package record

import "hash/crc32"

var crcTable = crc32.MakeTable(crc32.IEEE)

// Checksum computes the content digest for a serialized payload.
//
// The function is pure: the same payload always yields the same digest, and
// flipping a single byte changes it with overwhelming probability. Collision
// resistance is not a security requirement here, only an integrity signal.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, crcTable)
}

// Verify reports whether payload still matches the expected digest.
func Verify(payload []byte, expected uint32) bool {
	return Checksum(payload) == expected
}
