package shard

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// maps a key onto [0, n) with a 64-bit blake2b digest
// seed separates independent hash spaces (shard index vs consensus partition)
func Index(key string, n int, seed string) int {
	if n <= 1 {
		return 0
	}

	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	h.Write([]byte(key))

	sum := binary.BigEndian.Uint64(h.Sum(nil))
	return int(sum % uint64(n))
}
