// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// SessionID computes a 4-byte hash from the TCP peer and the two link peer
// addresses. It only labels diagnostics for one relay session.
func SessionID(addrs ...string) uint32 {
	h := fnv.New32a()
	for _, a := range addrs {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return h.Sum32()
}
