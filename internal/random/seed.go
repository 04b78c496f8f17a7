// Package random provides the seeds handed to the generator.
//
// First attempts use a seed derived from the run fingerprint so a fresh run of
// the same manifest asks for the same images; retries draw fresh entropy from
// crypto/rand.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
)

// NewSeed generates a random seed using crypto/rand.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// FrameSeed derives the deterministic first-attempt seed for a frame.
func FrameSeed(fingerprint, salt string, frame int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(frame)))
	return h.Sum64()
}
