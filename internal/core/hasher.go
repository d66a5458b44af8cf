package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "ABRLedger:genesis:v1"

// StateHasher maintains the event log's hash chain.
// Not thread-safe; the Emitter owns it under its own lock.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash advances the chain:
//
//	state_hash[N] = SHA-256(state_hash[N-1] || sequence (8 bytes LE) || digest)
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	return h.advance(ChainHash(h.prevHash, sequence, digest))
}

func (h *StateHasher) advance(next [32]byte) [32]byte {
	h.prevHash = next
	return next
}

// ChainHash is the pure form of ComputeHash, used to verify a stored chain.
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns the current chain tip.
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip (snapshot restore and replay).
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
