package core

import (
	"crypto/sha256"
	"encoding/binary"

	"PerpPool/internal/event"
)

const GenesisHashSeed = "PerpPool:genesis:v1"

// ChainLink is what one applied command contributes to the hash chain.
type ChainLink struct {
	Sequence int64
	Op       event.OpType
	Payload  []byte
	Digest   []byte
}

// StateHasher keeps the tip of the command hash chain.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// LinkHash is SHA-256(prev || sequence || op || SHA-256(payload) || digest).
func LinkHash(prev [32]byte, link ChainLink) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(link.Sequence))
	hasher.Write(buf[:])
	binary.LittleEndian.PutUint16(buf[:2], uint16(link.Op))
	hasher.Write(buf[:2])

	payloadSum := sha256.Sum256(link.Payload)
	hasher.Write(payloadSum[:])
	hasher.Write(link.Digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Append advances the tip by one link and returns the new tip.
func (h *StateHasher) Append(link ChainLink) [32]byte {
	h.prevHash = LinkHash(h.prevHash, link)
	return h.prevHash
}

func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
