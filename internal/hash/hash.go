package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Size is the digest size in bytes.
const Size = sha256.Size

// Digest is a SHA-256 fingerprint.
type Digest [Size]byte

// Zero is the all-zero digest, used where an optional input is absent.
var Zero Digest

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Zero
}

// Canonical serializes data deterministically. encoding/json sorts map keys,
// which is the property the digests depend on.
func Canonical(data interface{}) ([]byte, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return encoded, nil
}

// Calculate returns the digest of the canonical serialization of data.
func Calculate(data interface{}) (Digest, error) {
	encoded, err := Canonical(data)
	if err != nil {
		return Zero, err
	}
	return sha256.Sum256(encoded), nil
}

// CalculateBytes returns the digest of raw bytes.
func CalculateBytes(data []byte) Digest {
	return sha256.Sum256(data)
}

// Chain derives a transition digest from an optional predecessor, the current
// state digest, and a logical timestamp. Linking to the predecessor makes the
// sequence of states tamper-evident end to end.
func Chain(previous *Digest, current Digest, logicalTimestamp uint64) Digest {
	buf := make([]byte, 0, 2*Size+8)
	if previous != nil {
		buf = append(buf, previous[:]...)
	}
	buf = append(buf, current[:]...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, logicalTimestamp)
	buf = append(buf, ts...)
	return sha256.Sum256(buf)
}
