// Package blockheader implements the wire-exact 80-byte Bitcoin block
// header: its serialization, its double-SHA-256 identity hash, and the
// compact-target proof-of-work check used to validate it.
package blockheader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size is the canonical wire length of a serialized block header.
const Size = 80

var (
	// ErrShortRead is returned when fewer than Size bytes are available
	// to deserialize a header.
	ErrShortRead = errors.New("blockheader: short read")
	// ErrMalformedBits is returned when a compact target's mantissa/exponent
	// combination cannot represent a valid 256-bit target.
	ErrMalformedBits = errors.New("blockheader: malformed compact target")
)

// Raw is the full 80-byte header as it appears on the wire, before the
// session ever sees it. Only Summary (below) is retained long-term; Raw
// exists to compute the hash and is discarded immediately after.
type Raw struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	Timestamp  time.Time
	Bits       uint32
	Nonce      uint32
}

// Serialize encodes the header into its canonical 80-byte wire form.
func (r *Raw) Serialize() [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Version))
	copy(buf[4:36], r.PrevBlock[:])
	copy(buf[36:68], r.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], uint32(r.Timestamp.Unix()))
	binary.LittleEndian.PutUint32(buf[72:76], r.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], r.Nonce)
	return buf
}

// Deserialize parses an 80-byte wire header. The tx-count trailer byte
// that follows each header in a `headers` message is not part of Raw and
// must be stripped by the caller before invoking this.
func Deserialize(b []byte) (*Raw, error) {
	if len(b) < Size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrShortRead, len(b), Size)
	}
	r := &Raw{
		Version: int32(binary.LittleEndian.Uint32(b[0:4])),
	}
	copy(r.PrevBlock[:], b[4:36])
	copy(r.MerkleRoot[:], b[36:68])
	r.Timestamp = time.Unix(int64(binary.LittleEndian.Uint32(b[68:72])), 0).UTC()
	r.Bits = binary.LittleEndian.Uint32(b[72:76])
	r.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return r, nil
}

// Hash computes the header's identity: double-SHA-256 of its 80-byte
// canonical serialization.
func (r *Raw) Hash() chainhash.Hash {
	raw := r.Serialize()
	return chainhash.DoubleHashH(raw[:])
}

// Summary is what the header queue retains: everything needed for
// proof-of-work verification and chain linkage, nothing needed for full
// block validation.
type Summary struct {
	Hash      chainhash.Hash
	PrevHash  chainhash.Hash
	Bits      uint32
	Timestamp time.Time
	Version   int32
	Height    uint64
}

// SummaryOf reduces a full raw header (plus its externally-known height)
// to the subset the queue keeps.
func SummaryOf(r *Raw, height uint64) Summary {
	return Summary{
		Hash:      r.Hash(),
		PrevHash:  r.PrevBlock,
		Bits:      r.Bits,
		Timestamp: r.Timestamp,
		Version:   r.Version,
		Height:    height,
	}
}

// hashToBig interprets a hash's raw bytes as a 256-bit little-endian
// integer, the convention Bitcoin proof-of-work comparisons use.
func hashToBig(h chainhash.Hash) *big.Int {
	var reversed chainhash.Hash
	for i, b := range h {
		reversed[chainhash.HashSize-1-i] = b
	}
	return new(big.Int).SetBytes(reversed[:])
}

// CompactToBig expands a compact ("nBits") target representation into a
// full 256-bit integer, following the same mantissa/exponent layout used
// throughout the btcsuite family of chain parameter packages.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if compact&0x00800000 != 0 {
		bn.Neg(bn)
	}
	return bn
}

// BigToCompact is the inverse of CompactToBig.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	negative := n.Sign() < 0
	work := new(big.Int).Abs(n)

	exponent := uint((work.BitLen() + 7) / 8)
	var mantissa uint32
	if exponent <= 3 {
		mantissa = uint32(work.Bits()[0])
		mantissa <<= 8 * (3 - exponent)
	} else {
		shifted := new(big.Int).Rsh(work, 8*(exponent-3))
		mantissa = uint32(shifted.Bits()[0])
	}

	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exponent++
	}

	compact := uint32(exponent)<<24 | mantissa
	if negative && mantissa != 0 {
		compact |= 0x00800000
	}
	return compact
}

// CheckProofOfWork reports whether hash, read as a 256-bit little-endian
// integer, is at or below the target implied by bits, and that bits
// itself encodes a sane (non-negative, non-overflowing) target.
func CheckProofOfWork(hash chainhash.Hash, bits uint32, powLimit *big.Int) error {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: target is non-positive", ErrMalformedBits)
	}
	if target.BitLen() > 256 {
		return fmt.Errorf("%w: target overflows 256 bits", ErrMalformedBits)
	}
	if powLimit != nil && target.Cmp(powLimit) > 0 {
		return fmt.Errorf("%w: target exceeds network proof-of-work limit", ErrMalformedBits)
	}
	hashNum := hashToBig(hash)
	if hashNum.Cmp(target) > 0 {
		return fmt.Errorf("blockheader: hash %s exceeds target (bits=%08x)", hash, bits)
	}
	return nil
}
