package blockheader

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	r := &Raw{
		Version:   1,
		Timestamp: time.Unix(1231006505, 0).UTC(),
		Bits:      0x1d00ffff,
		Nonce:     2083236893,
	}
	copy(r.MerkleRoot[:], bytesOf(0xab))

	ser := r.Serialize()
	require.Len(t, ser, Size)

	got, err := Deserialize(ser[:])
	require.NoError(t, err)
	require.Equal(t, r.Version, got.Version)
	require.Equal(t, r.PrevBlock, got.PrevBlock)
	require.Equal(t, r.MerkleRoot, got.MerkleRoot)
	require.Equal(t, r.Bits, got.Bits)
	require.Equal(t, r.Nonce, got.Nonce)
	require.Equal(t, r.Timestamp.Unix(), got.Timestamp.Unix())
}

func TestDeserializeShortRead(t *testing.T) {
	_, err := Deserialize(make([]byte, Size-1))
	require.ErrorIs(t, err, ErrShortRead)
}

func TestCompactBigRoundTrip(t *testing.T) {
	cases := []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff, 0x03123456}
	for _, c := range cases {
		n := CompactToBig(c)
		back := BigToCompact(n)
		require.Equal(t, c, back, "round trip for 0x%08x", c)
	}
}

func TestBigToCompactZero(t *testing.T) {
	require.Equal(t, uint32(0), BigToCompact(big.NewInt(0)))
}

func TestCheckProofOfWorkAccepts(t *testing.T) {
	bits := uint32(0x207fffff) // regtest-style, trivially easy target
	target := CompactToBig(bits)

	var h chainhash.Hash // all-zero hash is always <= any positive target
	err := CheckProofOfWork(h, bits, target)
	require.NoError(t, err)
}

func TestCheckProofOfWorkRejectsHighHash(t *testing.T) {
	bits := uint32(0x03000001) // tiny target
	var h chainhash.Hash
	for i := range h {
		h[i] = 0xff
	}
	err := CheckProofOfWork(h, bits, nil)
	require.Error(t, err)
}

func TestCheckProofOfWorkRejectsOverLimit(t *testing.T) {
	bits := uint32(0x207fffff)
	limit := CompactToBig(0x1d00ffff) // much smaller than bits' target
	var h chainhash.Hash
	err := CheckProofOfWork(h, bits, limit)
	require.ErrorIs(t, err, ErrMalformedBits)
}

func bytesOf(b byte) []byte {
	out := make([]byte, chainhash.HashSize)
	for i := range out {
		out[i] = b
	}
	return out
}
