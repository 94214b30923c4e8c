package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/chaincore/headersync/internal/blockheader"
)

// MessageType identifies a wire message's kind. Only the two messages the
// header-sync protocol actually speaks are modeled; everything else
// (version/verack, ping/pong, ...) belongs to the generic networking layer.
type MessageType uint8

const (
	MsgGetHeaders MessageType = iota + 1
	MsgHeaders
)

// MaxHeadersPerMessage is the wire-protocol cap on headers per `headers`
// reply (spec.md §6).
const MaxHeadersPerMessage = 2000

// Message is anything the header-sync protocol can send or receive over a
// Channel.
type Message interface {
	Type() MessageType
	Encode() []byte
}

// GetHeaders requests headers following locator, up to stopHash
// (spec.md §6: version | locator-count | locator-hashes | stop-hash).
type GetHeaders struct {
	Version  uint32
	Locator  []chainhash.Hash
	StopHash chainhash.Hash
}

func (m *GetHeaders) Type() MessageType { return MsgGetHeaders }

// Encode serializes m to its bit-exact wire form.
func (m *GetHeaders) Encode() []byte {
	buf := make([]byte, 0, 4+9+len(m.Locator)*chainhash.HashSize+chainhash.HashSize)
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], m.Version)
	buf = append(buf, v[:]...)
	buf = appendVarInt(buf, uint64(len(m.Locator)))
	for _, h := range m.Locator {
		buf = append(buf, h[:]...)
	}
	buf = append(buf, m.StopHash[:]...)
	return buf
}

// DecodeGetHeaders parses a GetHeaders message from its wire form.
func DecodeGetHeaders(b []byte) (*GetHeaders, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("p2p: get-headers: short read")
	}
	m := &GetHeaders{Version: binary.LittleEndian.Uint32(b[0:4])}
	rest := b[4:]
	count, n, err := readVarInt(rest)
	if err != nil {
		return nil, fmt.Errorf("p2p: get-headers: %w", err)
	}
	rest = rest[n:]
	m.Locator = make([]chainhash.Hash, count)
	for i := uint64(0); i < count; i++ {
		if len(rest) < chainhash.HashSize {
			return nil, fmt.Errorf("p2p: get-headers: short locator")
		}
		copy(m.Locator[i][:], rest[:chainhash.HashSize])
		rest = rest[chainhash.HashSize:]
	}
	if len(rest) < chainhash.HashSize {
		return nil, fmt.Errorf("p2p: get-headers: short stop-hash")
	}
	copy(m.StopHash[:], rest[:chainhash.HashSize])
	return m, nil
}

// Headers carries the raw headers a peer replied with (spec.md §6: count
// (varint, <=2000) | headers (80B serialized header + 0x00 tx-count byte,
// repeated)). Decoding does not compute hashes or heights; that is the
// protocol handler's job once it knows the expected starting height.
type Headers struct {
	Raw []*blockheader.Raw
}

func (m *Headers) Type() MessageType { return MsgHeaders }

// Encode serializes m to its bit-exact wire form.
func (m *Headers) Encode() []byte {
	buf := appendVarInt(nil, uint64(len(m.Raw)))
	for _, h := range m.Raw {
		ser := h.Serialize()
		buf = append(buf, ser[:]...)
		buf = append(buf, 0x00) // tx-count trailer, always zero for a headers-only reply
	}
	return buf
}

// DecodeHeaders parses a Headers message, rejecting replies that exceed
// MaxHeadersPerMessage.
func DecodeHeaders(b []byte) (*Headers, error) {
	count, n, err := readVarInt(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: headers: %w", err)
	}
	if count > MaxHeadersPerMessage {
		return nil, fmt.Errorf("p2p: headers: count %d exceeds max %d", count, MaxHeadersPerMessage)
	}
	rest := b[n:]
	out := make([]*blockheader.Raw, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(rest) < blockheader.Size+1 {
			return nil, fmt.Errorf("p2p: headers: short read at entry %d", i)
		}
		raw, err := blockheader.Deserialize(rest[:blockheader.Size])
		if err != nil {
			return nil, fmt.Errorf("p2p: headers: entry %d: %w", i, err)
		}
		if rest[blockheader.Size] != 0x00 {
			return nil, fmt.Errorf("p2p: headers: entry %d: non-zero tx-count trailer", i)
		}
		out = append(out, raw)
		rest = rest[blockheader.Size+1:]
	}
	return &Headers{Raw: out}, nil
}

// appendVarInt appends a Bitcoin CompactSize-encoded integer to buf.
func appendVarInt(buf []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(buf, byte(v))
	case v <= 0xffff:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(v))
		return append(append(buf, 0xfd), b...)
	case v <= 0xffffffff:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		return append(append(buf, 0xfe), b...)
	default:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)
		return append(append(buf, 0xff), b...)
	}
}

// readVarInt decodes a Bitcoin CompactSize integer, returning the value
// and the number of bytes consumed.
func readVarInt(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("empty varint")
	}
	switch b[0] {
	case 0xfd:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("short varint (0xfd)")
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, nil
	case 0xfe:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("short varint (0xfe)")
		}
		return uint64(binary.LittleEndian.Uint32(b[1:5])), 5, nil
	case 0xff:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("short varint (0xff)")
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, nil
	default:
		return uint64(b[0]), 1, nil
	}
}
