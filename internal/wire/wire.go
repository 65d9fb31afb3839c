// Package wire frames cached entries with the namespace epoch observed when
// the entry was filled. Readers reject entries whose epoch no longer matches
// the namespace's current epoch, which is what makes a purge effective on
// stores that cannot enumerate keys.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("coherence: corrupt entry")
	magic4     = [...]byte{'C', 'O', 'H', '1'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Entry: magic(4) | ver(1) | epoch(u64 be) | storedAt unix-milli(i64 be) | vlen(u32 be) | payload(vlen)
func Encode(epoch uint64, storedAtUnixMilli int64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 8 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], epoch)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(storedAtUnixMilli))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func Decode(b []byte) (epoch uint64, storedAtUnixMilli int64, payload []byte, err error) {
	const hdr = 4 + 1 + 8 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return 0, 0, nil, ErrCorrupt
	}

	off := 5

	epoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	storedAtUnixMilli = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// exact-length check: trailing bytes are corruption, not padding
	if vlen < 0 || vlen != len(b)-off {
		return 0, 0, nil, ErrCorrupt
	}

	return epoch, storedAtUnixMilli, b[off : off+vlen], nil
}
