package pebblestore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Record layout: headerLen(4B BE) | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord is returned by DecodeRecord on a short or mismatched record.
var ErrCorruptRecord = errors.New("pebble: corrupt record")

// EncodeRecord frames header and payload with a CRC-32C trailer.
func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 4+len(header)+len(payload)+4)
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(len(header)))
	out = append(out, hb[:]...)
	out = append(out, header...)
	out = append(out, payload...)
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	return append(out, cb[:]...)
}

// DecodeRecord validates b and returns copies of its header and payload.
func DecodeRecord(b []byte) (header, payload []byte, err error) {
	if len(b) < 8 {
		return nil, nil, ErrCorruptRecord
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if uint64(hlen)+8 > uint64(len(b)) {
		return nil, nil, ErrCorruptRecord
	}
	headerEnd := 4 + int(hlen)
	header = b[4:headerEnd]
	payload = b[headerEnd : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, ErrCorruptRecord
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), nil
}
