package packstore

import (
	"fmt"

	"github.com/rarydzu/fdpool/filepool"
	"github.com/rarydzu/fdpool/utils"
)

const (
	Tombstoned = iota + 1
	headerSize = 9 // flags + key length + value length
	metaSize   = headerSize + filepool.CRCSize
	// MaxKeySize keeps a corrupted header from asking for gigabytes
	MaxKeySize = 1 << 16
)

// Record is a single pack entry:
// flags(1) | keyLen(4) | valueLen(4) | key | value | crc32(4)
type Record struct {
	Flags int8
	Key   []byte
	Value []byte
}

func setBit(n int8, pos uint) int8 {
	n |= (1 << pos)
	return n
}

func hasBit(n int8, pos uint) bool {
	val := n & (1 << pos)
	return (val > 0)
}

func NewRecord(key, value []byte) *Record {
	return &Record{Key: key, Value: value}
}

func (r *Record) IsTombstoned() bool {
	return hasBit(r.Flags, Tombstoned)
}

func (r *Record) Tombstone() {
	r.Flags = setBit(r.Flags, Tombstoned)
	r.Value = nil
}

// Size is the encoded length including the crc trailer
func (r *Record) Size() int {
	return metaSize + len(r.Key) + len(r.Value)
}

// Encode lays the record out with a zeroed crc slot; the pool writer
// fills it in.
func (r *Record) Encode() []byte {
	buf := make([]byte, r.Size())
	buf[0] = byte(r.Flags)
	copy(buf[1:5], utils.Uint32ToBytes(uint32(len(r.Key))))
	copy(buf[5:9], utils.Uint32ToBytes(uint32(len(r.Value))))
	keyEnd := headerSize + len(r.Key)
	copy(buf[headerSize:keyEnd], r.Key)
	copy(buf[keyEnd:], r.Value)
	return buf
}

// decodeHeader returns flags and the full encoded size announced by hdr
func decodeHeader(hdr []byte) (int8, int, error) {
	if len(hdr) < headerSize {
		return 0, 0, fmt.Errorf("record header too short: %d bytes", len(hdr))
	}
	keyLen := utils.BytesToUint32(hdr[1:5])
	valueLen := utils.BytesToUint32(hdr[5:9])
	if keyLen == 0 || keyLen > MaxKeySize {
		return 0, 0, fmt.Errorf("invalid key length %d", keyLen)
	}
	return int8(hdr[0]), metaSize + int(keyLen) + int(valueLen), nil
}

// Decode parses a buffer produced by Encode. The crc is not checked here,
// reads go through PreadCRC.
func (r *Record) Decode(data []byte) error {
	flags, size, err := decodeHeader(data)
	if err != nil {
		return err
	}
	if size != len(data) {
		return fmt.Errorf("record size mismatch %d != %d", size, len(data))
	}
	keyLen := int(utils.BytesToUint32(data[1:5]))
	keyEnd := headerSize + keyLen
	r.Flags = flags
	r.Key = data[headerSize:keyEnd]
	r.Value = data[keyEnd : len(data)-filepool.CRCSize]
	return nil
}
