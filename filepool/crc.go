package filepool

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ztrue/tracerr"
)

// CRCSize is the length of the checksum trailer
const CRCSize = 4

// putCRC overwrites the last CRCSize bytes of buf with the checksum of the
// bytes before them.
func putCRC(buf []byte) error {
	if len(buf) < CRCSize {
		return tracerr.Errorf("buffer of %d bytes has no room for a crc: %w", len(buf), ErrChecksumMismatch)
	}
	n := len(buf) - CRCSize
	binary.LittleEndian.PutUint32(buf[n:], crc32.ChecksumIEEE(buf[:n]))
	return nil
}

// checkCRC validates a buffer produced by putCRC
func checkCRC(buf []byte, name string) error {
	if len(buf) < CRCSize {
		return tracerr.Errorf("%s: %d bytes is too short for a crc: %w", name, len(buf), ErrChecksumMismatch)
	}
	n := len(buf) - CRCSize
	computed := crc32.ChecksumIEEE(buf[:n])
	stored := binary.LittleEndian.Uint32(buf[n:])
	if computed != stored {
		return tracerr.Errorf("%s: computed %08x stored %08x: %w", name, computed, stored, ErrChecksumMismatch)
	}
	return nil
}
