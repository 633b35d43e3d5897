package channelcache

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

// File format v20: a 44-byte packed header, followed by
// ci_count fixed-width Ci entries, followed by lai_count 4-byte LAi
// post_id entries. All multi-byte values little-endian. Checksum is
// CRC-32/ISO-HDLC (crc32.IEEE: poly 0xEDB88320, reflected, init/final
// 0xFFFFFFFF) computed over the whole file with the checksum field
// zeroed, all fields little-endian.
const (
	magicV20   uint32 = 0x50334143 // 'P3AC'
	versionV20 uint16 = 20

	headerSize       = 44
	remoteEntrySize  = 64
	sdcardEntrySize  = 160
	laiEntrySize     = 4
	channelIDFieldSz = 16

	// sdcardFilenameFieldSize is the NUL-terminated filename field inside a
	// storage-card Ci entry: post_id(4) + extension(1) + padding(3) + filename.
	sdcardFilenameFieldSize = sdcardEntrySize - 4 - 1 - 3

	// MaxCiEntries is the per-channel Ci cap: enforced
	// at merge time by rejecting new entries once reached (see MergeCi).
	MaxCiEntries = 1024
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// EntryType is the Ci element's content type.
type EntryType uint8

const (
	EntryStill EntryType = iota
	EntryAnimation
	EntryOther
)

// Entry is one Ci element. Remote channels populate StorageKey/Type/Flags/
// DwellMS/CreatedAt; storage-card channels populate Filename/Extension.
// PostID is meaningful for both (synthetic ordering hint for storage-card).
type Entry struct {
	PostID     int32
	StorageKey uuid.UUID // remote only
	Type       EntryType
	Flags      byte
	DwellMS    uint32
	CreatedAt  int64 // unix seconds

	Filename  string // storage-card only
	Extension byte   // storage-card only: raw extension tag, caller-defined
}

type header struct {
	magic     uint32
	version   uint16
	flags     uint16
	ciCount   uint32
	laiCount  uint32
	ciOffset  uint32
	laiOffset uint32
	checksum  uint32
	channelID [channelIDFieldSz]byte
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.version)
	binary.LittleEndian.PutUint16(buf[6:8], h.flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.ciCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.laiCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.ciOffset)
	binary.LittleEndian.PutUint32(buf[20:24], h.laiOffset)
	binary.LittleEndian.PutUint32(buf[24:28], h.checksum)
	copy(buf[28:44], h.channelID[:])
	return buf
}

func decodeHeader(buf []byte) header {
	var h header
	h.magic = binary.LittleEndian.Uint32(buf[0:4])
	h.version = binary.LittleEndian.Uint16(buf[4:6])
	h.flags = binary.LittleEndian.Uint16(buf[6:8])
	h.ciCount = binary.LittleEndian.Uint32(buf[8:12])
	h.laiCount = binary.LittleEndian.Uint32(buf[12:16])
	h.ciOffset = binary.LittleEndian.Uint32(buf[16:20])
	h.laiOffset = binary.LittleEndian.Uint32(buf[20:24])
	h.checksum = binary.LittleEndian.Uint32(buf[24:28])
	copy(h.channelID[:], buf[28:44])
	return h
}

func channelIDField(id string) [channelIDFieldSz]byte {
	var out [channelIDFieldSz]byte
	copy(out[:], id)
	return out
}

func encodeRemoteEntry(e Entry) []byte {
	buf := make([]byte, remoteEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.PostID))
	copy(buf[4:20], e.StorageKey[:])
	buf[20] = byte(e.Type)
	buf[21] = e.Flags
	binary.LittleEndian.PutUint32(buf[22:26], e.DwellMS)
	binary.LittleEndian.PutUint64(buf[26:34], uint64(e.CreatedAt))
	// buf[34:64] reserved, left zero.
	return buf
}

func decodeRemoteEntry(buf []byte) Entry {
	var e Entry
	e.PostID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	copy(e.StorageKey[:], buf[4:20])
	e.Type = EntryType(buf[20])
	e.Flags = buf[21]
	e.DwellMS = binary.LittleEndian.Uint32(buf[22:26])
	e.CreatedAt = int64(binary.LittleEndian.Uint64(buf[26:34]))
	return e
}

func encodeSDCardEntry(e Entry) []byte {
	buf := make([]byte, sdcardEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.PostID))
	buf[4] = e.Extension
	// buf[5:8] padding, left zero.
	name := []byte(e.Filename)
	if len(name) > sdcardFilenameFieldSize-1 {
		name = name[:sdcardFilenameFieldSize-1]
	}
	copy(buf[8:8+len(name)], name)
	// remaining bytes (including the NUL terminator) are left zero.
	return buf
}

func decodeSDCardEntry(buf []byte) Entry {
	var e Entry
	e.PostID = int32(binary.LittleEndian.Uint32(buf[0:4]))
	e.Extension = buf[4]
	nameField := buf[8:sdcardEntrySize]
	nul := len(nameField)
	for i, b := range nameField {
		if b == 0 {
			nul = i
			break
		}
	}
	e.Filename = string(nameField[:nul])
	return e
}

func entrySize(sdcard bool) int {
	if sdcard {
		return sdcardEntrySize
	}
	return remoteEntrySize
}

// checksum computes CRC-32/ISO-HDLC over buf, which must already have its
// checksum field (header bytes [24:28]) zeroed by the caller.
func checksum(buf []byte) uint32 {
	return crc32.Checksum(buf, crcTable)
}
