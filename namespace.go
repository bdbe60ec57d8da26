package vroom

import (
	"encoding/binary"
	"strings"
)

// Namespace is an immutable snapshot of an NVMe namespace's identify data
// (spec §3): its id, logical-block count and logical-block size, enough to
// translate byte ranges into LBAs.
type Namespace struct {
	ID        uint32
	Blocks    uint64
	BlockSize uint32
}

// Bytes returns the namespace's total addressable size.
func (ns *Namespace) Bytes() uint64 {
	return ns.Blocks * uint64(ns.BlockSize)
}

// identify-controller field offsets (NVMe base spec figure 112): serial
// number, model number, firmware revision, all left-justified ASCII padded
// with spaces.
const (
	identSerialOffset   = 4
	identSerialLen      = 20
	identModelOffset    = 24
	identModelLen       = 40
	identFirmwareOffset = 64
	identFirmwareLen    = 8
)

// ControllerIdentity holds the trimmed ASCII fields read back from Identify
// Controller (spec §4.D.2).
type ControllerIdentity struct {
	Serial   string
	Model    string
	Firmware string
}

func parseIdentifyController(page []byte) ControllerIdentity {
	return ControllerIdentity{
		Serial:   trimASCII(page[identSerialOffset : identSerialOffset+identSerialLen]),
		Model:    trimASCII(page[identModelOffset : identModelOffset+identModelLen]),
		Firmware: trimASCII(page[identFirmwareOffset : identFirmwareOffset+identFirmwareLen]),
	}
}

func trimASCII(b []byte) string {
	return strings.TrimRight(strings.TrimSpace(string(b)), "\x00")
}

// parseNamespaceIDList reads up to 1024 little-endian uint32 namespace IDs
// from an Identify Active Namespace ID List page, stopping at the first
// zero entry (spec §4.D.2).
func parseNamespaceIDList(page []byte) []uint32 {
	const maxEntries = 1024
	ids := make([]uint32, 0, maxEntries)
	for i := 0; i < maxEntries; i++ {
		id := binary.LittleEndian.Uint32(page[i*4 : i*4+4])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// identify-namespace field offsets (NVMe base spec figure 115).
const (
	identNSZEOffset  = 0
	identFLBASOffset = 26
	identLBAFOffset  = 128
	identLBAFSize    = 4
	// lbadsByteInEntry is the byte within one 4-byte LBA-format entry that
	// holds LBADS, the data-size exponent (bits 16:23 of the entry).
	lbadsByteInEntry = 2

	minLBADS = 9
	maxLBADS = 31
)

// parseIdentifyNamespace extracts the block count and logical block size
// from an Identify Namespace page (spec §4.D.2). ok is false when the
// active LBA format's data-size exponent falls outside [9, 31] (the
// namespace is unusable).
func parseIdentifyNamespace(id uint32, page []byte) (Namespace, bool) {
	nsze := binary.LittleEndian.Uint64(page[identNSZEOffset : identNSZEOffset+8])
	flbas := page[identFLBASOffset] & 0xF

	entryOffset := identLBAFOffset + int(flbas)*identLBAFSize
	lbads := page[entryOffset+lbadsByteInEntry]

	if lbads < minLBADS || lbads > maxLBADS {
		return Namespace{}, false
	}

	return Namespace{
		ID:        id,
		Blocks:    nsze,
		BlockSize: 1 << lbads,
	}, true
}
