package vroom

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIdentifyController(t *testing.T) {
	page := make([]byte, 4096)
	copy(page[identSerialOffset:], []byte("SERIAL123           "))
	copy(page[identModelOffset:], []byte("Model Name                              "))
	copy(page[identFirmwareOffset:], []byte("FW01    "))

	id := parseIdentifyController(page)
	assert.Equal(t, "SERIAL123", id.Serial)
	assert.Equal(t, "Model Name", id.Model)
	assert.Equal(t, "FW01", id.Firmware)
}

func TestParseNamespaceIDList(t *testing.T) {
	page := make([]byte, 4096)
	binary.LittleEndian.PutUint32(page[0:4], 1)
	binary.LittleEndian.PutUint32(page[4:8], 2)
	binary.LittleEndian.PutUint32(page[8:12], 0)

	ids := parseNamespaceIDList(page)
	assert.Equal(t, []uint32{1, 2}, ids)
}

func TestParseIdentifyNamespace(t *testing.T) {
	page := make([]byte, 4096)
	binary.LittleEndian.PutUint64(page[identNSZEOffset:], 1000000)
	page[identFLBASOffset] = 0
	page[identLBAFOffset+lbadsByteInEntry] = 9 // 512-byte blocks

	ns, ok := parseIdentifyNamespace(1, page)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), ns.ID)
	assert.Equal(t, uint64(1000000), ns.Blocks)
	assert.Equal(t, uint32(512), ns.BlockSize)
	assert.Equal(t, uint64(1000000*512), ns.Bytes())
}

func TestParseIdentifyNamespaceInvalidLBADS(t *testing.T) {
	page := make([]byte, 4096)
	page[identLBAFOffset+lbadsByteInEntry] = 40 // out of [9,31]

	_, ok := parseIdentifyNamespace(1, page)
	assert.False(t, ok)
}
