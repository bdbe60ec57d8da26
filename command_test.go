package vroom

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestCommandStructSizes(t *testing.T) {
	assert.Equal(t, uintptr(64), unsafe.Sizeof(NvmeCommand{}))
	assert.Equal(t, uintptr(16), unsafe.Sizeof(NvmeCompletion{}))
}

func TestCompletionPhaseAndStatus(t *testing.T) {
	c := NvmeCompletion{Status: 0x0001}
	assert.True(t, c.Phase())
	assert.Equal(t, uint16(0), c.StatusField())

	c = NvmeCompletion{Status: 0x0003}
	assert.True(t, c.Phase())
	assert.Equal(t, uint16(1), c.StatusField())

	c = NvmeCompletion{Status: 0x0002}
	assert.False(t, c.Phase())
	assert.Equal(t, uint16(1), c.StatusField())
}

func TestIdentifyCommand(t *testing.T) {
	cmd := identifyCommand(7, cnsController, 0, 0xDEADBEEF)
	assert.Equal(t, uint32(opIdentify)|uint32(7)<<16, cmd.CDW0)
	assert.Equal(t, uint64(0xDEADBEEF), cmd.PRP1)
	assert.Equal(t, uint32(cnsController), cmd.CDW10)
}

func TestCreateIOQueueCommands(t *testing.T) {
	cq := createIOCompletionQueueCommand(1, 3, 256, 0x1000)
	assert.Equal(t, uint32(255)<<16|uint32(3), cq.CDW10)
	assert.Equal(t, uint32(1), cq.CDW11)

	sq := createIOSubmissionQueueCommand(1, 3, 256, 3, 0x2000)
	assert.Equal(t, uint32(255)<<16|uint32(3), sq.CDW10)
	assert.Equal(t, uint32(3)<<16|1, sq.CDW11)
}

func TestReadWriteCommand(t *testing.T) {
	cmd := readWriteCommand(true, 5, 1, 0x1_0000_0001, 7, 0x1000, 0x2000)
	assert.Equal(t, uint8(opWrite), uint8(cmd.CDW0&0xFF))
	assert.Equal(t, uint32(1), cmd.NSID)
	assert.Equal(t, uint32(1), cmd.CDW10)
	assert.Equal(t, uint32(1), cmd.CDW11)
	assert.Equal(t, uint32(7), cmd.CDW12)

	cmd = readWriteCommand(false, 5, 1, 0, 0, 0x1000, 0)
	assert.Equal(t, uint8(opRead), uint8(cmd.CDW0&0xFF))
}
