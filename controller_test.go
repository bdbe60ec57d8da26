package vroom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampQueueLen(t *testing.T) {
	assert.Equal(t, uint32(defaultQueueLen), clampQueueLen(0, 1_000_000))
	assert.Equal(t, uint32(maxQueueLenPerPage), clampQueueLen(1_000_000, 1_000_000))
	assert.Equal(t, uint32(64), clampQueueLen(1_000_000, 64))
	assert.Equal(t, uint32(128), clampQueueLen(128, 1_000_000))
}

func TestFormatNVMCommandShape(t *testing.T) {
	cmd := formatNVMCommand(3, 0xFFFFFFFF)
	assert.Equal(t, uint32(opFormatNVM)|uint32(3)<<16, cmd.CDW0)
	assert.Equal(t, uint32(0xFFFFFFFF), cmd.NSID)
}

func TestDeleteIOQueuePairRejectsDoubleDelete(t *testing.T) {
	c, ioQP := newTestController(t, 8)
	c.adminQP = ioQP // admin commands loop back onto the same fake queue

	ioQP.CQ.entries[0] = NvmeCompletion{Status: 1, SQHD: 1}
	ioQP.CQ.entries[1] = NvmeCompletion{Status: 1, SQHD: 2}
	require.NoError(t, c.DeleteIOQueuePair(ioQP))

	err := c.DeleteIOQueuePair(ioQP)
	assert.Error(t, err)
}
