package vroom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwuerth/vroom/memory"
)

func TestTwoPagePRPsSinglePage(t *testing.T) {
	prp1, prp2 := twoPagePRPs(pageSize, 512)
	assert.Equal(t, uint64(pageSize), prp1)
	assert.Equal(t, uint64(0), prp2)
}

func TestTwoPagePRPsSpanningTwoPages(t *testing.T) {
	ioAddr := uint64(pageSize - 512)
	prp1, prp2 := twoPagePRPs(ioAddr, 1024)
	assert.Equal(t, ioAddr, prp1)
	assert.Equal(t, uint64(pageSize), prp2)
}

func newTestController(t *testing.T, qlen uint32) (*Controller, *QueuePair) {
	t.Helper()
	m := newMMIO(make([]byte, 0x2000))
	ioQP, err := newQueuePair(1, qlen, fakeBackend{}, m, 0)
	require.NoError(t, err)

	prpBuf, err := fakeBackend{}.Allocate(4096)
	require.NoError(t, err)

	c := &Controller{
		mmio:       m,
		backend:    fakeBackend{},
		ioQP:       ioQP,
		prpList:    prpBuf,
		Namespaces: map[uint32]*Namespace{1: {ID: 1, Blocks: 1_000_000, BlockSize: 512}},
	}
	return c, ioQP
}

// stageCompletion writes a successful completion entry at the queue's
// current head slot, standing in for a device that completes instantly.
func stageCompletion(qp *QueuePair, sqhd uint16) {
	qp.CQ.entries[qp.CQ.head] = NvmeCompletion{Status: 1, SQHD: sqhd}
}

func TestSyncIOChunksAtMaxSyncTransfer(t *testing.T) {
	c, ioQP := newTestController(t, 8)

	buf, err := fakeBackend{}.Allocate(MaxSyncTransfer * 2)
	require.NoError(t, err)
	slice := buf.Slice()

	stageCompletion(ioQP, 1)
	require.NoError(t, c.syncIO(true, 1, 0, memory.Slice{Bytes: slice.Bytes[:MaxSyncTransfer], IOAddr: slice.IOAddr}))

	stageCompletion(ioQP, 2)
	require.NoError(t, c.syncIO(true, 1, 16, memory.Slice{Bytes: slice.Bytes[MaxSyncTransfer:], IOAddr: slice.IOAddr + MaxSyncTransfer}))
}

func TestSyncIORejectsUnknownNamespace(t *testing.T) {
	c, _ := newTestController(t, 8)
	err := c.syncIO(true, 99, 0, memory.Slice{})
	assert.Error(t, err)
}

func TestSyncIORejectsMisalignedChunk(t *testing.T) {
	c, _ := newTestController(t, 8)
	buf, err := fakeBackend{}.Allocate(513)
	require.NoError(t, err)
	err = c.syncIO(true, 1, 0, buf.Slice())
	assert.Error(t, err)
}

func TestLargeIOBuildsPRPList(t *testing.T) {
	c, ioQP := newTestController(t, 8)

	const pages = 4
	buf, err := fakeBackend{}.Allocate(pages * pageSize)
	require.NoError(t, err)
	// Force a page-aligned IOAddr regardless of where the test heap placed it.
	buf.IOAddr -= buf.IOAddr % pageSize

	stageCompletion(ioQP, 1)
	require.NoError(t, c.writeLarge(1, 0, buf.Slice()))

	for i := 0; i < pages-1; i++ {
		got := leUint64(c.prpList.Bytes[i*8 : i*8+8])
		want := buf.IOAddr + uint64(pageSize)*uint64(i+1)
		assert.Equal(t, want, got)
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func TestQuickPollAndCompleteIO(t *testing.T) {
	qp := newTestQueuePair(t, 4)

	assert.False(t, qp.QuickPoll())

	qp.CQ.entries[0] = NvmeCompletion{Status: 1, SQHD: 1}
	assert.True(t, qp.QuickPoll())
	assert.Equal(t, uint32(1), qp.SQ.head)

	qp.CQ.entries[1] = NvmeCompletion{Status: 1, SQHD: 2}
	status := qp.CompleteIO(1)
	assert.Equal(t, uint16(0), status)
}
