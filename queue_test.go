package vroom

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwuerth/vroom/memory"
)

func addrOfTest(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// fakeBackend backs DMA buffers with plain heap allocations, using the slice
// address as a stand-in I/O address. It exists only to exercise queue-ring
// logic without real hardware or VFIO.
type fakeBackend struct{}

func (fakeBackend) Allocate(size int) (*memory.Buffer, error) {
	buf := make([]byte, size)
	return &memory.Buffer{
		Bytes:  buf,
		IOAddr: uint64(addrOfTest(buf)),
		Size:   size,
	}, nil
}

func (fakeBackend) MapDeviceRegion() ([]byte, error) { return make([]byte, 0x2000), nil }
func (fakeBackend) Close() error                      { return nil }

func newTestQueuePair(t *testing.T, qlen uint32) *QueuePair {
	t.Helper()
	m := newMMIO(make([]byte, 0x2000))
	qp, err := newQueuePair(1, qlen, fakeBackend{}, m, 0)
	require.NoError(t, err)
	return qp
}

func TestNewQueuePairRejectsInvalidLength(t *testing.T) {
	m := newMMIO(make([]byte, 0x2000))
	_, err := newQueuePair(1, 0, fakeBackend{}, m, 0)
	assert.Error(t, err)

	_, err = newQueuePair(1, maxCommandID+1, fakeBackend{}, m, 0)
	assert.Error(t, err)
}

func TestNextCommandIDPacksQueueAndTail(t *testing.T) {
	qp := newTestQueuePair(t, 8)
	id := qp.SQ.nextCommandID()
	assert.Equal(t, uint16(1)<<11, id)

	_, err := qp.SQ.submitChecked(NvmeCommand{})
	require.NoError(t, err)
	id = qp.SQ.nextCommandID()
	assert.Equal(t, uint16(1)<<11|1, id)
}

func TestSubmitCheckedFillsRing(t *testing.T) {
	qp := newTestQueuePair(t, 4)
	for i := 0; i < 3; i++ {
		_, err := qp.SQ.submitChecked(NvmeCommand{})
		require.NoError(t, err)
	}
	_, err := qp.SQ.submitChecked(NvmeCommand{})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCompletionQueuePhaseWrap(t *testing.T) {
	qp := newTestQueuePair(t, 2)

	qp.CQ.entries[0] = NvmeCompletion{Status: 1}
	entry, ok := qp.CQ.poll()
	assert.True(t, ok)
	assert.Equal(t, uint16(1), entry.Status)
	assert.Equal(t, uint32(1), qp.CQ.head)

	qp.CQ.entries[1] = NvmeCompletion{Status: 1}
	_, ok = qp.CQ.poll()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), qp.CQ.head)
	assert.False(t, qp.CQ.phase)

	_, ok = qp.CQ.poll()
	assert.False(t, ok)
}

func TestCompleteNLazyAck(t *testing.T) {
	qp := newTestQueuePair(t, 4)
	qp.CQ.entries[0] = NvmeCompletion{Status: 1, SQHD: 1}
	qp.CQ.entries[1] = NvmeCompletion{Status: 1, SQHD: 2}

	entry := qp.CQ.completeN(2)
	assert.Equal(t, uint16(2), entry.SQHD)
	assert.Equal(t, uint32(2), qp.CQ.head)
}

// TestCompleteNTogglesPhaseOnLazyAckWrap covers the CQ-wrap boundary case
// (spec §8): when the lazy-ack jump itself carries head past qlen, phase
// must flip right there, not only on a later poll. Without that, entries
// whose phase bit has already flipped (because the ring genuinely wrapped)
// never compare equal to the stale phase and completeN spins forever.
func TestCompleteNTogglesPhaseOnLazyAckWrap(t *testing.T) {
	qp := newTestQueuePair(t, 4)
	qp.CQ.head = 3
	qp.CQ.phase = true
	// entries[1] carries the flipped phase bit (0), matching a ring that has
	// genuinely wrapped past its end.
	qp.CQ.entries[1] = NvmeCompletion{Status: 0, SQHD: 5}

	entry := qp.CQ.completeN(3)
	assert.Equal(t, uint16(5), entry.SQHD)
	assert.Equal(t, uint32(2), qp.CQ.head)
	assert.False(t, qp.CQ.phase)
}
