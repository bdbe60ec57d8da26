package vroom

import (
	"errors"
	"unsafe"

	"github.com/adwuerth/vroom/errs"
	"github.com/adwuerth/vroom/memory"
)

// ErrQueueFull is returned by SubmissionQueue.submitChecked when the ring is
// at capacity (spec §4.C Submission protocol). It is a queue-state signal,
// not an OS/device failure, so it is a plain sentinel rather than an
// errs.Error.
var ErrQueueFull = errors.New("vroom: submission queue full")

// maxCommandID bounds queue length so that command_id = (qid<<11)|sq_tail
// stays unique within any one queue (spec §4.E.3, §9 open question).
const maxCommandID = 2048

// doorbellBase is the offset of the first SQ/CQ doorbell register (spec §6.1).
const doorbellBase = 0x1000

// sqDoorbell and cqDoorbell compute the doorbell register offsets for queue
// id, given the device's doorbell-stride exponent (spec §6.1, §4.C step 2).
func sqDoorbell(id uint16, dstrd uint32) uintptr {
	return doorbellBase + uintptr(4<<dstrd)*uintptr(2*id)
}

func cqDoorbell(id uint16, dstrd uint32) uintptr {
	return doorbellBase + uintptr(4<<dstrd)*uintptr(2*id+1)
}

// SubmissionQueue is a circular ring of 64-byte command entries (spec §3).
type SubmissionQueue struct {
	id       uint16
	buf      *memory.Buffer
	entries  []NvmeCommand
	head     uint32
	tail     uint32
	qlen     uint32
	doorbell uintptr
	mmio     *mmio
}

// CompletionQueue is a circular ring of 16-byte completion entries with a
// phase bit (spec §3).
type CompletionQueue struct {
	id       uint16
	buf      *memory.Buffer
	entries  []NvmeCompletion
	head     uint32
	qlen     uint32
	phase    bool
	doorbell uintptr
	mmio     *mmio
}

// QueuePair owns one SubmissionQueue and one CompletionQueue sharing an ID
// (spec §3, §4.C).
type QueuePair struct {
	ID uint16
	SQ *SubmissionQueue
	CQ *CompletionQueue

	backend memory.Backend
	deleted bool
}

func newSubmissionEntries(buf *memory.Buffer, qlen uint32) []NvmeCommand {
	return unsafe.Slice((*NvmeCommand)(unsafe.Pointer(&buf.Bytes[0])), qlen)
}

func newCompletionEntries(buf *memory.Buffer, qlen uint32) []NvmeCompletion {
	return unsafe.Slice((*NvmeCompletion)(unsafe.Pointer(&buf.Bytes[0])), qlen)
}

// newQueuePair allocates the SQ and CQ ring buffers and computes doorbell
// offsets (spec §4.C Construction). qlen must not exceed maxCommandID, the
// cap implied by the command-id encoding.
func newQueuePair(id uint16, qlen uint32, backend memory.Backend, m *mmio, dstrd uint32) (*QueuePair, error) {
	if qlen == 0 || qlen > maxCommandID {
		return nil, errs.New(errs.KindConfig, "vroom: queue length must be in (0, 2048]")
	}

	sqBuf, err := backend.Allocate(int(qlen) * int(unsafe.Sizeof(NvmeCommand{})))
	if err != nil {
		return nil, err
	}
	cqBuf, err := backend.Allocate(int(qlen) * int(unsafe.Sizeof(NvmeCompletion{})))
	if err != nil {
		sqBuf.Release()
		return nil, err
	}
	for i := range sqBuf.Bytes {
		sqBuf.Bytes[i] = 0
	}
	for i := range cqBuf.Bytes {
		cqBuf.Bytes[i] = 0
	}

	sq := &SubmissionQueue{
		id:       id,
		buf:      sqBuf,
		entries:  newSubmissionEntries(sqBuf, qlen),
		qlen:     qlen,
		doorbell: sqDoorbell(id, dstrd),
		mmio:     m,
	}
	cq := &CompletionQueue{
		id:       id,
		buf:      cqBuf,
		entries:  newCompletionEntries(cqBuf, qlen),
		qlen:     qlen,
		phase:    true,
		doorbell: cqDoorbell(id, dstrd),
		mmio:     m,
	}

	return &QueuePair{ID: id, SQ: sq, CQ: cq, backend: backend}, nil
}

// nextCommandID returns the command identifier to use for the entry about
// to be written at the current tail (spec §4.E.3): unique across any queue
// of length ≤ maxCommandID since it packs the queue id into the high bits.
func (sq *SubmissionQueue) nextCommandID() uint16 {
	return sq.id<<11 | uint16(sq.tail)&0x7FF
}

// submitChecked writes entry at the current tail and advances it, or
// returns ErrQueueFull without mutating state (spec §4.C Submission
// protocol: never block).
func (sq *SubmissionQueue) submitChecked(entry NvmeCommand) (uint32, error) {
	next := (sq.tail + 1) % sq.qlen
	if next == sq.head {
		return sq.tail, ErrQueueFull
	}
	sq.entries[sq.tail] = entry
	sq.tail = next
	return sq.tail, nil
}

// ringDoorbell informs the device that entries [head, tail) are valid. A
// doorbell write is always a plain 32-bit store; the device tolerates
// redundant writes (spec §4.E.3).
func (sq *SubmissionQueue) ringDoorbell() {
	sq.mmio.write32(sq.doorbell, sq.tail)
}

// ackHead records that the device has consumed up through newHead (learned
// from a completion's SQHD field), so future full/empty checks are accurate.
func (sq *SubmissionQueue) ackHead(newHead uint32) {
	sq.head = newHead % sq.qlen
}

// poll checks slot head for a new completion without blocking (spec §4.C
// Completion protocol). Returns (entry, true) and advances head/phase if the
// phase bit matches, else (nil, false).
func (cq *CompletionQueue) poll() (*NvmeCompletion, bool) {
	entry := &cq.entries[cq.head]
	if entry.Phase() != cq.phase {
		return nil, false
	}
	cq.head++
	if cq.head == cq.qlen {
		cq.head = 0
		cq.phase = !cq.phase
	}
	return entry, true
}

// completeN advances past n-1 pending completions without individually
// validating them (lazy-ack), then spins on poll for the last one, per spec
// §4.C. Callers must guarantee n entries are truly pending.
func (cq *CompletionQueue) completeN(n uint32) *NvmeCompletion {
	if n > 1 {
		cq.head += n - 1
		if cq.head >= cq.qlen {
			cq.phase = !cq.phase
		}
		cq.head %= cq.qlen
	}
	for {
		if entry, ok := cq.poll(); ok {
			return entry
		}
	}
}

func (cq *CompletionQueue) ringDoorbell() {
	cq.mmio.write32(cq.doorbell, cq.head)
}

// waitOne spins on poll until exactly one new completion arrives, rings the
// CQ doorbell, and returns it. Used by the synchronous admin/I/O paths.
func (cq *CompletionQueue) waitOne() *NvmeCompletion {
	for {
		if entry, ok := cq.poll(); ok {
			cq.ringDoorbell()
			return entry
		}
	}
}

// release frees both ring buffers. Callers must have already drained and,
// for non-admin pairs, issued the admin delete commands (spec §4.C state
// machine: deletion without drain is undefined).
func (qp *QueuePair) release() error {
	if err := qp.SQ.buf.Release(); err != nil {
		return err
	}
	return qp.CQ.buf.Release()
}
