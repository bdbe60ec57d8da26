package vroom

import (
	"encoding/binary"

	"github.com/adwuerth/vroom/errs"
	"github.com/adwuerth/vroom/memory"
)

// pageSize is the PRP page granularity the NVMe spec mandates for PRP1/PRP2
// and the PRP-list format, independent of the DMA backend's page size (spec
// §4.E.1).
const pageSize = 4096

// Write submits slice to namespace nsid starting at LBA lba, one command per
// ≤MaxSyncTransfer chunk of slice (spec §4.E.1, §9 open question: the public
// path never builds a PRP list). blockSize must evenly divide every chunk
// length; callers pass whole numbers of logical blocks.
func (c *Controller) Write(nsid uint32, lba uint64, slice memory.Slice) error {
	return c.syncIO(true, nsid, lba, slice)
}

// Read is the mirror of Write.
func (c *Controller) Read(nsid uint32, lba uint64, slice memory.Slice) error {
	return c.syncIO(false, nsid, lba, slice)
}

func (c *Controller) syncIO(write bool, nsid uint32, lba uint64, slice memory.Slice) error {
	ns, ok := c.Namespaces[nsid]
	if !ok {
		return errs.New(errs.KindConfig, "vroom: unknown namespace")
	}
	blockSize := int(ns.BlockSize)

	for _, chunk := range slice.Chunks(MaxSyncTransfer) {
		if len(chunk.Bytes)%blockSize != 0 {
			return errs.New(errs.KindConfig, "vroom: chunk length not a multiple of block size")
		}
		blocks := uint16(len(chunk.Bytes)/blockSize) - 1

		prp1, prp2 := twoPagePRPs(chunk.IOAddr, len(chunk.Bytes))

		cmd := readWriteCommand(write, 0, nsid, lba, blocks, prp1, prp2)
		if _, err := c.adminSubmitWaitOn(c.ioQP, cmd); err != nil {
			return err
		}
		lba += uint64(len(chunk.Bytes) / blockSize)
	}
	return nil
}

// twoPagePRPs builds the PRP1/PRP2 pair for a transfer of at most two 4 KiB
// pages (spec §4.E.1 cases 1 and 2): PRP2 is unused for a single page, and is
// the second page's address for exactly two pages. Transfers are capped by
// MaxSyncTransfer so a chunk never spans more than two pages when its start
// is page-aligned, which DMA-allocated buffers always are.
func twoPagePRPs(ioAddr uint64, length int) (prp1, prp2 uint64) {
	prp1 = ioAddr
	firstPageEnd := (ioAddr/pageSize + 1) * pageSize
	if ioAddr+uint64(length) > firstPageEnd {
		prp2 = firstPageEnd
	}
	return prp1, prp2
}

// writeLarge and readLarge perform a single multi-page NVMe command using
// the controller's shared PRP-list page, for transfers that do not fit the
// two-page PRP1/PRP2 scheme (spec §8 PRP list boundary case). slice must be
// backed by one DMA buffer and its IOAddr must be 4 KiB aligned; both are
// guaranteed for the controller's own scratch-sized allocations but not for
// arbitrary caller slices, so these are internal, exercised directly by
// tests rather than exposed as public API (spec §9 open question). Because
// every call rewrites the one shared PRP-list page, large transfers on one
// Controller must not overlap.
func (c *Controller) writeLarge(nsid uint32, lba uint64, slice memory.Slice) error {
	return c.largeIO(true, nsid, lba, slice)
}

func (c *Controller) readLarge(nsid uint32, lba uint64, slice memory.Slice) error {
	return c.largeIO(false, nsid, lba, slice)
}

func (c *Controller) largeIO(write bool, nsid uint32, lba uint64, slice memory.Slice) error {
	ns, ok := c.Namespaces[nsid]
	if !ok {
		return errs.New(errs.KindConfig, "vroom: unknown namespace")
	}
	blockSize := int(ns.BlockSize)
	if len(slice.Bytes)%blockSize != 0 {
		return errs.New(errs.KindConfig, "vroom: length not a multiple of block size")
	}
	if slice.IOAddr%pageSize != 0 {
		return errs.New(errs.KindConfig, "vroom: large transfer requires a page-aligned buffer")
	}

	pages := (len(slice.Bytes) + pageSize - 1) / pageSize
	if pages <= 2 {
		return c.syncIO(write, nsid, lba, slice)
	}
	if (pages-1)*8 > len(c.prpList.Bytes) {
		return errs.New(errs.KindConfig, "vroom: transfer exceeds the PRP list page capacity")
	}

	prp1 := slice.IOAddr
	prp2 := c.prpList.IOAddr

	// PRP list entry i (0-indexed) holds the address of page i+1 of the
	// transfer (spec §8): entries run from the second page through the last.
	for i := 0; i < pages-1; i++ {
		entryAddr := slice.IOAddr + uint64(pageSize)*uint64(i+1)
		binary.LittleEndian.PutUint64(c.prpList.Bytes[i*8:i*8+8], entryAddr)
	}

	blocks := uint16(len(slice.Bytes)/blockSize) - 1
	cmd := readWriteCommand(write, 0, nsid, lba, blocks, prp1, prp2)
	_, err := c.adminSubmitWaitOn(c.ioQP, cmd)
	return err
}

// adminSubmitWaitOn is the submit-and-wait primitive of spec §4.D.4 on an
// arbitrary queue pair: assign a command id, submit, ring the SQ doorbell,
// spin for the one completion, ring the CQ doorbell, and turn a nonzero
// status into a typed error. Controller.adminSubmitWait is this pinned to
// the admin queue pair; the synchronous I/O path pins it to the default I/O
// queue pair instead.
func (c *Controller) adminSubmitWaitOn(qp *QueuePair, cmd NvmeCommand) (*NvmeCompletion, error) {
	cid := qp.SQ.nextCommandID()
	cmd.CDW0 = (cmd.CDW0 &^ 0xFFFF0000) | uint32(cid)<<16

	if _, err := qp.SQ.submitChecked(cmd); err != nil {
		return nil, err
	}
	qp.SQ.ringDoorbell()

	completion := qp.CQ.waitOne()
	qp.SQ.ackHead(uint32(completion.SQHD))

	if completion.StatusField() != 0 {
		return completion, errs.DeviceError("command", completion.Status)
	}
	return completion, nil
}

// SubmitIO enqueues one I/O command on qp without waiting for completion
// (spec §4.E.2, the async path): it never blocks, returning ErrQueueFull if
// the ring is full. The caller is responsible for later draining completions
// with CompleteIO or QuickPoll.
func (qp *QueuePair) SubmitIO(nsid uint32, lba uint64, blockSize int, chunk memory.Chunk, write bool) (uint16, error) {
	if len(chunk.Bytes)%blockSize != 0 {
		return 0, errs.New(errs.KindConfig, "vroom: chunk length not a multiple of block size")
	}
	blocks := uint16(len(chunk.Bytes)/blockSize) - 1
	prp1, prp2 := twoPagePRPs(chunk.IOAddr, len(chunk.Bytes))

	cid := qp.SQ.nextCommandID()
	cmd := readWriteCommand(write, cid, nsid, lba, blocks, prp1, prp2)
	if _, err := qp.SQ.submitChecked(cmd); err != nil {
		return 0, err
	}
	qp.SQ.ringDoorbell()
	return cid, nil
}

// CompleteIO blocks until n outstanding commands on qp have completed,
// acknowledges the submission queue, and returns the last completion's
// status (0 on success). Use with a known outstanding count (spec §4.E.2).
func (qp *QueuePair) CompleteIO(n uint32) uint16 {
	entry := qp.CQ.completeN(n)
	qp.CQ.ringDoorbell()
	qp.SQ.ackHead(uint32(entry.SQHD))
	return entry.StatusField()
}

// QuickPoll checks for one pending completion without blocking (spec
// §4.E.2): returns true if a completion was consumed. A nonzero status is
// logged rather than returned, since the async path has no synchronous
// caller to hand the error to.
func (qp *QueuePair) QuickPoll() bool {
	entry, ok := qp.CQ.poll()
	if !ok {
		return false
	}
	qp.CQ.ringDoorbell()
	qp.SQ.ackHead(uint32(entry.SQHD))
	if status := entry.StatusField(); status != 0 {
		logNonzeroCompletion(qp.ID, entry.CID, status)
	}
	return true
}
