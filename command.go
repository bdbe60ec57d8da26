package vroom

// NvmeCommand is the 64-byte NVMe submission queue entry (spec §6.2): a
// common prefix (CDW0 opcode/fused/PSDT/command id, namespace id, an unused
// metadata pointer, PRP1/PRP2) followed by six command-specific dwords.
type NvmeCommand struct {
	CDW0     uint32
	NSID     uint32
	_        uint64 // reserved, CDW2-3
	MPTR     uint64 // metadata pointer, unused (no metadata namespaces)
	PRP1     uint64
	PRP2     uint64
	CDW10    uint32
	CDW11    uint32
	CDW12    uint32
	CDW13    uint32
	CDW14    uint32
	CDW15    uint32
}

// NvmeCompletion is the 16-byte NVMe completion queue entry (spec §6.3).
type NvmeCompletion struct {
	DW0    uint32
	_      uint32 // reserved, DW1
	SQHD   uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

// Phase reports the completion's phase tag (bit 0 of Status).
func (c *NvmeCompletion) Phase() bool { return c.Status&1 == 1 }

// StatusField returns the status bits with the phase tag shifted out (spec
// §6.3, §7: bits 15..1).
func (c *NvmeCompletion) StatusField() uint16 { return c.Status >> 1 }

// Admin and I/O opcodes used by this driver (NVMe base spec figure 7, 86).
const (
	opDeleteIOSubmissionQueue = 0x00
	opCreateIOSubmissionQueue = 0x01
	opDeleteIOCompletionQueue = 0x04
	opCreateIOCompletionQueue = 0x05
	opIdentify                = 0x06
	opFormatNVM               = 0x80

	opFlush = 0x00
	opWrite = 0x01
	opRead  = 0x02
)

// Identify CNS (Controller or Namespace Structure) values (NVMe base spec
// figure 114).
const (
	cnsNamespace        = 0x00
	cnsController       = 0x01
	cnsNamespaceIDList  = 0x02
)

func cdw0(opcode uint8, cid uint16) uint32 {
	return uint32(opcode) | uint32(cid)<<16
}

func identifyCommand(cid uint16, cns uint8, nsid uint32, prp1 uint64) NvmeCommand {
	return NvmeCommand{
		CDW0:  cdw0(opIdentify, cid),
		NSID:  nsid,
		PRP1:  prp1,
		CDW10: uint32(cns),
	}
}

func createIOCompletionQueueCommand(cid, qid, qsize uint16, prp1 uint64) NvmeCommand {
	// CDW10: bits 31:16 = QSIZE-1, bits 15:0 = QID. CDW11 bit 0 = PC
	// (physically contiguous, always set: our queues are a single DMA buffer).
	return NvmeCommand{
		CDW0:  cdw0(opCreateIOCompletionQueue, cid),
		PRP1:  prp1,
		CDW10: uint32(qsize-1)<<16 | uint32(qid),
		CDW11: 1,
	}
}

func createIOSubmissionQueueCommand(cid, qid, qsize, cqid uint16, prp1 uint64) NvmeCommand {
	// CDW11: bits 31:16 = CQID, bit 0 = PC.
	return NvmeCommand{
		CDW0:  cdw0(opCreateIOSubmissionQueue, cid),
		PRP1:  prp1,
		CDW10: uint32(qsize-1)<<16 | uint32(qid),
		CDW11: uint32(cqid)<<16 | 1,
	}
}

func deleteIOSubmissionQueueCommand(cid, qid uint16) NvmeCommand {
	return NvmeCommand{CDW0: cdw0(opDeleteIOSubmissionQueue, cid), CDW10: uint32(qid)}
}

func deleteIOCompletionQueueCommand(cid, qid uint16) NvmeCommand {
	return NvmeCommand{CDW0: cdw0(opDeleteIOCompletionQueue, cid), CDW10: uint32(qid)}
}

func formatNVMCommand(cid uint16, nsid uint32) NvmeCommand {
	return NvmeCommand{CDW0: cdw0(opFormatNVM, cid), NSID: nsid}
}

// readWriteCommand builds an I/O read or write command for one chunk
// (≤MaxSyncTransfer on the synchronous path, up to one PRP-list page of
// pages on the large-transfer path; spec §4.E.1): starting LBA in CDW10/11,
// block-count-minus-1 in the
// low 16 bits of CDW12.
func readWriteCommand(write bool, cid uint16, nsid uint32, startLBA uint64, blocksMinus1 uint16, prp1, prp2 uint64) NvmeCommand {
	op := uint8(opRead)
	if write {
		op = opWrite
	}
	return NvmeCommand{
		CDW0:  cdw0(op, cid),
		NSID:  nsid,
		PRP1:  prp1,
		PRP2:  prp2,
		CDW10: uint32(startLBA),
		CDW11: uint32(startLBA >> 32),
		CDW12: uint32(blocksMinus1),
	}
}
