package vroom

import (
	"github.com/adwuerth/vroom/errs"
	"github.com/adwuerth/vroom/memory"
)

// Register offsets into BAR0 (spec §6.1).
const (
	regCAP   = 0x00
	regVS    = 0x08
	regCC    = 0x14
	regCSTS  = 0x1C
	regAQA   = 0x24
	regASQ   = 0x28
	regACQ   = 0x30
)

const (
	ccEnable   = 1 << 0
	cstsReady  = 1 << 0
	iosqesBits = 6 << 16 // 64-byte submission entries, exponent 6
	iocqesBits = 4 << 20 // 16-byte completion entries, exponent 4
)

// defaultQueueLen is used when Options.QueueLen is zero. maxQueueLenPerPage
// keeps both the SQ and CQ ring within a single 2 MiB huge page (spec §4.C
// Sizing).
const (
	defaultQueueLen   = 1024
	maxQueueLenPerPage = memory.Size2MiB / 64 / 2
)

// Options configures Open.
type Options struct {
	PageSize      memory.PageSize
	ForcePhysical bool
	UseIOMMUFD    bool
	// QueueLen caps the admin and default I/O queue capacity. Zero selects
	// defaultQueueLen, further capped by maxQueueLenPerPage and the
	// device's CAP.MQES.
	QueueLen uint32
}

// Controller is a bound, initialized NVMe controller (spec §3).
type Controller struct {
	pciAddr string
	mmio    *mmio
	backend memory.Backend
	dstrd   uint32
	qlen    uint32

	adminQP *QueuePair
	ioQP    *QueuePair
	nextQID uint16

	scratch *memory.Buffer
	prpList *memory.Buffer

	Identity   ControllerIdentity
	Namespaces map[uint32]*Namespace
}

// MaxSyncTransfer is the largest single chunk Read/Write will issue as one
// NVMe command without going through the PRP-list path (spec §9 open
// question: kept at 8 KiB, the safe minimum that never needs PRP2 to point
// at a list page).
const MaxSyncTransfer = 8192

// Open performs the full bring-up sequence of spec §4.D.1: platform binding
// and DMA backend selection, the reset/enable sequence, admin and default
// I/O queue-pair creation, and namespace discovery.
func Open(pciAddr string, opts Options) (*Controller, error) {
	backend, err := memory.Open(pciAddr, memory.Options{
		PageSize:      opts.PageSize,
		ForcePhysical: opts.ForcePhysical,
		UseIOMMUFD:    opts.UseIOMMUFD,
	})
	if err != nil {
		return nil, err
	}

	region, err := backend.MapDeviceRegion()
	if err != nil {
		backend.Close()
		return nil, err
	}
	if len(region) == 0 {
		backend.Close()
		return nil, errs.New(errs.KindMmio, "vroom: BAR0 region length is zero")
	}

	c := &Controller{
		pciAddr:    pciAddr,
		mmio:       newMMIO(region),
		backend:    backend,
		nextQID:    2,
		Namespaces: make(map[uint32]*Namespace),
	}

	if err := c.bringUp(opts); err != nil {
		backend.Close()
		return nil, err
	}
	return c, nil
}

// bringUp runs the reset/enable/identify sequence, releasing any admin
// queue pair and scratch DMA buffers it allocated if it fails partway
// through (spec §7: a fatal init error leaves no device state changed other
// than the BAR mapping, which the caller releases separately).
func (c *Controller) bringUp(opts Options) (err error) {
	defer func() {
		if err != nil {
			c.releaseBringUpState()
		}
	}()

	capReg := c.mmio.read64(regCAP)
	c.dstrd = uint32((capReg >> 32) & 0xF)
	mqes := uint32(capReg&0xFFFF) + 1

	c.qlen = clampQueueLen(opts.QueueLen, mqes)

	if err := c.resetController(); err != nil {
		return err
	}

	adminQP, err := newQueuePair(0, c.qlen, c.backend, c.mmio, c.dstrd)
	if err != nil {
		return err
	}
	c.adminQP = adminQP

	c.mmio.write64(regASQ, adminQP.SQ.buf.IOAddr)
	c.mmio.write64(regACQ, adminQP.CQ.buf.IOAddr)
	c.mmio.write32(regAQA, (c.qlen-1)<<16|(c.qlen-1))

	c.mmio.write32(regCC, ccEnable|iosqesBits|iocqesBits)
	for c.mmio.read32(regCSTS)&cstsReady == 0 {
	}

	scratch, err := c.backend.Allocate(4096)
	if err != nil {
		return err
	}
	c.scratch = scratch

	prpList, err := c.backend.Allocate(4096)
	if err != nil {
		return err
	}
	c.prpList = prpList

	if err := c.createDefaultIOQueuePair(); err != nil {
		return err
	}

	if err := c.identify(); err != nil {
		return err
	}
	return nil
}

// releaseBringUpState frees whatever admin queue pair, default I/O queue
// pair, and scratch DMA buffers bringUp managed to allocate before failing.
// Mirrors Controller.Close, minus closing the backend, which the caller of
// bringUp owns.
func (c *Controller) releaseBringUpState() {
	if c.prpList != nil {
		c.prpList.Release()
		c.prpList = nil
	}
	if c.scratch != nil {
		c.scratch.Release()
		c.scratch = nil
	}
	if c.ioQP != nil {
		c.ioQP.release()
		c.ioQP = nil
	}
	if c.adminQP != nil {
		c.adminQP.release()
		c.adminQP = nil
	}
}

// clampQueueLen resolves the requested queue length against the default,
// the single-huge-page ring-size cap, and the device's advertised maximum
// number of queue entries (CAP.MQES+1), per spec §4.C Sizing.
func clampQueueLen(requested, mqes uint32) uint32 {
	qlen := requested
	if qlen == 0 {
		qlen = defaultQueueLen
	}
	if qlen > maxQueueLenPerPage {
		qlen = maxQueueLenPerPage
	}
	if qlen > mqes {
		qlen = mqes
	}
	return qlen
}

// resetController clears CC.EN and spins until CSTS.RDY drops, per spec
// §4.D.1 step 4.
func (c *Controller) resetController() error {
	cc := c.mmio.read32(regCC)
	c.mmio.write32(regCC, cc&^ccEnable)
	for c.mmio.read32(regCSTS)&cstsReady != 0 {
	}
	return nil
}

func (c *Controller) createDefaultIOQueuePair() error {
	ioQP, err := newQueuePair(1, c.qlen, c.backend, c.mmio, c.dstrd)
	if err != nil {
		return err
	}

	cqCmd := createIOCompletionQueueCommand(0, 1, uint16(c.qlen), ioQP.CQ.buf.IOAddr)
	if _, err := c.adminSubmitWait(cqCmd); err != nil {
		ioQP.release()
		return err
	}

	sqCmd := createIOSubmissionQueueCommand(0, 1, uint16(c.qlen), 1, ioQP.SQ.buf.IOAddr)
	if _, err := c.adminSubmitWait(sqCmd); err != nil {
		ioQP.release()
		return err
	}

	c.ioQP = ioQP
	return nil
}

// adminSubmitWait is the submit-and-wait helper of spec §4.D.4: assign a
// command id, submit, ring the SQ doorbell, spin for the one completion,
// ring the CQ doorbell, and turn a nonzero status into a typed error.
func (c *Controller) adminSubmitWait(cmd NvmeCommand) (*NvmeCompletion, error) {
	return c.adminSubmitWaitOn(c.adminQP, cmd)
}

func (c *Controller) identify() error {
	ctrlCmd := identifyCommand(0, cnsController, 0, c.scratch.IOAddr)
	if _, err := c.adminSubmitWait(ctrlCmd); err != nil {
		return err
	}
	c.Identity = parseIdentifyController(c.scratch.Bytes)

	listCmd := identifyCommand(0, cnsNamespaceIDList, 0, c.scratch.IOAddr)
	if _, err := c.adminSubmitWait(listCmd); err != nil {
		return err
	}
	ids := parseNamespaceIDList(c.scratch.Bytes)

	for _, id := range ids {
		nsCmd := identifyCommand(0, cnsNamespace, id, c.scratch.IOAddr)
		if _, err := c.adminSubmitWait(nsCmd); err != nil {
			return err
		}
		ns, ok := parseIdentifyNamespace(id, c.scratch.Bytes)
		if !ok {
			continue
		}
		nsCopy := ns
		c.Namespaces[id] = &nsCopy
	}
	return nil
}

// Format submits FORMAT_NVM for nsid (0xFFFFFFFF formats every namespace),
// per spec §4.D.3, and waits for completion.
func (c *Controller) Format(nsid uint32) error {
	cmd := formatNVMCommand(0, nsid)
	_, err := c.adminSubmitWait(cmd)
	return err
}

// CreateIOQueuePair allocates and registers a new, user-owned queue pair
// with the controller (spec §3, §4.C state machine). The returned pair is
// intended to be moved to a worker thread; the Controller is only needed
// again for deletion.
func (c *Controller) CreateIOQueuePair(qlen uint32) (*QueuePair, error) {
	id := c.nextQID
	c.nextQID++

	qp, err := newQueuePair(id, qlen, c.backend, c.mmio, c.dstrd)
	if err != nil {
		return nil, err
	}

	cqCmd := createIOCompletionQueueCommand(0, id, uint16(qlen), qp.CQ.buf.IOAddr)
	if _, err := c.adminSubmitWait(cqCmd); err != nil {
		qp.release()
		return nil, err
	}
	sqCmd := createIOSubmissionQueueCommand(0, id, uint16(qlen), id, qp.SQ.buf.IOAddr)
	if _, err := c.adminSubmitWait(sqCmd); err != nil {
		qp.release()
		return nil, err
	}
	return qp, nil
}

// DeleteIOQueuePair submits the delete-SQ-then-delete-CQ admin sequence and
// frees the ring buffers (spec §4.C state machine). Callers must have
// drained all outstanding commands first; deletion without drain is
// undefined (spec §5 Cancellation).
func (c *Controller) DeleteIOQueuePair(qp *QueuePair) error {
	if qp.deleted {
		return errs.New(errs.KindConfig, "vroom: queue pair already deleted")
	}

	if _, err := c.adminSubmitWait(deleteIOSubmissionQueueCommand(0, qp.ID)); err != nil {
		return err
	}
	if _, err := c.adminSubmitWait(deleteIOCompletionQueueCommand(0, qp.ID)); err != nil {
		return err
	}
	qp.deleted = true
	return qp.release()
}

// Close tears down the default I/O queue pair and admin queue pair, and
// releases the DMA backend.
func (c *Controller) Close() error {
	if c.prpList != nil {
		c.prpList.Release()
	}
	if c.scratch != nil {
		c.scratch.Release()
	}
	if c.ioQP != nil {
		c.ioQP.release()
	}
	if c.adminQP != nil {
		c.adminQP.release()
	}
	return c.backend.Close()
}
