// Package vroom is a user-space NVMe block-storage driver. It binds a PCIe
// NVMe controller, brings it up over DMA-mapped admin and I/O queues, and
// exposes namespace read/write without going through the kernel block layer.
//
// Open binds a controller by PCI address and returns a Controller with its
// namespaces already identified. Controller.Read and Controller.Write
// perform synchronous, chunked transfers against one namespace.
// QueuePair.SubmitIO, QueuePair.CompleteIO and QueuePair.QuickPoll give
// direct access to a queue pair's asynchronous submit/poll/complete cycle
// for callers that want to pipeline multiple commands.
package vroom
