package vroom

import "log"

// logNonzeroCompletion reports a failed completion observed on the async I/O
// path, which has no synchronous caller to return an error to (spec §4.E.2,
// §7).
func logNonzeroCompletion(qid, cid uint16, status uint16) {
	log.Printf("vroom: queue %d command %d completed with status 0x%04x", qid, cid, status)
}
