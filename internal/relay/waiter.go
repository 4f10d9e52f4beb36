package relay

import "github.com/MarcoPoloResearchLab/docrelay/internal/protocol"

// waiterKey identifies the single pending long-poll a (document, client)
// pair may hold.
type waiterKey struct {
	docID    DocID
	clientID ClientID
}

// pollWaiter is a registered long-poll continuation. The resolved flag
// guarantees at-most-once resolution: exactly one of the append-driven
// notify, the timeout, the abort, or a displacing poll delivers the result,
// and the others become no-ops.
type pollWaiter struct {
	result   chan protocol.PollResponse
	resolved bool
}

func newPollWaiter() *pollWaiter {
	return &pollWaiter{result: make(chan protocol.PollResponse, 1)}
}

// resolveLocked delivers the response unless the waiter was already
// resolved. Callers must hold the coordinator mutex.
func (w *pollWaiter) resolveLocked(response protocol.PollResponse) bool {
	if w.resolved {
		return false
	}
	w.resolved = true
	w.result <- response
	return true
}
