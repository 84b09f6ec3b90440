// Package dedupe suppresses reprocessing of an unchanged consecutive message
// per peer. The gate holds one slot per peer, so memory stays O(active
// peers).
package dedupe

// Gate carries no internal locking. Callers that touch it from more than one
// goroutine must add their own mutual exclusion; the pipeline guards it with
// its queue mutex so Accept and Forget never race.
type Gate struct {
	lastSeen map[string]string
}

func NewGate() *Gate {
	return &Gate{lastSeen: make(map[string]string)}
}

// Accept reports whether text should be processed for peer: true iff it
// differs from the last accepted text for that peer. The slot is updated
// either way, so an identical message seen immediately again is suppressed,
// but A-B-A sequences are all processed.
//
// Accept guarantees at most one enqueue per distinct consecutive (peer, text)
// pair; it does not serialize the processing of two different texts from the
// same peer.
func (g *Gate) Accept(peer, text string) bool {
	if last, ok := g.lastSeen[peer]; ok && last == text {
		return false
	}
	g.lastSeen[peer] = text
	return true
}

// Forget drops the slot for peer, typically after its conversation is
// deleted.
func (g *Gate) Forget(peer string) {
	delete(g.lastSeen, peer)
}

// Len returns the number of tracked peers.
func (g *Gate) Len() int {
	return len(g.lastSeen)
}
