// Package forwardtable implements the bounded map from outstanding DNS
// transaction id to the original client address used by the
// stub-resolver forwarding path (spec §4.6).
package forwardtable

import "net"

// Record is one outstanding forwarded query.
type Record struct {
	ID   uint16
	Addr *net.UDPAddr
}

// Table is a bounded, FIFO-eviction map keyed by DNS transaction id.
// It is not safe for concurrent use; like the rest of the engine it is
// owned exclusively by the single-threaded event loop.
type Table struct {
	cap   int
	byID  map[uint16]*net.UDPAddr
	order []uint16 // insertion order, for FIFO eviction
}

// New returns a table that holds at most capacity outstanding records.
func New(capacity int) *Table {
	return &Table{
		cap:  capacity,
		byID: make(map[uint16]*net.UDPAddr, capacity),
	}
}

// Put records that a query with the given id was forwarded on behalf
// of addr. If the table is at capacity, the oldest record is evicted
// first (spec: "on overflow, oldest entry is evicted (FIFO)").
//
// If id is already present, its record is replaced but its position in
// the eviction order is not changed -- a collision on an in-flight id
// is rare enough (16-bit space, bounded outstanding set) that FIFO
// eviction order need not be perfectly exact for this case.
func (t *Table) Put(id uint16, addr *net.UDPAddr) {
	if _, exists := t.byID[id]; !exists {
		if len(t.order) >= t.cap {
			t.evictOldest()
		}
		t.order = append(t.order, id)
	}
	t.byID[id] = addr
}

func (t *Table) evictOldest() {
	if len(t.order) == 0 {
		return
	}
	oldest := t.order[0]
	t.order = t.order[1:]
	delete(t.byID, oldest)
}

// Take looks up and removes the record for id, reporting whether one
// was found (spec: destroyed "on the first matching response").
func (t *Table) Take(id uint16) (*net.UDPAddr, bool) {
	addr, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	t.removeFromOrder(id)
	return addr, true
}

func (t *Table) removeFromOrder(id uint16) {
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Len returns the number of outstanding records.
func (t *Table) Len() int { return len(t.byID) }
