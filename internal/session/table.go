package session

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DefaultUsers is the fixed slot count named throughout spec §3, §4.4,
// and §8's end-to-end scenarios (VFUL payload == USERS == 16).
const DefaultUsers = 16

// Table is the fixed-capacity array of session slots, indexed by
// small integer userid (spec §3).
type Table struct {
	slots []*Session
}

// NewTable allocates a table with n slots, all initially empty.
func NewTable(n int) *Table {
	t := &Table{slots: make([]*Session, n)}
	for i := range t.slots {
		t.slots[i] = newSession(i)
	}
	return t
}

// Len returns the table's fixed slot count.
func (t *Table) Len() int { return len(t.slots) }

// Valid reports whether id is in range.
func (t *Table) Valid(id int) bool { return id >= 0 && id < len(t.slots) }

// Get returns the session at id, or nil if id is out of range.
func (t *Table) Get(id int) *Session {
	if !t.Valid(id) {
		return nil
	}
	return t.slots[id]
}

// Allocate finds the first inactive slot, resets it to a fresh
// handshake state, marks it active, and returns its id. ok is false if
// every slot is active (spec §4.4's VFUL branch).
//
// The reset discards any Parked query, In/Out buffer contents, Host,
// Seed, and Encoder left behind by a previous occupant of the slot --
// without it, a never-completed earlier occupant (see HostMatches)
// could leave state that a later, legitimately handshaken client on
// the same slot would silently inherit. TunIP is preserved: it is
// assigned once per slot at startup (AssignTunIPs) and is not part of
// per-occupant state.
func (t *Table) Allocate() (id int, ok bool) {
	for i, s := range t.slots {
		if !s.Active {
			tunIP := s.TunIP
			*s = Session{UserID: i, TunIP: tunIP, Active: true}
			return i, true
		}
	}
	return 0, false
}

// ActiveCount returns the number of active slots.
func (t *Table) ActiveCount() int {
	n := 0
	for _, s := range t.slots {
		if s.Active {
			n++
		}
	}
	return n
}

// FindByTunIP returns the id of the active session whose TunIP equals
// ip, used by the TUN ingress path and the hex-digit fragment branch
// to route a decompressed frame's destination address to a user.
func (t *Table) FindByTunIP(ip net.IP) (id int, ok bool) {
	for i, s := range t.slots {
		if s.Active && s.TunIP != nil && s.TunIP.Equal(ip) {
			return i, true
		}
	}
	return 0, false
}

// AssignTunIPs assigns sequential host addresses within serverIP's
// /24 to every slot, skipping serverIP itself, matching the reference
// implementation's init_users (spec §9: "assigns sequential tun_ip
// values within the server's /24, one per slot").
func (t *Table) AssignTunIPs(serverIP net.IP) error {
	v4 := serverIP.To4()
	if v4 == nil {
		return fmt.Errorf("session: AssignTunIPs: %v is not an IPv4 address", serverIP)
	}
	serverVal := binary.BigEndian.Uint32(v4)
	next := serverVal + 1
	for _, s := range t.slots {
		for next&0xff == 0 || next&0xff == 0xff || next == serverVal {
			next++
			if next&0xff == 0 {
				return fmt.Errorf("session: AssignTunIPs: /24 exhausted before assigning %d slots", len(t.slots))
			}
		}
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, next)
		s.TunIP = ip
		next++
	}
	return nil
}
