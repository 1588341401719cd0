// Package engine is the single-threaded event loop (spec §4.1): it
// multiplexes the DNS socket, the optional stub-resolver forward
// socket, and the optional TUN device over one select() call per
// iteration, servicing at most one ready source per pass.
//
// It is grounded on original_source's tunnel()/read_dns in iodined.c:
// the same fixed 1-second timeout, the same tun > dns > bind priority
// order, and the same all_users_waiting_to_send() back-pressure rule
// that drops the TUN descriptor from the read set once every active
// session's single out-slot is already full.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ZZBTheChaos/iodine/internal/classifier"
	"github.com/ZZBTheChaos/iodine/internal/dispatch"
	"github.com/ZZBTheChaos/iodine/internal/dnswire"
	"github.com/ZZBTheChaos/iodine/internal/forwarder"
	"github.com/ZZBTheChaos/iodine/internal/query"
	"github.com/ZZBTheChaos/iodine/internal/session"
	"github.com/ZZBTheChaos/iodine/internal/tunio"
	"github.com/ZZBTheChaos/iodine/types/logger"
)

// selectTimeout matches the reference implementation's tunnel() loop,
// which rebuilds its fd_set and re-selects every second rather than
// blocking indefinitely, so a cancelled context is noticed promptly.
const selectTimeout = 1 * time.Second

// Engine owns the I/O sources the event loop multiplexes over and the
// protocol state machine that answers them. One Engine drives one
// server process; nothing here is safe for concurrent use, matching
// spec §4.1's single-threaded, lock-free design.
type Engine struct {
	DNS        *dnswire.Conn
	Forwarder  *forwarder.Forwarder // nil disables stub-resolver forwarding (spec §6, no -b)
	Tun        *tunio.Conn          // nil disables TUN ingress/egress entirely
	Dispatcher *dispatch.Dispatcher
	Table      *session.Table
	TopDomain  string
	Logf       logger.Logf

	// ActiveSessions, if non-nil, receives the active session count
	// once per loop iteration via atomic.StoreInt64. It lets an
	// external metrics goroutine observe Table's size without
	// touching Table itself, which belongs exclusively to this loop.
	ActiveSessions *int64
}

// Run drives the event loop until ctx is cancelled or a fatal error
// occurs obtaining one of the watched descriptors. Protocol-level
// errors (malformed queries, decode failures, short upstream replies)
// are logged and the loop continues.
func (e *Engine) Run(ctx context.Context) error {
	logf := e.Logf
	if logf == nil {
		logf = logger.Discard
	}

	dnsFd, err := e.DNS.Fd()
	if err != nil {
		return fmt.Errorf("engine: dns fd: %w", err)
	}

	var fwdFd int
	if e.Forwarder != nil {
		if fwdFd, err = e.Forwarder.Fd(); err != nil {
			return fmt.Errorf("engine: forward fd: %w", err)
		}
	}

	var tunFd int
	if e.Tun != nil {
		if tunFd, err = e.Tun.Fd(); err != nil {
			return fmt.Errorf("engine: tun fd: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.ActiveSessions != nil {
			atomic.StoreInt64(e.ActiveSessions, int64(e.Table.ActiveCount()))
		}

		var rfds unix.FdSet
		fdSet(&rfds, dnsFd)
		maxFd := dnsFd

		if e.Forwarder != nil {
			fdSet(&rfds, fwdFd)
			if fwdFd > maxFd {
				maxFd = fwdFd
			}
		}

		watchTun := e.Tun != nil && !e.allSessionsWaitingToSend()
		if watchTun {
			fdSet(&rfds, tunFd)
			if tunFd > maxFd {
				maxFd = tunFd
			}
		}

		tv := unix.NsecToTimeval(selectTimeout.Nanoseconds())
		n, err := unix.Select(maxFd+1, &rfds, nil, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("engine: select: %w", err)
		}
		if n <= 0 {
			continue
		}

		// Reference priority order: tun before dns before bind, and
		// handle at most one ready source before looping back to
		// select again (spec §4.1, §9).
		if watchTun && fdIsSet(&rfds, tunFd) {
			if err := e.Tun.ReadAndDeliver(e.flush(logf)); err != nil {
				logf("engine: tun read: %v", err)
			}
			continue
		}
		if fdIsSet(&rfds, dnsFd) {
			e.handleDNS(logf)
			continue
		}
		if e.Forwarder != nil && fdIsSet(&rfds, fwdFd) {
			e.handleForwardReply(logf)
			continue
		}
	}
}

// handleDNS reads one query, routes it into the tunnel dispatcher or
// the stub-resolver forwarder depending on whether its name lies
// inside TopDomain (spec §4.3), and answers it if the dispatcher
// produced an immediate reply.
func (e *Engine) handleDNS(logf logger.Logf) {
	q, err := e.DNS.ReadQuery()
	if err != nil {
		logf("engine: dns read: %v", err)
		return
	}

	prefix, ok := classifier.Classify(q.Name, e.TopDomain)
	if !ok {
		if e.Forwarder == nil {
			return
		}
		if err := e.Forwarder.Forward(q); err != nil {
			logf("engine: forward: %v", err)
		}
		return
	}

	// spec §4.3: only NULL-type queries are accepted by the dispatcher;
	// any other type inside the zone is silently dropped here, not
	// forwarded and not handed to the state machine.
	if q.Type != query.RRTypeNULL {
		return
	}

	reply := e.Dispatcher.Handle(q, prefix, e.flush(logf))
	if reply == nil {
		return
	}
	if err := e.DNS.WriteAnswer(q, reply.Payload); err != nil {
		logf("engine: dns write: %v", err)
	}
}

// handleForwardReply reads one reply from the stub resolver and
// relays it back to its original asker verbatim (spec §4.6).
func (e *Engine) handleForwardReply(logf logger.Logf) {
	client, raw, err := e.Forwarder.ReadResponse()
	if err != nil {
		logf("engine: forward reply: %v", err)
		return
	}
	if err := e.DNS.WriteRaw(raw, &query.Query{Src: client}); err != nil {
		logf("engine: forward reply write: %v", err)
	}
}

// flush answers an already-parked query immediately, used as the
// dispatch.Flush / tunio.Flush side-channel callback whenever a
// cross-user delivery or ping overwrite bumps a payload out of a
// session's single out-slot (spec §4.4's "send empty reply before
// overwriting").
func (e *Engine) flush(logf logger.Logf) func(q *query.Query, payload []byte) {
	return func(q *query.Query, payload []byte) {
		if err := e.DNS.WriteAnswer(q, payload); err != nil {
			logf("engine: flush write: %v", err)
		}
	}
}

// allSessionsWaitingToSend mirrors all_users_waiting_to_send(): it
// reports true (pausing TUN reads) once every active session already
// has a packet queued in its single out-slot, since reading more from
// the device would have nowhere to go. With no active sessions at all
// it is vacuously true, matching the reference loop over zero users.
func (e *Engine) allSessionsWaitingToSend() bool {
	for i := 0; i < e.Table.Len(); i++ {
		s := e.Table.Get(i)
		if s.Active && s.Out.Empty() {
			return false
		}
	}
	return true
}

// fdSet and fdIsSet manipulate a unix.FdSet's bitmap directly:
// golang.org/x/sys/unix, unlike most select(2) wrappers, exposes the
// raw Bits array with no FD_SET/FD_ISSET helpers of its own.
func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
